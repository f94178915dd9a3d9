package converge

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrUnknownMethod is returned by a Dispatcher for a method it does not
// serve. The convergence server maps it to a method-not-found error response
// rather than closing the connection.
var ErrUnknownMethod = errors.New("unknown method")

// Handler serves one method. Params and result are raw JSON; this layer
// routes bytes and never interprets method payloads.
type Handler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Dispatcher is the capability the embedding subsystem hands to Resolve: the
// bridge from a method name arriving over the wire to local application code
// (catalog queries, downloads, installs, monitors). The convergence server
// calls it once per request, sequentially per connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// HandlerMap is the standard Dispatcher: a static method table.
type HandlerMap map[string]Handler

func (m HandlerMap) Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	h, ok := m[method]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMethod, "%q", method)
	}
	return h(ctx, params)
}
