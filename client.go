package converge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/modelcask/converge/internal/proto"
)

// OwnerLostError reports that the connection to the primary failed. It
// carries the last-known identity of the primary so the host can log it and
// decide whether to attempt promotion by re-running Resolve. The client never
// retries or reconnects on its own.
type OwnerLostError struct {
	PID  int
	Port int
	Err  error
}

func (e *OwnerLostError) Error() string {
	return fmt.Sprintf("lost connection to library owner (pid %d, port %d): %v", e.PID, e.Port, e.Err)
}

func (e *OwnerLostError) Unwrap() error { return e.Err }

// IsOwnerLost reports whether err means the primary is unreachable and the
// host should consider promotion.
func IsOwnerLost(err error) bool {
	var ol *OwnerLostError
	return errors.As(err, &ol)
}

// RPCError is a structured error response from the primary's dispatcher. The
// connection remains healthy; only this call failed.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client proxies calls for one library root to the current primary over a
// single persistent loopback connection.
type Client struct {
	l               log15.Logger
	pid             int
	port            int
	maxMessageBytes uint32

	// mu is held for a full request/response cycle: the primary answers each
	// connection's requests in order, so interleaving frames from concurrent
	// callers would corrupt the stream without buying any parallelism.
	mu     sync.Mutex
	conn   net.Conn
	nextID uint64
	broken *OwnerLostError
}

func newClient(conn net.Conn, pid, port int, maxMessageBytes uint32, l log15.Logger) *Client {
	return &Client{
		l:               l.New("owner_pid", pid, "owner_port", port),
		pid:             pid,
		port:            port,
		maxMessageBytes: maxMessageBytes,
		conn:            conn,
	}
}

// PrimaryPID returns the pid of the primary this client is connected to.
func (c *Client) PrimaryPID() int { return c.pid }

// PrimaryPort returns the loopback port of the primary.
func (c *Client) PrimaryPort() int { return c.port }

// Call sends one request and waits for its response. Concurrent callers are
// serialized; each call owns the connection for its full cycle.
//
// A transport failure (reset, EOF, deadline) returns an *OwnerLostError and
// permanently marks the client broken: once framing is interrupted mid-cycle
// the stream cannot be reused. An error response from the dispatcher returns
// an *RPCError and the connection stays usable, as does a request rejected
// locally for exceeding the frame limit.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, c.broken
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, c.fail(errors.Wrap(err, "setting deadline"))
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	c.nextID++
	id := c.nextID
	if err := proto.Write(c.conn, proto.NewRequest(id, method, params), c.maxMessageBytes); err != nil {
		var oversize *proto.OversizeError
		if errors.As(err, &oversize) {
			// Rejected before any bytes went out; the stream is still
			// frame-aligned and later calls can proceed.
			return nil, err
		}
		return nil, c.fail(err)
	}
	resp, err := proto.Read(c.conn, c.maxMessageBytes)
	if err != nil {
		return nil, c.fail(err)
	}
	if resp.ID != id {
		// Advisory only: one in-flight request per connection means this can
		// only happen against a misbehaving server.
		c.l.Warn("response id does not match request", "got", resp.ID, "want", id)
	}
	if resp.Kind() == proto.KindError {
		return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// Ping issues the trivial liveness round-trip.
func (c *Client) Ping(ctx context.Context) error {
	result, err := c.Call(ctx, proto.MethodPing, nil)
	if err != nil {
		return err
	}
	var pong string
	if err := json.Unmarshal(result, &pong); err != nil || pong != "pong" {
		return errors.Errorf("unexpected ping response %q", result)
	}
	return nil
}

// fail marks the client permanently broken and returns the owner-lost error
// every subsequent call will also get. Caller holds mu.
func (c *Client) fail(cause error) *OwnerLostError {
	c.broken = &OwnerLostError{PID: c.pid, Port: c.port, Err: cause}
	c.conn.Close()
	c.l.Warn("connection to library owner lost", "err", cause)
	return c.broken
}

// Close releases the connection. Calls after Close report the owner as lost.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil
	}
	c.broken = &OwnerLostError{PID: c.pid, Port: c.port, Err: errors.New("client closed")}
	return c.conn.Close()
}
