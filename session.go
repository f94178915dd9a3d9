package converge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// ErrSessionClosed is returned by Session operations after Close.
var ErrSessionClosed = errors.New("session is closed")

// Session wraps Resolve with role bookkeeping for hosts that want a single
// call surface regardless of which side of the coordination they landed on.
//
// A primary session dispatches calls straight into the local subsystem; a
// client session proxies them to the primary. When a client call fails with
// an owner-lost error, the host invokes Promote, which re-runs the election.
// Promotion may make this process the new primary, or a client of whichever
// process won in the meantime. A session that became primary stays primary
// until closed.
type Session struct {
	path     string
	dispatch Dispatcher
	opts     []Option

	mu    sync.Mutex
	state sessionState
	res   *Resolution
}

// NewSession prepares a session for libraryPath. No election happens until
// Start.
func NewSession(libraryPath string, dispatch Dispatcher, opts ...Option) *Session {
	return &Session{
		path:     libraryPath,
		dispatch: dispatch,
		opts:     opts,
		state:    sessionStateResolving,
	}
}

// Start runs the election and adopts the resulting role.
func (s *Session) Start(ctx context.Context) (*Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sessionStateResolving {
		return nil, errors.Errorf("session already started (state %s)", s.state)
	}
	return s.resolveLocked(ctx)
}

// resolveLocked runs the election and transitions into the resulting role.
// Caller holds mu and has already moved (or left) the state in resolving.
func (s *Session) resolveLocked(ctx context.Context) (*Resolution, error) {
	res, err := Resolve(ctx, s.path, s.dispatch, s.opts...)
	if err != nil {
		return nil, err
	}
	target := sessionStateClient
	if res.Role == RolePrimary {
		target = sessionStatePrimary
	}
	if err := s.state.transitionTo(target); err != nil {
		// Unreachable from the two states that call us, but fail closed
		// rather than serve with mismatched bookkeeping.
		if res.Role == RolePrimary {
			res.Primary.Close()
		} else {
			res.Client.Close()
		}
		return nil, err
	}
	s.res = res
	return res, nil
}

// Role reports the session's current role. Valid after Start.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.res == nil {
		return ""
	}
	return s.res.Role
}

// Resolution returns the current resolution, or nil before Start.
func (s *Session) Resolution() *Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

// Call routes one request: dispatched locally when this process is the
// primary, proxied to the primary when it is a client. An owner-lost error
// from a client call is returned as-is; deciding whether to Promote or give
// up belongs to the host.
func (s *Session) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	state, res := s.state, s.res
	s.mu.Unlock()

	switch state {
	case sessionStatePrimary:
		return s.dispatch.Dispatch(ctx, method, params)
	case sessionStateClient:
		return res.Client.Call(ctx, method, params)
	case sessionStateClosed:
		return nil, ErrSessionClosed
	}
	return nil, errors.Errorf("session not started (state %s)", state)
}

// Promote re-runs the election after the primary was lost. Only a client can
// promote; a primary already owns the library, and promoting it again is a
// host logic error.
//
// The old connection is discarded. If another process won the election first,
// the session remains a client, now pointed at the new primary.
func (s *Session) Promote(ctx context.Context) (*Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.transitionTo(sessionStateResolving); err != nil {
		return nil, err
	}
	if s.res != nil && s.res.Client != nil {
		s.res.Client.Close()
	}
	s.res = nil
	return s.resolveLocked(ctx)
}

// Close releases whichever role handle the session holds.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.transitionTo(sessionStateClosed); err != nil {
		return err
	}
	if s.res == nil {
		return nil
	}
	res := s.res
	s.res = nil
	if res.Primary != nil {
		return res.Primary.Close()
	}
	return res.Client.Close()
}
