package converge

import "fmt"

// Role is what Resolve decided this process is for a library root.
type Role string

const (
	// RolePrimary means this process owns the library's on-disk state and is
	// serving it over its convergence server.
	RolePrimary Role = "primary"
	// RoleClient means another process owns the state and calls must be
	// proxied to it.
	RoleClient Role = "client"
)

// sessionState is the lifecycle of a Session. It has the following transitions:
// ∅         → Resolving
// Resolving → Client
// Resolving → Primary
// Client    → Resolving   (promotion re-runs the election)
// any       → Closed
//
// There is deliberately no Primary → anything except Closed: a process that
// has become primary keeps that role until it exits. Demoting a live primary
// would require moving authoritative state out from under its callers.
type sessionState string

const (
	sessionStateResolving sessionState = "resolving"
	sessionStateClient    sessionState = "client"
	sessionStatePrimary   sessionState = "primary"
	sessionStateClosed    sessionState = "closed"
)

var validTransitions = map[sessionState][]sessionState{
	sessionStateResolving: {
		sessionStateClient,
		sessionStatePrimary,
		sessionStateClosed,
	},
	sessionStateClient: {
		sessionStateResolving,
		sessionStateClosed,
	},
	sessionStatePrimary: {
		sessionStateClosed,
	},
	sessionStateClosed: {
		sessionStateClosed,
	},
}

func (s *sessionState) canTransitionTo(state sessionState) error {
	for _, target := range validTransitions[*s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *sessionState) transitionTo(state sessionState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
