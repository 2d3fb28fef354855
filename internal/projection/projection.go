// Package projection derives the per-caller view of an actor's state.
// A projection carries exactly three things: the shared public context,
// the caller's own private slice, and the machine's state value. Nothing
// else ever leaves the host.
package projection

import (
	"fmt"

	"github.com/actorkit/backend/internal/core"
	"github.com/actorkit/backend/internal/patch"
)

// CallerSnapshot is the slice of an actor's state visible to one caller.
type CallerSnapshot struct {
	Public  map[string]any `json:"public"`
	Private map[string]any `json:"private"`
	Value   string         `json:"value"`
}

// Project returns the caller's view of a full snapshot. The result is a
// deep copy: later machine mutations cannot reach a projection that has
// already been handed out. A caller with no private slice gets an empty
// object, never null.
func Project(s *core.Snapshot, callerID string) (*CallerSnapshot, error) {
	out := &CallerSnapshot{
		Public:  map[string]any{},
		Private: map[string]any{},
		Value:   s.Value,
	}
	if s.Context.Public != nil {
		if err := patch.Clone(s.Context.Public, &out.Public); err != nil {
			return nil, fmt.Errorf("clone public context: %w", err)
		}
	}
	if priv, ok := s.Context.Private[callerID]; ok && priv != nil {
		if err := patch.Clone(priv, &out.Private); err != nil {
			return nil, fmt.Errorf("clone private context: %w", err)
		}
	}
	return out, nil
}
