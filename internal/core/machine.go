package core

import "encoding/json"

// Context is the machine's working state. The invariant: anything placed in
// Public is observable by every caller; fields keyed by caller id inside
// Private are observable only by that caller.
type Context struct {
	Public  map[string]any            `json:"public"`
	Private map[string]map[string]any `json:"private"`
}

// Snapshot is the full machine state. It is never shipped to clients
// directly; only per-caller projections are.
type Snapshot struct {
	Value   string  `json:"value"`
	Context Context `json:"context"`
	Status  string  `json:"status,omitempty"`
}

// Machine is the state-machine engine an actor host drives. The host treats
// it as an opaque collaborator: the engine owns hierarchical state values,
// guards, and migrations; the host owns ordering, persistence, and fan-out.
//
// The host calls every method from its single event-loop goroutine except
// Validate, which must be safe for concurrent use.
type Machine interface {
	// Start initializes the machine. A nil prior snapshot means a fresh
	// start; otherwise the machine resumes from the given (already
	// migrated) snapshot.
	Start(prior *Snapshot) error

	// Send applies one event. An error means the transition failed and
	// machine state is unchanged.
	Send(event Event) error

	// Snapshot returns the current full machine state.
	Snapshot() *Snapshot

	// Subscribe registers a listener invoked after every applied event.
	// Returns an unsubscribe function.
	Subscribe(listener func(*Snapshot)) func()

	// Migrate upgrades a stored snapshot serialization to the machine's
	// current shape. Called once during rehydration, before Start.
	Migrate(stored json.RawMessage) (*Snapshot, error)

	// Validate checks an inbound client or service event against the
	// machine's event schema. System events bypass validation.
	Validate(event Event) error
}

// MachineFactory constructs a machine instance for one actor. The registry
// keeps a catalog of factories keyed by actor type.
type MachineFactory func(addr Address, initialCaller Caller, input map[string]any) Machine
