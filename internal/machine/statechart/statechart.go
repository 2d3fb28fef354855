// Package statechart is a small state-machine engine satisfying the
// runtime's Machine contract: guarded transitions, hierarchical state
// values as dotted paths, context reducers, snapshot migrations, and
// per-event-type payload schemas.
//
// The actor host treats the engine as opaque; anything implementing
// core.Machine can replace it.
package statechart

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/actorkit/backend/internal/core"
	"github.com/actorkit/backend/internal/patch"
)

// Guard decides whether a transition may fire.
type Guard func(snap *core.Snapshot, ev core.Event) bool

// Action mutates the machine context. It runs on a clone: returning an
// error leaves the machine state untouched.
type Action func(ctx *core.Context, ev core.Event) error

// Transition is one candidate reaction to an event. The first transition
// whose guard passes wins. An empty Target keeps the current state value.
type Transition struct {
	Target string
	Guard  Guard
	Action Action
}

// State describes one state node, addressed by its dotted value.
type State struct {
	On map[string][]Transition
}

// Validator checks an inbound event payload.
type Validator func(ev core.Event) error

// Migration upgrades a rehydrated snapshot in place. Migrations run in
// order, oldest first, before the machine starts.
type Migration func(snap *core.Snapshot) error

// Chart is the declarative machine definition.
type Chart struct {
	Initial        string
	States         map[string]*State
	GlobalOn       map[string][]Transition
	InitialContext func(addr core.Address, initialCaller core.Caller, input map[string]any) core.Context
	ClientEvents   map[string]Validator
	ServiceEvents  map[string]Validator
	Migrations     []Migration
}

// Factory adapts a chart into the registry's machine catalog entry.
func (c *Chart) Factory() core.MachineFactory {
	return func(addr core.Address, initialCaller core.Caller, input map[string]any) core.Machine {
		return &machine{chart: c, addr: addr, initialCaller: initialCaller, input: input}
	}
}

type machine struct {
	chart         *Chart
	addr          core.Address
	initialCaller core.Caller
	input         map[string]any

	mu        sync.RWMutex
	snap      core.Snapshot
	started   bool
	listeners map[int]func(*core.Snapshot)
	nextID    int
}

func (m *machine) Start(prior *core.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("machine already started")
	}

	if prior != nil {
		var snap core.Snapshot
		if err := patch.Clone(prior, &snap); err != nil {
			return fmt.Errorf("clone prior snapshot: %w", err)
		}
		m.snap = snap
	} else {
		var ctx core.Context
		if m.chart.InitialContext != nil {
			ctx = m.chart.InitialContext(m.addr, m.initialCaller, m.input)
		}
		m.snap = core.Snapshot{Value: m.chart.Initial, Context: ctx, Status: "active"}
	}
	normalizeContext(&m.snap.Context)
	m.listeners = make(map[int]func(*core.Snapshot))
	m.started = true
	return nil
}

// Send applies one event. An event no transition handles, or whose guards
// all refuse, is a no-op: the snapshot is unchanged and subscribers see an
// empty diff.
func (m *machine) Send(ev core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return fmt.Errorf("machine not started")
	}

	transition, ok := m.resolve(ev)
	if !ok {
		return nil
	}

	// Reducers run on a clone so a failing action cannot leave the
	// context half-mutated.
	var next core.Context
	if err := patch.Clone(m.snap.Context, &next); err != nil {
		return fmt.Errorf("clone context: %w", err)
	}
	normalizeContext(&next)
	if transition.Action != nil {
		if err := transition.Action(&next, ev); err != nil {
			return err
		}
	}
	m.snap.Context = next
	if transition.Target != "" {
		m.snap.Value = transition.Target
	}

	for _, l := range m.listeners {
		l(m.snapshotLocked())
	}
	return nil
}

// resolve walks the state value from leaf to root, then the global
// handlers, returning the first transition whose guard passes.
func (m *machine) resolve(ev core.Event) (Transition, bool) {
	value := m.snap.Value
	for {
		if st, ok := m.chart.States[value]; ok {
			if tr, ok := firstEnabled(st.On[ev.Type], &m.snap, ev); ok {
				return tr, true
			}
		}
		idx := strings.LastIndex(value, ".")
		if idx < 0 {
			break
		}
		value = value[:idx]
	}
	return firstEnabled(m.chart.GlobalOn[ev.Type], &m.snap, ev)
}

func firstEnabled(candidates []Transition, snap *core.Snapshot, ev core.Event) (Transition, bool) {
	for _, tr := range candidates {
		if tr.Guard == nil || tr.Guard(snap, ev) {
			return tr, true
		}
	}
	return Transition{}, false
}

func (m *machine) Snapshot() *core.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *machine) snapshotLocked() *core.Snapshot {
	var out core.Snapshot
	if err := patch.Clone(m.snap, &out); err != nil {
		// Context is JSON-serializable by construction; treat failure as
		// a programming error.
		panic(fmt.Sprintf("statechart: snapshot not serializable: %v", err))
	}
	normalizeContext(&out.Context)
	return &out
}

func (m *machine) Subscribe(listener func(*core.Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *machine) Migrate(stored json.RawMessage) (*core.Snapshot, error) {
	var snap core.Snapshot
	if err := json.Unmarshal(stored, &snap); err != nil {
		return nil, fmt.Errorf("decode stored snapshot: %w", err)
	}
	normalizeContext(&snap.Context)
	for i, mig := range m.chart.Migrations {
		if err := mig(&snap); err != nil {
			return nil, fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return &snap, nil
}

// Validate checks the event type is known for the caller's kind and runs
// its payload schema. System events bypass validation.
func (m *machine) Validate(ev core.Event) error {
	var schemas map[string]Validator
	switch ev.Caller.Type {
	case core.CallerSystem:
		return nil
	case core.CallerClient:
		schemas = m.chart.ClientEvents
	case core.CallerService:
		schemas = m.chart.ServiceEvents
	default:
		return fmt.Errorf("unknown caller type %q", ev.Caller.Type)
	}

	v, ok := schemas[ev.Type]
	if !ok {
		return fmt.Errorf("event type %q not accepted from %s callers", ev.Type, ev.Caller.Type)
	}
	if v != nil {
		return v(ev)
	}
	return nil
}

func normalizeContext(ctx *core.Context) {
	if ctx.Public == nil {
		ctx.Public = map[string]any{}
	}
	if ctx.Private == nil {
		ctx.Private = map[string]map[string]any{}
	}
}
