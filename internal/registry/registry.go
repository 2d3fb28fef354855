// Package registry maps actor addresses to their singleton hosts, spawns
// hosts lazily on first contact, and exposes the HTTP/WebSocket surface
// that dispatches traffic to them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/actorkit/backend/internal/actor"
	"github.com/actorkit/backend/internal/core"
	"github.com/actorkit/backend/internal/storage"
)

// Registry is the process-wide address → host map. Spawns are serialized
// per address; distinct addresses spawn in parallel.
type Registry struct {
	store   storage.Store
	hostCfg actor.Config
	logger  *slog.Logger

	mu      sync.Mutex
	catalog map[string]core.MachineFactory
	hosts   map[core.Address]*hostEntry

	connections *connectionTable
}

type hostEntry struct {
	host *actor.Host
	once sync.Once
	err  error
}

// New builds an empty registry. Machine types are added with Register.
func New(store storage.Store, hostCfg actor.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       store,
		hostCfg:     hostCfg,
		logger:      logger,
		catalog:     make(map[string]core.MachineFactory),
		hosts:       make(map[core.Address]*hostEntry),
		connections: newConnectionTable(24*time.Hour, 100_000),
	}
}

// Register adds a machine factory to the catalog under its actor type.
func (r *Registry) Register(actorType string, factory core.MachineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog[actorType] = factory
}

// HasType reports whether a machine is registered for the actor type.
func (r *Registry) HasType(actorType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.catalog[actorType]
	return ok
}

// ActorTypes lists the registered catalog, for diagnostics.
func (r *Registry) ActorTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.catalog))
	for t := range r.catalog {
		types = append(types, t)
	}
	return types
}

// Host returns the singleton host for an address, spawning it on first
// contact with the given caller as initial caller and the given input.
// The input only matters for the spawning call; later calls ignore it.
func (r *Registry) Host(ctx context.Context, addr core.Address, initialCaller core.Caller, input map[string]any) (*actor.Host, error) {
	r.mu.Lock()
	factory, ok := r.catalog[addr.Type]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", core.ErrNotFound, addr.Type)
	}
	e, ok := r.hosts[addr]
	if !ok {
		e = &hostEntry{host: actor.NewHost(addr, factory, r.store, r.hostCfg)}
		r.hosts[addr] = e
	}
	r.mu.Unlock()

	if input == nil {
		input = map[string]any{}
	}
	e.once.Do(func() {
		e.err = e.host.Spawn(ctx, initialCaller, input)
	})
	if e.err != nil {
		// Let a later request retry the spawn instead of pinning the
		// address to a dead entry.
		r.mu.Lock()
		if r.hosts[addr] == e {
			delete(r.hosts, addr)
		}
		r.mu.Unlock()
		return nil, e.err
	}
	return e.host, nil
}

// Shutdown tears down every live host. Called on process teardown only.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*hostEntry, 0, len(r.hosts))
	for _, e := range r.hosts {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.host.Shutdown()
	}
}

// connectionTable remembers which caller a connection id belongs to, so a
// re-entering client holding only a connection token reclaims the same
// server-side caller record. Bounded and time-limited; an evicted record
// just means the caller from the token is used as-is.
type connectionTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]connectionRecord
}

type connectionRecord struct {
	caller   core.Caller
	lastSeen time.Time
}

func newConnectionTable(ttl time.Duration, max int) *connectionTable {
	return &connectionTable{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]connectionRecord),
	}
}

func (t *connectionTable) record(connectionID string, caller core.Caller) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if len(t.entries) >= t.max {
		for id, rec := range t.entries {
			if now.Sub(rec.lastSeen) > t.ttl {
				delete(t.entries, id)
			}
		}
	}
	if len(t.entries) < t.max {
		t.entries[connectionID] = connectionRecord{caller: caller, lastSeen: now}
	}
}

func (t *connectionTable) reclaim(connectionID string) (core.Caller, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.entries[connectionID]
	if !ok {
		return core.Caller{}, false
	}
	if time.Since(rec.lastSeen) > t.ttl {
		delete(t.entries, connectionID)
		return core.Caller{}, false
	}
	rec.lastSeen = time.Now()
	t.entries[connectionID] = rec
	return rec.caller, true
}
