// Package actor implements the actor host: lifecycle, single-threaded
// event loop, snapshot persistence, per-caller projection, checksum-based
// resynchronization, and WebSocket fan-out of JSON-patch deltas.
//
// Per actor, single-writer: events, machine transitions, projection/diff,
// and fan-out all happen in strict serial order on the host's event-loop
// goroutine. The order in which events are accepted is the order their
// effects become visible to every subscriber and every subsequent read.
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/actorkit/backend/internal/core"
	"github.com/actorkit/backend/internal/metrics"
	"github.com/actorkit/backend/internal/patch"
	"github.com/actorkit/backend/internal/projection"
	"github.com/actorkit/backend/internal/storage"
)

const (
	defaultQueueSize = 256
	defaultCacheTTL  = 5 * time.Minute
)

// Config tunes one actor host. Zero values fall back to defaults.
type Config struct {
	QueueSize int
	CacheTTL  time.Duration

	// Env and AllowedOrigins drive the WebSocket origin check. In
	// production only the listed origins may upgrade; everywhere else all
	// origins are accepted.
	Env            string
	AllowedOrigins []string

	// Persist enables snapshot persistence after each step. The birth
	// record is persisted regardless, so spawn identity survives restarts.
	Persist bool

	// PersistBackoffInitial/Max bound the retry gate applied after a
	// failed snapshot write. Retries piggyback on later steps; they never
	// block the event loop.
	PersistBackoffInitial time.Duration
	PersistBackoffMax     time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type lifecycle int

const (
	lifecycleUninitialized lifecycle = iota
	lifecycleInitializing
	lifecycleReady
	lifecycleShutdown
)

// WaitOptions block a Snapshot call until an event of the given type has
// been applied, or the machine's state value matches State, or Timeout
// elapses.
type WaitOptions struct {
	Event          string
	State          string
	Timeout        time.Duration
	ErrorOnTimeout bool
}

type waiter struct {
	event string
	state string
	done  chan struct{}
}

// Host owns a single machine instance for one actor address.
type Host struct {
	addr     core.Address
	factory  core.MachineFactory
	store    storage.Store
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	queue    chan core.Event
	loopDone chan struct{}

	mu            sync.Mutex
	state         lifecycle
	machine       core.Machine
	initialCaller core.Caller
	input         map[string]any

	current         *core.Snapshot
	currentChecksum string
	cache           *snapshotCache

	subs    map[*subscription]struct{}
	waiters map[*waiter]struct{}

	persistedChecksum string
	persistBackoff    *backoff.ExponentialBackOff
	persistNotBefore  time.Time
}

// NewHost wires a host for an address. The host stays inert until Spawn.
func NewHost(addr core.Address, factory core.MachineFactory, store storage.Store, cfg Config) *Host {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.PersistBackoffInitial <= 0 {
		cfg.PersistBackoffInitial = 500 * time.Millisecond
	}
	if cfg.PersistBackoffMax <= 0 {
		cfg.PersistBackoffMax = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.PersistBackoffInitial
	bo.MaxInterval = cfg.PersistBackoffMax
	bo.MaxElapsedTime = 0 // retry as long as the actor lives

	return &Host{
		addr:           addr,
		factory:        factory,
		store:          store,
		cfg:            cfg,
		logger:         cfg.Logger.With("actor", addr.String()),
		metrics:        cfg.Metrics,
		upgrader:       newUpgrader(cfg.Env, cfg.AllowedOrigins, cfg.Logger),
		queue:          make(chan core.Event, cfg.QueueSize),
		loopDone:       make(chan struct{}),
		cache:          newSnapshotCache(cfg.CacheTTL),
		subs:           make(map[*subscription]struct{}),
		waiters:        make(map[*waiter]struct{}),
		persistBackoff: bo,
	}
}

// Address returns the actor address this host serves.
func (h *Host) Address() core.Address {
	return h.addr
}

type birthRecord struct {
	ActorType     string         `json:"actorType"`
	ActorID       string         `json:"actorId"`
	InitialCaller core.Caller    `json:"initialCaller"`
	Input         map[string]any `json:"input"`
}

// Spawn performs first-time initialization: persist the birth record,
// construct the machine, apply migrations to any persisted snapshot, and
// start processing. Idempotent: repeated calls with identical arguments
// are no-ops; mismatched arguments fail with ErrAlreadySpawned.
//
// On cold start the persisted birth record wins over the arguments: the
// registry respawns with whatever caller happened to knock first, and the
// actor must resume as the actor it was born as.
func (h *Host) Spawn(ctx context.Context, initialCaller core.Caller, input map[string]any) error {
	h.mu.Lock()
	if h.state == lifecycleShutdown {
		h.mu.Unlock()
		return core.ErrShutdown
	}
	if h.state != lifecycleUninitialized {
		same := h.initialCaller == initialCaller && equalJSON(h.input, input)
		h.mu.Unlock()
		if !same {
			return fmt.Errorf("%w: %s", core.ErrAlreadySpawned, h.addr)
		}
		return nil
	}
	h.state = lifecycleInitializing
	h.mu.Unlock()

	rec, stored, err := h.loadOrPersistBirthRecord(ctx, initialCaller, input)
	if err != nil {
		h.setState(lifecycleUninitialized)
		return err
	}

	machine := h.factory(h.addr, rec.InitialCaller, rec.Input)

	prior, resumed, err := h.rehydrate(ctx, machine)
	if err != nil {
		h.setState(lifecycleUninitialized)
		return err
	}
	if err := machine.Start(prior); err != nil {
		h.setState(lifecycleUninitialized)
		return fmt.Errorf("start machine: %w", err)
	}

	snap := machine.Snapshot()
	checksum, err := patch.Checksum(snap)
	if err != nil {
		h.setState(lifecycleUninitialized)
		return fmt.Errorf("checksum initial snapshot: %w", err)
	}

	h.mu.Lock()
	if h.state == lifecycleShutdown {
		// Shutdown raced the initialization; the host must stay down.
		h.mu.Unlock()
		return core.ErrShutdown
	}
	h.machine = machine
	h.initialCaller = rec.InitialCaller
	h.input = rec.Input
	h.current = snap
	h.currentChecksum = checksum
	h.cache.put(checksum, snap, time.Now())
	if resumed {
		h.persistedChecksum = checksum
	}
	h.state = lifecycleReady
	h.mu.Unlock()

	go h.run()

	if resumed {
		h.enqueueSystem(core.Event{Type: core.EventResume, Caller: core.SystemCaller()})
	} else {
		h.enqueueSystem(core.Event{Type: core.EventInitialize, Caller: core.SystemCaller()})
	}

	h.metrics.SpawnsTotal.WithLabelValues(h.addr.Type).Inc()
	h.logger.Info("actor spawned", "resumed", resumed, "stored_birth_record", stored)
	return nil
}

// setState transitions the lifecycle unless Shutdown already won the race.
func (h *Host) setState(s lifecycle) {
	h.mu.Lock()
	if h.state != lifecycleShutdown {
		h.state = s
	}
	h.mu.Unlock()
}

func (h *Host) loadOrPersistBirthRecord(ctx context.Context, initialCaller core.Caller, input map[string]any) (birthRecord, bool, error) {
	key := storage.ActorKey(h.addr.Type, h.addr.ID, storage.FieldInitialCaller)
	inputKey := storage.ActorKey(h.addr.Type, h.addr.ID, storage.FieldInput)

	raw, err := h.store.Get(ctx, key)
	switch {
	case err == nil:
		rec := birthRecord{ActorType: h.addr.Type, ActorID: h.addr.ID}
		if err := json.Unmarshal(raw, &rec.InitialCaller); err != nil {
			return birthRecord{}, false, fmt.Errorf("decode stored initial caller: %w", err)
		}
		if rawInput, err := h.store.Get(ctx, inputKey); err == nil {
			if err := json.Unmarshal(rawInput, &rec.Input); err != nil {
				return birthRecord{}, false, fmt.Errorf("decode stored input: %w", err)
			}
		}
		return rec, true, nil

	case err == storage.ErrKeyNotFound:
		rec := birthRecord{
			ActorType:     h.addr.Type,
			ActorID:       h.addr.ID,
			InitialCaller: initialCaller,
			Input:         input,
		}
		callerJSON, err := json.Marshal(rec.InitialCaller)
		if err != nil {
			return birthRecord{}, false, err
		}
		inputJSON, err := json.Marshal(rec.Input)
		if err != nil {
			return birthRecord{}, false, err
		}
		if err := h.store.Set(ctx, storage.ActorKey(h.addr.Type, h.addr.ID, storage.FieldActorType), []byte(h.addr.Type)); err != nil {
			return birthRecord{}, false, fmt.Errorf("persist birth record: %w", err)
		}
		if err := h.store.Set(ctx, storage.ActorKey(h.addr.Type, h.addr.ID, storage.FieldActorID), []byte(h.addr.ID)); err != nil {
			return birthRecord{}, false, fmt.Errorf("persist birth record: %w", err)
		}
		if err := h.store.Set(ctx, key, callerJSON); err != nil {
			return birthRecord{}, false, fmt.Errorf("persist birth record: %w", err)
		}
		if err := h.store.Set(ctx, inputKey, inputJSON); err != nil {
			return birthRecord{}, false, fmt.Errorf("persist birth record: %w", err)
		}
		return rec, false, nil

	default:
		return birthRecord{}, false, fmt.Errorf("load birth record: %w", err)
	}
}

// rehydrate loads the persisted snapshot, if any, and runs it through the
// machine's migrations.
func (h *Host) rehydrate(ctx context.Context, machine core.Machine) (*core.Snapshot, bool, error) {
	raw, err := h.store.Get(ctx, storage.ActorKey(h.addr.Type, h.addr.ID, storage.FieldPersistedSnapshot))
	if err == storage.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load persisted snapshot: %w", err)
	}
	prior, err := machine.Migrate(raw)
	if err != nil {
		return nil, false, fmt.Errorf("migrate persisted snapshot: %w", err)
	}
	return prior, true, nil
}

// Send validates and enqueues an event already stamped with its caller.
// It returns once the event is accepted into the queue. System callers are
// never accepted here; the host synthesizes its own system events.
func (h *Host) Send(ctx context.Context, ev core.Event) error {
	h.mu.Lock()
	state := h.state
	machine := h.machine
	h.mu.Unlock()

	switch state {
	case lifecycleShutdown:
		return core.ErrShutdown
	case lifecycleReady:
	default:
		return core.ErrNotReady
	}

	if ev.Caller.Type == core.CallerSystem {
		h.metrics.EventsDropped.WithLabelValues(h.addr.Type, "bad_event").Inc()
		return fmt.Errorf("%w: system events are host-internal", core.ErrBadEvent)
	}
	if err := machine.Validate(ev); err != nil {
		h.metrics.EventsDropped.WithLabelValues(h.addr.Type, "bad_event").Inc()
		return fmt.Errorf("%w: %v", core.ErrBadEvent, err)
	}

	select {
	case h.queue <- ev:
		return nil
	case <-h.loopDone:
		return core.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueSystem feeds a host-synthesized event into the queue without
// blocking the caller. A full queue drops the event with a log line; the
// machine must not depend on system events for correctness of its own
// serialized history.
func (h *Host) enqueueSystem(ev core.Event) {
	select {
	case h.queue <- ev:
	case <-h.loopDone:
	default:
		h.metrics.EventsDropped.WithLabelValues(h.addr.Type, "queue_full").Inc()
		h.logger.Warn("queue full, dropping system event", "event", ev.Type)
	}
}

// Snapshot returns the caller's projection and the current checksum. With
// wait options it blocks the caller, never the event loop, until the
// condition holds or the timeout elapses.
func (h *Host) Snapshot(ctx context.Context, caller core.Caller, wait *WaitOptions) (*projection.CallerSnapshot, string, error) {
	h.mu.Lock()
	if h.state != lifecycleReady {
		h.mu.Unlock()
		return nil, "", core.ErrNotReady
	}

	if wait != nil {
		satisfied := wait.State != "" && stateMatches(h.current.Value, wait.State)
		if !satisfied {
			w := &waiter{event: wait.Event, state: wait.State, done: make(chan struct{})}
			h.waiters[w] = struct{}{}
			h.mu.Unlock()

			timeout := wait.Timeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			timer := time.NewTimer(timeout)
			defer timer.Stop()

			select {
			case <-w.done:
			case <-timer.C:
				h.removeWaiter(w)
				h.metrics.WaitTimeouts.WithLabelValues(h.addr.Type).Inc()
				if wait.ErrorOnTimeout {
					return nil, "", core.ErrWaitTimeout
				}
			case <-ctx.Done():
				h.removeWaiter(w)
				return nil, "", ctx.Err()
			}
			h.mu.Lock()
		}
	}

	snap := h.current
	checksum := h.currentChecksum
	h.mu.Unlock()

	proj, err := projection.Project(snap, caller.ID)
	if err != nil {
		return nil, "", err
	}
	return proj, checksum, nil
}

// Checksum returns the current snapshot checksum.
func (h *Host) Checksum() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentChecksum
}

func (h *Host) removeWaiter(w *waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, w)
}

// Shutdown stops the event loop and detaches all subscriptions. Reachable
// only on process teardown; a host never destroys itself.
func (h *Host) Shutdown() {
	h.mu.Lock()
	if h.state == lifecycleShutdown {
		h.mu.Unlock()
		return
	}
	prev := h.state
	h.state = lifecycleShutdown
	subs := make([]*subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	if prev == lifecycleReady {
		close(h.loopDone)
	}
	for _, s := range subs {
		s.closeWithReason("SHUTDOWN")
	}
}

// run is the actor's single logical executor.
func (h *Host) run() {
	for {
		select {
		case ev := <-h.queue:
			h.step(ev)
		case <-h.loopDone:
			return
		}
	}
}

func (h *Host) step(ev core.Event) {
	start := time.Now()

	h.mu.Lock()
	machine := h.machine
	h.mu.Unlock()

	if err := machine.Send(ev); err != nil {
		// One failed transition must not tear down the actor: log and
		// drop, machine state unchanged, no patch emitted.
		h.metrics.EventsDropped.WithLabelValues(h.addr.Type, "machine_error").Inc()
		h.logger.Error("machine rejected event", "event", ev.Type, "caller", ev.Caller.String(), "error", err)
		return
	}

	h.metrics.EventsProcessed.WithLabelValues(h.addr.Type, string(ev.Caller.Type)).Inc()
	h.postStep(ev)
	h.metrics.StepDuration.WithLabelValues(h.addr.Type).Observe(time.Since(start).Seconds())
}

// postStep runs synchronously after each successful machine step: capture
// the snapshot, cache it, fan out per-subscriber diffs, wake waiters, and
// persist when the snapshot changed.
func (h *Host) postStep(ev core.Event) {
	snap := h.machine.Snapshot()
	checksum, err := patch.Checksum(snap)
	if err != nil {
		h.logger.Error("checksum failed", "error", err)
		return
	}
	now := time.Now()

	h.mu.Lock()
	h.current = snap
	h.currentChecksum = checksum
	h.cache.put(checksum, snap, now)

	for sub := range h.subs {
		next, err := projection.Project(snap, sub.caller.ID)
		if err != nil {
			h.logger.Error("projection failed", "caller", sub.caller.String(), "error", err)
			continue
		}
		ops, err := patch.Diff(sub.lastProjection, next)
		if err != nil {
			h.logger.Error("diff failed", "caller", sub.caller.String(), "error", err)
			continue
		}
		if len(ops) > 0 {
			if !sub.trySend(patchMessage{Operations: ops, Checksum: checksum}) {
				// Slow subscriber: its buffered writes exceeded the
				// transport bound. Close it; the client reconnects and
				// resynchronizes from its checksum.
				h.metrics.ResyncsForced.WithLabelValues(h.addr.Type, "buffer_overflow").Inc()
				go sub.closeWithReason(reasonResyncRequired)
				continue
			}
			h.metrics.PatchesSent.WithLabelValues(h.addr.Type).Inc()
		}
		sub.lastProjection = next
	}

	for w := range h.waiters {
		if (w.event != "" && w.event == ev.Type) ||
			(w.state != "" && stateMatches(snap.Value, w.state)) {
			close(w.done)
			delete(h.waiters, w)
		}
	}
	h.mu.Unlock()

	h.persist(snap, checksum, now)
}

// persist writes the snapshot when it changed since the last successful
// write. Failures arm a backoff gate; the write is retried on a later
// step, never inline.
func (h *Host) persist(snap *core.Snapshot, checksum string, now time.Time) {
	if !h.cfg.Persist {
		return
	}
	if checksum == h.persistedChecksum {
		return
	}
	if now.Before(h.persistNotBefore) {
		h.metrics.PersistRetries.WithLabelValues(h.addr.Type).Inc()
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error("marshal snapshot", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := storage.ActorKey(h.addr.Type, h.addr.ID, storage.FieldPersistedSnapshot)
	if err := h.store.Set(ctx, key, data); err != nil {
		wait := h.persistBackoff.NextBackOff()
		h.persistNotBefore = now.Add(wait)
		h.metrics.PersistWrites.WithLabelValues(h.addr.Type, "error").Inc()
		h.logger.Error("persist snapshot failed", "retry_in", wait, "error", err)
		return
	}

	h.persistedChecksum = checksum
	h.persistNotBefore = time.Time{}
	h.persistBackoff.Reset()
	h.metrics.PersistWrites.WithLabelValues(h.addr.Type, "ok").Inc()
}

// stateMatches reports whether a hierarchical state value matches a wanted
// value, exactly or as an ancestor ("Ready" matches "Ready.editing").
func stateMatches(value, wanted string) bool {
	return value == wanted || strings.HasPrefix(value, wanted+".")
}

func equalJSON(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aj) == string(bj)
}
