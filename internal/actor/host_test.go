package actor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actorkit/backend/internal/core"
	"github.com/actorkit/backend/internal/machine/statechart"
	"github.com/actorkit/backend/internal/machine/todomachine"
	"github.com/actorkit/backend/internal/storage"
)

var (
	ownerCaller = core.Caller{Type: core.CallerClient, ID: "0a1b2c3d-1111-4a39-9be4-40e52bc4ea0f"}
	otherCaller = core.Caller{Type: core.CallerClient, ID: "0a1b2c3d-2222-4a39-9be4-40e52bc4ea0f"}
)

func newTodoHost(t *testing.T, store storage.Store) *Host {
	t.Helper()
	addr := core.Address{Type: todomachine.ActorType, ID: "list-1"}
	h := NewHost(addr, todomachine.New().Factory(), store, Config{Persist: true})
	t.Cleanup(h.Shutdown)
	return h
}

func spawnTodoHost(t *testing.T, store storage.Store) *Host {
	t.Helper()
	h := newTodoHost(t, store)
	require.NoError(t, h.Spawn(context.Background(), ownerCaller, nil))
	return h
}

func addTodoEvent(text string, caller core.Caller) core.Event {
	return core.Event{
		Type:    todomachine.EventAddTodo,
		Payload: map[string]any{"text": text},
		Caller:  caller,
	}
}

func todoCount(h *Host, caller core.Caller) int {
	proj, _, err := h.Snapshot(context.Background(), caller, nil)
	if err != nil {
		return -1
	}
	todos, _ := proj.Public["todos"].([]any)
	return len(todos)
}

func TestSpawnAndSnapshot(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	proj, checksum, err := h.Snapshot(context.Background(), ownerCaller, nil)
	require.NoError(t, err)
	assert.Equal(t, "Ready", proj.Value)
	assert.Equal(t, ownerCaller.ID, proj.Public["ownerId"])
	assert.NotEmpty(t, checksum)
	assert.Equal(t, checksum, h.Checksum())
}

func TestSnapshotBeforeSpawnNotReady(t *testing.T) {
	h := newTodoHost(t, storage.NewMemoryStore())

	_, _, err := h.Snapshot(context.Background(), ownerCaller, nil)
	assert.ErrorIs(t, err, core.ErrNotReady)

	err = h.Send(context.Background(), addTodoEvent("too early", ownerCaller))
	assert.ErrorIs(t, err, core.ErrNotReady)
}

func TestSpawnIdempotent(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	assert.NoError(t, h.Spawn(context.Background(), ownerCaller, nil))

	err := h.Spawn(context.Background(), otherCaller, nil)
	assert.ErrorIs(t, err, core.ErrAlreadySpawned)

	err = h.Spawn(context.Background(), ownerCaller, map[string]any{"extra": true})
	assert.ErrorIs(t, err, core.ErrAlreadySpawned)
}

type flakyStartMachine struct {
	trackingMachine
	fail bool
}

func (m *flakyStartMachine) Start(prior *core.Snapshot) error {
	if m.fail {
		return errors.New("not yet")
	}
	return m.trackingMachine.Start(prior)
}

func TestFailedSpawnLeavesHostRespawnable(t *testing.T) {
	attempts := 0
	factory := func(core.Address, core.Caller, map[string]any) core.Machine {
		attempts++
		return &flakyStartMachine{fail: attempts == 1}
	}
	addr := core.Address{Type: "presence", ID: "p-retry"}
	h := NewHost(addr, factory, storage.NewMemoryStore(), Config{})
	t.Cleanup(h.Shutdown)

	require.Error(t, h.Spawn(context.Background(), ownerCaller, nil))
	_, _, err := h.Snapshot(context.Background(), ownerCaller, nil)
	assert.ErrorIs(t, err, core.ErrNotReady)

	// The failed attempt rolled the lifecycle back, so the same address
	// can spawn again.
	require.NoError(t, h.Spawn(context.Background(), ownerCaller, nil))
	_, _, err = h.Snapshot(context.Background(), ownerCaller, nil)
	assert.NoError(t, err)
}

func TestShutdownDuringSpawnWins(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	factory := func(core.Address, core.Caller, map[string]any) core.Machine {
		close(entered)
		<-release
		return &trackingMachine{}
	}
	addr := core.Address{Type: "presence", ID: "p-race"}
	h := NewHost(addr, factory, storage.NewMemoryStore(), Config{})

	spawnErr := make(chan error, 1)
	go func() {
		spawnErr <- h.Spawn(context.Background(), ownerCaller, nil)
	}()

	<-entered
	h.Shutdown()
	close(release)

	assert.ErrorIs(t, <-spawnErr, core.ErrShutdown)
	assert.ErrorIs(t, h.Send(context.Background(), addTodoEvent("too late", ownerCaller)), core.ErrShutdown)
}

func TestSendAppliesEventInOrder(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	require.NoError(t, h.Send(context.Background(), addTodoEvent("one", ownerCaller)))
	require.NoError(t, h.Send(context.Background(), addTodoEvent("two", ownerCaller)))

	assert.Eventually(t, func() bool {
		return todoCount(h, ownerCaller) == 2
	}, 2*time.Second, 10*time.Millisecond)

	proj, _, err := h.Snapshot(context.Background(), ownerCaller, nil)
	require.NoError(t, err)
	todos := proj.Public["todos"].([]any)
	assert.Equal(t, "one", todos[0].(map[string]any)["text"])
	assert.Equal(t, "two", todos[1].(map[string]any)["text"])
}

func TestSendRejectsSystemCaller(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	err := h.Send(context.Background(), core.Event{Type: "INITIALIZE", Caller: core.SystemCaller()})
	assert.ErrorIs(t, err, core.ErrBadEvent)
}

func TestSendRejectsInvalidEvent(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	// Unknown type for this machine.
	err := h.Send(context.Background(), core.Event{Type: "EXPLODE", Caller: ownerCaller})
	assert.ErrorIs(t, err, core.ErrBadEvent)

	// Known type, schema violation.
	err = h.Send(context.Background(), core.Event{Type: todomachine.EventAddTodo, Payload: map[string]any{}, Caller: ownerCaller})
	assert.ErrorIs(t, err, core.ErrBadEvent)
}

func TestFailedTransitionKeepsActorAlive(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	// Toggling an unknown id passes validation but fails in the machine;
	// the event is dropped and the actor keeps serving.
	require.NoError(t, h.Send(context.Background(), core.Event{
		Type:    todomachine.EventToggleTodo,
		Payload: map[string]any{"id": "no-such-todo"},
		Caller:  ownerCaller,
	}))
	require.NoError(t, h.Send(context.Background(), addTodoEvent("still alive", ownerCaller)))

	assert.Eventually(t, func() bool {
		return todoCount(h, ownerCaller) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownRejectsFurtherSends(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())
	h.Shutdown()

	err := h.Send(context.Background(), addTodoEvent("late", ownerCaller))
	assert.ErrorIs(t, err, core.ErrShutdown)

	_, _, err = h.Snapshot(context.Background(), ownerCaller, nil)
	assert.ErrorIs(t, err, core.ErrNotReady)
}

func TestWaitForEvent(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = h.Send(context.Background(), addTodoEvent("awaited", ownerCaller))
	}()

	proj, _, err := h.Snapshot(context.Background(), ownerCaller, &WaitOptions{
		Event:   todomachine.EventAddTodo,
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	todos := proj.Public["todos"].([]any)
	require.Len(t, todos, 1)
	assert.Equal(t, "awaited", todos[0].(map[string]any)["text"])
}

func TestWaitForStateAlreadySatisfied(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	// The machine sits in "Ready" from the start; no waiting happens.
	start := time.Now()
	proj, _, err := h.Snapshot(context.Background(), ownerCaller, &WaitOptions{
		State:   "Ready",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "Ready", proj.Value)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitTimeoutReturnsErrorWhenOptedIn(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	_, _, err := h.Snapshot(context.Background(), ownerCaller, &WaitOptions{
		Event:          "NEVER_SENT",
		Timeout:        50 * time.Millisecond,
		ErrorOnTimeout: true,
	})
	assert.ErrorIs(t, err, core.ErrWaitTimeout)
}

func TestWaitTimeoutReturnsCurrentByDefault(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	proj, checksum, err := h.Snapshot(context.Background(), ownerCaller, &WaitOptions{
		Event:   "NEVER_SENT",
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NotNil(t, proj)
	assert.Equal(t, h.Checksum(), checksum)
}

func TestRehydrationPreservesStateAndIdentity(t *testing.T) {
	store := storage.NewMemoryStore()
	addr := core.Address{Type: todomachine.ActorType, ID: "list-1"}

	first := NewHost(addr, todomachine.New().Factory(), store, Config{Persist: true})
	require.NoError(t, first.Spawn(context.Background(), ownerCaller, nil))
	require.NoError(t, first.Send(context.Background(), addTodoEvent("survives restarts", ownerCaller)))

	snapshotKey := storage.ActorKey(addr.Type, addr.ID, storage.FieldPersistedSnapshot)
	assert.Eventually(t, func() bool {
		data, err := store.Get(context.Background(), snapshotKey)
		return err == nil && len(data) > 0 && todoCountInRaw(data) == 1
	}, 2*time.Second, 10*time.Millisecond)
	first.Shutdown()

	// A different caller knocks first after the restart. The persisted
	// birth record wins: the actor resumes as the actor it was born as.
	second := NewHost(addr, todomachine.New().Factory(), store, Config{Persist: true})
	t.Cleanup(second.Shutdown)
	require.NoError(t, second.Spawn(context.Background(), otherCaller, nil))

	proj, _, err := second.Snapshot(context.Background(), ownerCaller, nil)
	require.NoError(t, err)
	assert.Equal(t, ownerCaller.ID, proj.Public["ownerId"])
	todos := proj.Public["todos"].([]any)
	require.Len(t, todos, 1)
	assert.Equal(t, "survives restarts", todos[0].(map[string]any)["text"])
}

func TestMigrationsRunOnRehydration(t *testing.T) {
	store := storage.NewMemoryStore()
	addr := core.Address{Type: todomachine.ActorType, ID: "list-1"}

	first := NewHost(addr, todomachine.New().Factory(), store, Config{Persist: true})
	require.NoError(t, first.Spawn(context.Background(), ownerCaller, nil))
	require.NoError(t, first.Send(context.Background(), addTodoEvent("old", ownerCaller)))
	snapshotKey := storage.ActorKey(addr.Type, addr.ID, storage.FieldPersistedSnapshot)
	assert.Eventually(t, func() bool {
		data, err := store.Get(context.Background(), snapshotKey)
		return err == nil && todoCountInRaw(data) == 1
	}, 2*time.Second, 10*time.Millisecond)
	first.Shutdown()

	chart := todomachine.New()
	chart.Migrations = append(chart.Migrations, func(snap *core.Snapshot) error {
		snap.Context.Public["schemaVersion"] = float64(2)
		return nil
	})
	second := NewHost(addr, chart.Factory(), store, Config{Persist: true})
	t.Cleanup(second.Shutdown)
	require.NoError(t, second.Spawn(context.Background(), ownerCaller, nil))

	proj, _, err := second.Snapshot(context.Background(), ownerCaller, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), proj.Public["schemaVersion"])
}

func TestProjectionHidesOtherCallersPrivateData(t *testing.T) {
	chart := &statechart.Chart{
		Initial: "Ready",
		InitialContext: func(_ core.Address, initialCaller core.Caller, _ map[string]any) core.Context {
			return core.Context{Public: map[string]any{"ownerId": initialCaller.ID}}
		},
		States: map[string]*statechart.State{
			"Ready": {
				On: map[string][]statechart.Transition{
					"NOTE": {{
						Action: func(ctx *core.Context, ev core.Event) error {
							if ctx.Private[ev.Caller.ID] == nil {
								ctx.Private[ev.Caller.ID] = map[string]any{}
							}
							ctx.Private[ev.Caller.ID]["note"] = ev.Payload["note"]
							return nil
						},
					}},
				},
			},
		},
		ClientEvents: map[string]statechart.Validator{
			"NOTE": statechart.Schema(statechart.RequiredString("note")),
		},
	}

	addr := core.Address{Type: "diary", ID: "d-1"}
	h := NewHost(addr, chart.Factory(), storage.NewMemoryStore(), Config{})
	t.Cleanup(h.Shutdown)
	require.NoError(t, h.Spawn(context.Background(), ownerCaller, nil))

	require.NoError(t, h.Send(context.Background(), core.Event{
		Type:    "NOTE",
		Payload: map[string]any{"note": "owner secret"},
		Caller:  ownerCaller,
	}))
	require.NoError(t, h.Send(context.Background(), core.Event{
		Type:    "NOTE",
		Payload: map[string]any{"note": "other secret"},
		Caller:  otherCaller,
	}))

	assert.Eventually(t, func() bool {
		proj, _, err := h.Snapshot(context.Background(), otherCaller, nil)
		return err == nil && proj.Private["note"] == "other secret"
	}, 2*time.Second, 10*time.Millisecond)

	ownerProj, _, err := h.Snapshot(context.Background(), ownerCaller, nil)
	require.NoError(t, err)
	assert.Equal(t, "owner secret", ownerProj.Private["note"])
	assert.NotContains(t, ownerProj.Public, "note")

	otherProj, _, err := h.Snapshot(context.Background(), otherCaller, nil)
	require.NoError(t, err)
	assert.Equal(t, "other secret", otherProj.Private["note"])
}

func TestSnapshotCacheKeepsRecentBaselines(t *testing.T) {
	cache := newSnapshotCache(time.Minute)
	now := time.Now()

	snap := &core.Snapshot{Value: "Ready"}
	cache.put("aaaa", snap, now)

	got, ok := cache.get("aaaa", now.Add(30*time.Second))
	require.True(t, ok)
	assert.Equal(t, snap, got)

	// The get above refreshed the entry, so it survives past the original
	// expiry.
	_, ok = cache.get("aaaa", now.Add(80*time.Second))
	assert.True(t, ok)

	_, ok = cache.get("aaaa", now.Add(3*time.Minute))
	assert.False(t, ok)

	_, ok = cache.get("never-seen", now)
	assert.False(t, ok)
}

func todoCountInRaw(data []byte) int {
	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return -1
	}
	todos, _ := snap.Context.Public["todos"].([]any)
	return len(todos)
}
