package actor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actorkit/backend/internal/core"
	"github.com/actorkit/backend/internal/machine/todomachine"
	"github.com/actorkit/backend/internal/patch"
	"github.com/actorkit/backend/internal/storage"
)

// wsServer exposes the host's Connect over a real HTTP listener, binding
// every upgrade to the given caller.
func wsServer(t *testing.T, h *Host, caller core.Caller) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		baseline := r.URL.Query().Get("checksum")
		if err := h.Connect(w, r, caller, baseline); err != nil {
			t.Logf("connect failed: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsDial(t *testing.T, srv *httptest.Server, baseline string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if baseline != "" {
		u += "?checksum=" + baseline
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPatch(t *testing.T, conn *websocket.Conn) patchMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg patchMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestConnectWithoutBaselineSendsFullSnapshot(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())
	srv := wsServer(t, h, ownerCaller)
	conn := wsDial(t, srv, "")

	msg := readPatch(t, conn)
	assert.Equal(t, h.Checksum(), msg.Checksum)

	var view map[string]any
	require.NoError(t, patch.Apply(map[string]any{}, msg.Operations, &view))
	assert.Equal(t, "Ready", view["value"])
	public := view["public"].(map[string]any)
	assert.Equal(t, ownerCaller.ID, public["ownerId"])
	assert.Equal(t, map[string]any{}, view["private"])
}

func TestConnectWithCurrentChecksumSendsOnlyDeltas(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())
	srv := wsServer(t, h, ownerCaller)

	proj, checksum, err := h.Snapshot(context.Background(), ownerCaller, nil)
	require.NoError(t, err)
	conn := wsDial(t, srv, checksum)

	require.NoError(t, h.Send(context.Background(), addTodoEvent("delta only", ownerCaller)))

	msg := readPatch(t, conn)
	for _, op := range msg.Operations {
		assert.True(t, strings.HasPrefix(op.Path, "/public/todos"), "unexpected path %s", op.Path)
	}

	var view map[string]any
	require.NoError(t, patch.Apply(proj, msg.Operations, &view))
	todos := view["public"].(map[string]any)["todos"].([]any)
	require.Len(t, todos, 1)
	assert.Equal(t, "delta only", todos[0].(map[string]any)["text"])
	assert.Equal(t, h.Checksum(), msg.Checksum)
}

func TestEventsSentOverSocketAreApplied(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())
	srv := wsServer(t, h, ownerCaller)
	conn := wsDial(t, srv, "")

	// Swallow the initial full-snapshot patch.
	readPatch(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "ADD_TODO",
		"text": "via socket",
	}))

	msg := readPatch(t, conn)
	var view map[string]any
	require.NoError(t, patch.Apply(map[string]any{
		"public":  map[string]any{"ownerId": ownerCaller.ID, "todos": []any{}},
		"private": map[string]any{},
		"value":   "Ready",
	}, msg.Operations, &view))

	todos := view["public"].(map[string]any)["todos"].([]any)
	require.Len(t, todos, 1)
	assert.Equal(t, "via socket", todos[0].(map[string]any)["text"])
}

func TestMalformedFramesAreDroppedNotFatal(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())
	srv := wsServer(t, h, ownerCaller)
	conn := wsDial(t, srv, "")
	readPatch(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{"no": "type field"}))

	// The connection survives and still processes valid events.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ADD_TODO", "text": "after garbage"}))
	msg := readPatch(t, conn)
	assert.NotEmpty(t, msg.Operations)
}

func TestWireCallerIsIgnored(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())
	// The socket is bound to a non-owner; a spoofed caller field in the
	// frame must not let it mutate the list.
	srv := wsServer(t, h, otherCaller)
	conn := wsDial(t, srv, "")
	readPatch(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "ADD_TODO",
		"text":   "spoofed",
		"caller": map[string]any{"type": "client", "id": ownerCaller.ID},
	}))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, todoCount(h, ownerCaller))
}

func TestResyncFromCachedBaseline(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())
	srv := wsServer(t, h, ownerCaller)

	conn := wsDial(t, srv, "")
	first := readPatch(t, conn)

	var view map[string]any
	require.NoError(t, patch.Apply(map[string]any{}, first.Operations, &view))
	conn.Close()

	// The actor moves on while this client is away.
	require.NoError(t, h.Send(context.Background(), addTodoEvent("while away", ownerCaller)))
	assert.Eventually(t, func() bool {
		return todoCount(h, ownerCaller) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Reconnecting with the stale checksum yields one catch-up diff.
	conn2 := wsDial(t, srv, first.Checksum)
	catchUp := readPatch(t, conn2)
	assert.Equal(t, h.Checksum(), catchUp.Checksum)

	var healed map[string]any
	require.NoError(t, patch.Apply(view, catchUp.Operations, &healed))
	todos := healed["public"].(map[string]any)["todos"].([]any)
	require.Len(t, todos, 1)
	assert.Equal(t, "while away", todos[0].(map[string]any)["text"])
}

func TestUnknownBaselineGetsFullSnapshot(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())
	srv := wsServer(t, h, ownerCaller)

	conn := wsDial(t, srv, "ffffffffffffffff")
	msg := readPatch(t, conn)

	// The diff is computed against the empty document, so it applies to
	// anything the client might be holding after it resets.
	var view map[string]any
	require.NoError(t, patch.Apply(map[string]any{}, msg.Operations, &view))
	assert.Equal(t, "Ready", view["value"])
	assert.Equal(t, h.Checksum(), msg.Checksum)
}

func TestPatchesFanOutToAllSubscribers(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())
	ownerSrv := wsServer(t, h, ownerCaller)
	otherSrv := wsServer(t, h, otherCaller)

	ownerConn := wsDial(t, ownerSrv, "")
	otherConn := wsDial(t, otherSrv, "")

	var ownerView, otherView map[string]any
	require.NoError(t, patch.Apply(map[string]any{}, readPatch(t, ownerConn).Operations, &ownerView))
	require.NoError(t, patch.Apply(map[string]any{}, readPatch(t, otherConn).Operations, &otherView))

	require.NoError(t, h.Send(context.Background(), addTodoEvent("seen by all", ownerCaller)))

	ownerMsg := readPatch(t, ownerConn)
	otherMsg := readPatch(t, otherConn)
	assert.Equal(t, ownerMsg.Checksum, otherMsg.Checksum)

	var ownerNext, otherNext map[string]any
	require.NoError(t, patch.Apply(ownerView, ownerMsg.Operations, &ownerNext))
	require.NoError(t, patch.Apply(otherView, otherMsg.Operations, &otherNext))

	// Both subscribers converge on the same public view; the private
	// section stays empty for everyone.
	assert.Equal(t, ownerNext["public"], otherNext["public"])
	assert.Equal(t, map[string]any{}, ownerNext["private"])
	assert.Equal(t, map[string]any{}, otherNext["private"])

	todos := ownerNext["public"].(map[string]any)["todos"].([]any)
	require.Len(t, todos, 1)
	assert.Equal(t, "seen by all", todos[0].(map[string]any)["text"])
}

func TestSlowSubscriberIsClosedForResync(t *testing.T) {
	h := spawnTodoHost(t, storage.NewMemoryStore())

	serverConns := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	clientConn := wsDial(t, srv, "")
	serverConn := <-serverConns

	// A subscription whose writer never drains: the first patch fits the
	// buffer, the second overflows it.
	proj, _, err := h.Snapshot(context.Background(), otherCaller, nil)
	require.NoError(t, err)
	sub := &subscription{
		host:           h,
		caller:         otherCaller,
		conn:           serverConn,
		lastProjection: proj,
		send:           make(chan []byte, 1),
		done:           make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	require.NoError(t, h.Send(context.Background(), addTodoEvent("fills the buffer", ownerCaller)))
	require.NoError(t, h.Send(context.Background(), addTodoEvent("overflows it", ownerCaller)))

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := clientConn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
			assert.Equal(t, reasonResyncRequired, closeErr.Text)
			break
		}
	}

	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, still := h.subs[sub]
		return !still
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProductionOriginAllowlist(t *testing.T) {
	addr := core.Address{Type: todomachine.ActorType, ID: "list-origin"}
	h := NewHost(addr, todomachine.New().Factory(), storage.NewMemoryStore(), Config{
		Env:            "production",
		AllowedOrigins: []string{"https://app.example.com"},
	})
	t.Cleanup(h.Shutdown)
	require.NoError(t, h.Spawn(context.Background(), ownerCaller, nil))

	srv := wsServer(t, h, ownerCaller)
	u := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": []string{"https://app.example.com"}})
	require.NoError(t, err)
	conn.Close()
}

func TestConnectAndDisconnectReachTheMachine(t *testing.T) {
	seen := make(chan string, 8)
	chart := connectTrackingChart(seen)
	addr := core.Address{Type: "presence", ID: "p-1"}
	h := NewHost(addr, chart, storage.NewMemoryStore(), Config{})
	t.Cleanup(h.Shutdown)
	require.NoError(t, h.Spawn(context.Background(), ownerCaller, nil))

	srv := wsServer(t, h, ownerCaller)
	conn := wsDial(t, srv, "")

	select {
	case ev := <-seen:
		assert.Equal(t, core.EventConnect, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("CONNECT never reached the machine")
	}

	conn.Close()
	select {
	case ev := <-seen:
		assert.Equal(t, core.EventDisconnect, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("DISCONNECT never reached the machine")
	}
}

// connectTrackingChart forwards every system event type it sees into ch.
func connectTrackingChart(ch chan string) core.MachineFactory {
	return func(addr core.Address, initialCaller core.Caller, input map[string]any) core.Machine {
		return &trackingMachine{ch: ch}
	}
}

type trackingMachine struct {
	ch   chan string
	snap core.Snapshot
}

func (m *trackingMachine) Start(prior *core.Snapshot) error {
	m.snap = core.Snapshot{
		Value:   "Ready",
		Context: core.Context{Public: map[string]any{}, Private: map[string]map[string]any{}},
		Status:  "active",
	}
	return nil
}

func (m *trackingMachine) Send(ev core.Event) error {
	if ev.Type == core.EventConnect || ev.Type == core.EventDisconnect {
		select {
		case m.ch <- ev.Type:
		default:
		}
	}
	return nil
}

func (m *trackingMachine) Snapshot() *core.Snapshot {
	out := m.snap
	return &out
}

func (m *trackingMachine) Subscribe(func(*core.Snapshot)) func() { return func() {} }

func (m *trackingMachine) Migrate(stored json.RawMessage) (*core.Snapshot, error) {
	var snap core.Snapshot
	if err := json.Unmarshal(stored, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *trackingMachine) Validate(core.Event) error { return nil }
