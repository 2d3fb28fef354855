package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/actorkit/backend/internal/core"
	"github.com/actorkit/backend/internal/patch"
	"github.com/actorkit/backend/internal/projection"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // Max inbound event frame
	sendBuffer = 64               // Per-subscriber outbound buffer

	reasonResyncRequired = "RESYNC_REQUIRED"
)

// newUpgrader builds the per-host upgrader from the loaded configuration.
// In production only the configured origins are accepted.
func newUpgrader(env string, allowedOrigins []string, logger *slog.Logger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(env, allowedOrigins, logger),
	}
}

func checkOrigin(env string, allowedOrigins []string, logger *slog.Logger) func(r *http.Request) bool {
	if env == "production" && len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			logger.Warn("rejected websocket origin", "origin", origin)
			return false
		}
	}

	if env == "production" {
		logger.Warn("no allowed origins configured in production, allowing all origins")
	}
	return func(*http.Request) bool { return true }
}

// patchMessage is the only server→client message kind: a JSON-patch plus
// the checksum of the snapshot it lands on.
type patchMessage struct {
	Operations []patch.Operation `json:"operations"`
	Checksum   string            `json:"checksum"`
}

// subscription is a live WebSocket bound to (caller, lastProjection).
// All writes go through the send channel into writePump; readPump is the
// only reader. lastProjection is guarded by the host mutex.
type subscription struct {
	host   *Host
	caller core.Caller
	conn   *websocket.Conn

	lastProjection *projection.CallerSnapshot

	send chan []byte
	done chan struct{}
	once sync.Once
}

// trySend queues a message without blocking the host's event loop.
// Returns false when the subscriber's buffer is full.
func (s *subscription) trySend(msg patchMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		s.host.logger.Error("marshal patch message", "error", err)
		return true // nothing to deliver, nothing to punish
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// closeWithReason sends a close control frame carrying the reason code and
// tears the connection down exactly once.
func (s *subscription) closeWithReason(reason string) {
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		s.conn.Close()
		s.host.detach(s)
	})
}

func (s *subscription) closeQuietly() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		s.host.detach(s)
	})
}

// Connect upgrades the request, registers the subscription, performs the
// initial checksum-based resync, and surfaces CONNECT to the machine.
//
// The initial resync is the self-healing invariant: if the client's
// declared checksum matches the current snapshot nothing is sent; a cached
// baseline yields one diff; an unknown baseline yields a full snapshot
// patch against the empty document.
func (h *Host) Connect(w http.ResponseWriter, r *http.Request, caller core.Caller, baseline string) error {
	h.mu.Lock()
	if h.state != lifecycleReady {
		h.mu.Unlock()
		return core.ErrNotReady
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	sub := &subscription{
		host:   h,
		caller: caller,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	// Register and compute the initial resync under the host mutex so no
	// step can slip between the baseline computation and registration.
	h.mu.Lock()
	cur := h.current
	checksum := h.currentChecksum

	proj, err := projection.Project(cur, caller.ID)
	if err != nil {
		h.mu.Unlock()
		conn.Close()
		return err
	}
	sub.lastProjection = proj

	var initial *patchMessage
	if baseline != checksum {
		var prev any = map[string]any{}
		if cached, ok := h.cache.get(baseline, time.Now()); ok {
			cachedProj, err := projection.Project(cached, caller.ID)
			if err != nil {
				h.mu.Unlock()
				conn.Close()
				return err
			}
			prev = cachedProj
		} else if baseline != "" {
			h.metrics.ResyncsForced.WithLabelValues(h.addr.Type, "unknown_baseline").Inc()
		}
		ops, err := patch.Diff(prev, proj)
		if err != nil {
			h.mu.Unlock()
			conn.Close()
			return err
		}
		if len(ops) > 0 {
			initial = &patchMessage{Operations: ops, Checksum: checksum}
		}
	}

	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	if initial != nil {
		sub.trySend(*initial)
	}

	h.metrics.ActiveSubscriptions.WithLabelValues(h.addr.Type).Inc()
	h.logger.Info("subscriber connected", "caller", caller.String())

	go sub.writePump()
	go sub.readPump(r)

	h.enqueueSystem(core.NewConnectEvent(caller))
	return nil
}

// detach removes the subscription and surfaces DISCONNECT to the machine.
func (h *Host) detach(s *subscription) {
	h.mu.Lock()
	_, present := h.subs[s]
	delete(h.subs, s)
	shuttingDown := h.state == lifecycleShutdown
	h.mu.Unlock()

	if !present {
		return
	}
	h.metrics.ActiveSubscriptions.WithLabelValues(h.addr.Type).Dec()
	h.logger.Info("subscriber disconnected", "caller", s.caller.String())
	if !shuttingDown {
		h.enqueueSystem(core.NewDisconnectEvent(s.caller))
	}
}

// writePump owns all writes to the connection: patches, pings, close.
func (s *subscription) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeQuietly()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump owns all reads: each inbound frame is one JSON-encoded event,
// validated and stamped with the subscription's caller before it enters
// the queue. Invalid frames are dropped, never fatal.
func (s *subscription) readPump(r *http.Request) {
	defer s.closeQuietly()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	reqInfo := &core.RequestInfo{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.host.logger.Warn("websocket read error", "caller", s.caller.String(), "error", err)
			}
			return
		}

		var ev core.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.host.logger.Warn("dropping malformed event frame", "caller", s.caller.String(), "error", err)
			continue
		}
		ev.Caller = s.caller
		ev.RequestInfo = reqInfo

		// The upgrade hijacked the connection, so the request context is
		// no longer tied to anything useful.
		if err := s.host.Send(context.Background(), ev); err != nil {
			s.host.logger.Warn("dropping rejected event", "caller", s.caller.String(), "event", ev.Type, "error", err)
		}
	}
}
