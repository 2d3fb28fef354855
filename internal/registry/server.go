package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/actorkit/backend/internal/actor"
	"github.com/actorkit/backend/internal/auth"
	"github.com/actorkit/backend/internal/core"
)

// Server exposes the registry over HTTP: one actor surface at
// /api/{actorType}/{actorId} plus health, metrics, and the connection
// token helper.
type Server struct {
	registry   *Registry
	signingKey []byte
	logger     *slog.Logger
}

func NewServer(registry *Registry, signingKey []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, signingKey: signingKey, logger: logger}
}

// Routes builds the router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/{actorType}/{actorId}/connect-token", s.handleConnectionToken).Methods(http.MethodGet)
	api.HandleFunc("/{actorType}/{actorId}", s.handleActor)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"service":    "actorkit",
		"actorTypes": s.registry.ActorTypes(),
	})
}

// handleActor dispatches the single actor endpoint: WebSocket upgrade,
// GET snapshot, or POST event.
func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr := core.Address{Type: vars["actorType"], ID: vars["actorId"]}

	if !s.registry.HasType(addr.Type) {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %q", core.ErrNotFound, addr.Type))
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.handleSocket(w, r, addr)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, addr)
	case http.MethodPost:
		s.handlePost(w, r, addr)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, addr core.Address) {
	caller, err := s.callerFromHeader(r, addr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	host, err := s.hostFor(r, addr, caller)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	wait, err := waitOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	snapshot, checksum, err := host.Snapshot(r.Context(), caller, wait)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snapshot,
		"checksum": checksum,
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, addr core.Address) {
	caller, err := s.callerFromHeader(r, addr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	host, err := s.hostFor(r, addr, caller)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var ev core.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", core.ErrBadEvent, err))
		return
	}
	// The caller is authoritative: whatever the body claimed was already
	// discarded during decoding, the token decides.
	ev.Caller = caller
	ev.RequestInfo = &core.RequestInfo{RemoteAddr: r.RemoteAddr, UserAgent: r.UserAgent()}

	if err := host.Send(r.Context(), ev); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request, addr core.Address) {
	caller, err := s.callerFromQuery(r, addr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	host, err := s.hostFor(r, addr, caller)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	baseline := r.URL.Query().Get("checksum")
	if err := host.Connect(w, r, caller, baseline); err != nil {
		// Upgrade may have already claimed the connection; only answer
		// over HTTP if it has not.
		if !websocketStarted(err) {
			writeError(w, statusFor(err), err)
		}
		s.logger.Warn("websocket connect failed", "actor", addr.String(), "error", err)
	}
}

// handleConnectionToken mints a connection token for an authenticated
// caller and records the connection id so a re-entering client reclaims
// the same caller record without re-presenting the access token.
func (s *Server) handleConnectionToken(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr := core.Address{Type: vars["actorType"], ID: vars["actorId"]}

	caller, err := s.callerFromHeader(r, addr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	connectionID := uuid.NewString()
	token, err := auth.IssueConnectionToken(s.signingKey, addr.Type, connectionID, caller)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.registry.connections.record(connectionID, caller)

	writeJSON(w, http.StatusOK, map[string]any{
		"connectionId":    connectionID,
		"connectionToken": token,
	})
}

func (s *Server) hostFor(r *http.Request, addr core.Address, caller core.Caller) (*actor.Host, error) {
	input, err := inputFromQuery(r)
	if err != nil {
		return nil, err
	}
	return s.registry.Host(r.Context(), addr, caller, input)
}

// callerFromHeader authenticates an Authorization: Bearer access token.
func (s *Server) callerFromHeader(r *http.Request, addr core.Address) (core.Caller, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return core.Caller{}, fmt.Errorf("%w: missing bearer token; mint one with the actorkit-token helper", core.ErrUnauthorized)
	}
	return auth.Verify(s.signingKey, strings.TrimPrefix(header, "Bearer "), addr)
}

// callerFromQuery authenticates a WebSocket upgrade. Browser WebSocket
// clients cannot set headers, so tokens ride in the query string: either
// accessToken, or connectionToken for re-entering clients.
func (s *Server) callerFromQuery(r *http.Request, addr core.Address) (core.Caller, error) {
	q := r.URL.Query()

	if token := q.Get("accessToken"); token != "" {
		return auth.Verify(s.signingKey, token, addr)
	}
	if token := q.Get("connectionToken"); token != "" {
		caller, connectionID, err := auth.VerifyConnection(s.signingKey, token, addr.Type)
		if err != nil {
			return core.Caller{}, err
		}
		if recorded, ok := s.registry.connections.reclaim(connectionID); ok {
			return recorded, nil
		}
		s.registry.connections.record(connectionID, caller)
		return caller, nil
	}
	return core.Caller{}, fmt.Errorf("%w: missing accessToken query parameter; mint one with the actorkit-token helper", core.ErrUnauthorized)
}

func waitOptionsFromQuery(r *http.Request) (*actor.WaitOptions, error) {
	q := r.URL.Query()
	waitEvent := q.Get("waitForEvent")
	waitState := q.Get("waitForState")
	if waitEvent == "" && waitState == "" {
		return nil, nil
	}

	wait := &actor.WaitOptions{Event: waitEvent, State: waitState}
	if raw := q.Get("timeout"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid timeout %q", raw)
		}
		wait.Timeout = time.Duration(ms) * time.Millisecond
	}
	if raw := q.Get("errorOnWaitTimeout"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid errorOnWaitTimeout %q", raw)
		}
		wait.ErrorOnTimeout = b
	}
	return wait, nil
}

func inputFromQuery(r *http.Request) (map[string]any, error) {
	raw := r.URL.Query().Get("input")
	if raw == "" {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("%w: invalid input parameter: %v", core.ErrBadEvent, err)
	}
	return input, nil
}

// statusFor maps runtime error kinds onto HTTP status codes in one place.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrBadEvent):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrWaitTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, core.ErrNotReady), errors.Is(err, core.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrAlreadySpawned):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

// websocketStarted reports whether the upgrade already hijacked the
// connection, in which case no HTTP response can be written.
func websocketStarted(err error) bool {
	return !errors.Is(err, core.ErrNotReady) && !strings.Contains(err.Error(), "websocket upgrade")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
