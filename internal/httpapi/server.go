// Package httpapi exposes the chat engine and the service registry over
// HTTP and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/orchestrator/internal/engine/bus"
	"github.com/R3E-Network/orchestrator/internal/engine/events"
	"github.com/R3E-Network/orchestrator/internal/engine/recovery"
	"github.com/R3E-Network/orchestrator/internal/engine/registry"
	"github.com/R3E-Network/orchestrator/internal/engine/state"
	svcerrors "github.com/R3E-Network/orchestrator/internal/errors"
	"github.com/R3E-Network/orchestrator/internal/logging"
	"github.com/R3E-Network/orchestrator/internal/middleware"
	"github.com/R3E-Network/orchestrator/services/chat"
)

// SessionHeader carries the session id when the body does not.
const SessionHeader = "X-Session-ID"

const (
	maxBodyBytes       = 1 << 20
	healthCheckTimeout = 2 * time.Second
	maxEventsLimit     = 1000
)

// Chat is the engine surface the transport needs.
type Chat interface {
	ID() string
	Name() string
	Type() state.ServiceType
	Status() state.Status
	Dispatch(ctx context.Context, msg chat.ChatMessage, sessionID string) (chat.ChatResponse, error)
	GetContext(ctx context.Context, sessionID string) (*chat.SessionContext, error)
}

// Registry is the registry surface the transport needs.
type Registry interface {
	Services() []registry.Descriptor
	Lookup(id string) (registry.Descriptor, bool)
}

// Recovery is the recovery manager surface the transport needs.
type Recovery interface {
	States() []recovery.State
	Reset(id string)
	Trigger(id string) error
}

// EventSource answers event queries.
type EventSource interface {
	Query(q events.Query) []events.Event
}

// LimitStats reports the concurrency limiters.
type LimitStats interface {
	Stats() map[bus.Kind]bus.Stats
}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config wires a Server.
type Config struct {
	Chat     Chat
	Registry Registry
	Recovery Recovery
	Events   EventSource
	Limits   LimitStats
	Logger   *logging.Logger

	// Checks are reported under /health, keyed by dependency name.
	Checks map[string]HealthCheck

	Metrics     *middleware.HTTPMetrics
	Gatherer    prometheus.Gatherer
	RateLimiter *middleware.RateLimiter
	CORS        *middleware.CORSMiddleware
}

// Server serves the API.
type Server struct {
	chat     Chat
	reg      Registry
	recovery Recovery
	events   EventSource
	limits   LimitStats
	logger   *logging.Logger
	checks   map[string]HealthCheck
	upgrader websocket.Upgrader
	router   *mux.Router
	now      func() time.Time
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault("httpapi")
	}
	s := &Server{
		chat:     cfg.Chat,
		reg:      cfg.Registry,
		recovery: cfg.Recovery,
		events:   cfg.Events,
		limits:   cfg.Limits,
		logger:   logger,
		checks:   cfg.Checks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		now: time.Now,
	}
	if cfg.CORS != nil {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || cfg.CORS.AllowOrigin(origin)
		}
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	if cfg.Metrics != nil {
		r.Use(middleware.MetricsMiddleware(cfg.Metrics))
	}
	if cfg.CORS != nil {
		r.Use(cfg.CORS.Handler)
	}

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if cfg.RateLimiter != nil {
		api.Use(cfg.RateLimiter.Handler)
	}
	api.HandleFunc("/chat/message", s.postMessage).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/chat/context/{sessionId}", s.getContext).Methods(http.MethodGet)
	api.HandleFunc("/chat/status", s.chatStatus).Methods(http.MethodGet)
	api.HandleFunc("/chat/ws", s.chatSocket).Methods(http.MethodGet)
	api.HandleFunc("/services", s.services).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}/status", s.serviceStatus).Methods(http.MethodGet)
	if s.events != nil {
		api.HandleFunc("/events", s.recentEvents).Methods(http.MethodGet)
	}
	if s.recovery != nil {
		api.HandleFunc("/recovery", s.recoveryStates).Methods(http.MethodGet)
		api.HandleFunc("/services/{id}/recover", s.recoverService).Methods(http.MethodPost)
	}

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// messageRequest is the POST body and the WebSocket frame.
type messageRequest struct {
	Content   string               `json:"content"`
	Type      chat.MessageType     `json:"type"`
	Context   *chat.SessionContext `json:"context,omitempty"`
	Metadata  map[string]any       `json:"metadata,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
}

func (m messageRequest) message() chat.ChatMessage {
	return chat.ChatMessage{Content: m.Content, Type: m.Type, Context: m.Context, Metadata: m.Metadata}
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = r.Header.Get(SessionHeader)
	}

	resp, err := s.chat.Dispatch(r.Context(), req.message(), sessionID)
	if err != nil {
		writeJSON(w, svcerrors.HTTPStatus(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getContext(w http.ResponseWriter, r *http.Request) {
	sc, err := s.chat.GetContext(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, svcerrors.HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) chatStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": s.chat.Status().String(),
		"name":   s.chat.Name(),
		"type":   string(s.chat.Type()),
	})
}

func (s *Server) services(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Services())
}

// serviceStatus reports ERROR for unknown ids, like the registry does, and
// says whether the id is registered at all.
func (s *Server) serviceStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, ok := s.reg.Lookup(id)
	status := state.StatusError
	if ok {
		status = d.Status
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         id,
		"status":     status,
		"registered": ok,
	})
}

// recentEvents filters the event buffer by the service, type, component,
// session, since (RFC 3339) and limit query parameters.
func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := events.Query{
		Service:   params.Get("service"),
		Type:      events.EventType(params.Get("type")),
		Component: params.Get("component"),
		Session:   params.Get("session"),
	}
	if raw := params.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, svcerrors.Validation("since must be an RFC 3339 timestamp"))
			return
		}
		q.Since = since
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxEventsLimit {
			writeError(w, http.StatusBadRequest, svcerrors.Validation("limit must be between 1 and 1000"))
			return
		}
		q.Limit = limit
	}
	found := s.events.Query(q)
	if found == nil {
		found = []events.Event{}
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) recoveryStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.recovery.States())
}

// recoverService clears the retry budget of a registered service and starts
// a restart in the background.
func (s *Server) recoverService(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.reg.Lookup(id); !ok {
		writeError(w, http.StatusNotFound, svcerrors.UnknownService(id))
		return
	}
	s.recovery.Reset(id)
	if err := s.recovery.Trigger(id); err != nil {
		code := http.StatusConflict
		if errors.Is(err, recovery.ErrManagerClosed) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "recovering": true})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	overall := "ok"
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			deps[name] = "down"
			overall = "degraded"
			s.logger.WithContext(r.Context()).WithError(err).WithField("dependency", name).Warn("health check failed")
			continue
		}
		deps[name] = "up"
	}

	code := http.StatusOK
	if overall != "ok" {
		code = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"status":    overall,
		"timestamp": s.now().UTC(),
		"services":  deps,
	}
	if s.limits != nil {
		body["limits"] = s.limits.Stats()
	}
	writeJSON(w, code, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
