// Package chat provides the interactive chat service: a session dispatch
// engine that routes each message to the first registered handler that
// claims it and persists per-session conversation context.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/orchestrator/internal/engine/bus"
	"github.com/R3E-Network/orchestrator/internal/engine/events"
	"github.com/R3E-Network/orchestrator/internal/engine/metrics"
	"github.com/R3E-Network/orchestrator/internal/engine/state"
	svcerrors "github.com/R3E-Network/orchestrator/internal/errors"
	"github.com/R3E-Network/orchestrator/internal/kvstore"
	"github.com/R3E-Network/orchestrator/internal/logging"
	"github.com/R3E-Network/orchestrator/services/base"
)

const (
	ServiceID   = "interactive-chat"
	ServiceName = "Interactive Chat"

	DefaultKeyPrefix      = "chat:context:"
	DefaultHandlerTimeout = 30 * time.Second
	DefaultStoreTimeout   = 5 * time.Second
)

// User-facing error texts.
const (
	MsgContentRequired = "Le contenu du message est requis"
	MsgTypeRequired    = "Le type de message est requis"
	MsgTypeInvalid     = "Type de message invalide"
	MsgNoHandler       = "Aucun handler trouvé pour ce message"
)

// DefaultDependencies lists the services the engine needs RUNNING.
var DefaultDependencies = []string{"memory-system"}

// Engine is the session dispatch engine.
type Engine struct {
	*base.BaseService

	store   kvstore.Store
	logger  *logging.Logger
	events  events.EventLogger
	metrics metrics.MetricsCollector
	limiter *bus.Limiter

	handlerTimeout time.Duration
	storeTimeout   time.Duration
	ttl            time.Duration
	keyPrefix      string
	deps           []string
	newID          func() string
	now            func() time.Time

	handlersMu sync.RWMutex
	handlers   []CommandHandler

	hooks    *hookSet
	sessions *sessionLocks

	subMu sync.Mutex
	unsub []func()
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEvents mirrors engine activity into an observability event log.
func WithEvents(l events.EventLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.events = l
		}
	}
}

func WithMetrics(m metrics.MetricsCollector) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLimiter bounds concurrent handler invocations across all sessions.
func WithLimiter(l *bus.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.handlerTimeout = d
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithContextTTL expires idle session contexts. Zero keeps them forever.
func WithContextTTL(d time.Duration) Option {
	return func(e *Engine) { e.ttl = d }
}

// WithDependencies overrides the declared dependencies.
func WithDependencies(deps ...string) Option {
	return func(e *Engine) { e.deps = append([]string(nil), deps...) }
}

func WithKeyPrefix(prefix string) Option {
	return func(e *Engine) { e.keyPrefix = prefix }
}

// WithIDGenerator sets the session id generator used for anonymous sessions.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithClock sets the time source for context timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a STOPPED engine persisting contexts in store.
func NewEngine(store kvstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		logger:         logging.NewDefault(ServiceID),
		events:         events.NoOpLogger{},
		metrics:        metrics.NewNoOpCollector(),
		handlerTimeout: DefaultHandlerTimeout,
		storeTimeout:   DefaultStoreTimeout,
		keyPrefix:      DefaultKeyPrefix,
		deps:           append([]string(nil), DefaultDependencies...),
		newID:          uuid.NewString,
		now:            time.Now,
		hooks:          newHookSet(),
		sessions:       newSessionLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.BaseService = base.NewBaseService(ServiceID, ServiceName, state.TypeChat, e.deps, e.logger)
	e.SetHooks(base.LifecycleHooks{
		OnBeforeStart: e.setupStore,
		OnAfterStart:  e.setupHooks,
		OnAfterStop:   e.teardownHooks,
	})
	return e
}

func (e *Engine) setupStore(ctx context.Context) error {
	err := e.withStoreTimeout(ctx, e.store.EnableExpiryNotifications)
	e.metrics.RecordStoreOp("config", err)
	if err != nil {
		return svcerrors.Store("enable expiry notifications", err)
	}
	return nil
}

func (e *Engine) setupHooks(context.Context) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.unsub = append(e.unsub,
		e.hooks.on(HookMessageReceived, e.onMessageReceived),
		e.hooks.on(HookContextUpdated, e.onContextUpdated),
	)
	return nil
}

func (e *Engine) teardownHooks(context.Context) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, fn := range e.unsub {
		fn()
	}
	e.unsub = nil
	return nil
}

func (e *Engine) onMessageReceived(ctx context.Context, ev HookEvent) error {
	e.metrics.RecordMessage(string(ev.Message.Type), "received")
	e.logger.WithContext(ctx).
		WithField("session_id", ev.SessionID).
		WithField("type", ev.Message.Type).
		Debug("message received")
	return nil
}

func (e *Engine) onContextUpdated(ctx context.Context, ev HookEvent) error {
	return e.saveContext(ctx, ev.Context)
}

// On subscribes fn to a hook and returns the unsubscribe func. Hooks run on
// the dispatching goroutine while the session is locked, so they must not
// dispatch to the same session.
func (e *Engine) On(name Hook, fn HookFunc) func() {
	return e.hooks.on(name, fn)
}

// PublishContext announces an externally modified context. While the engine
// is running the context:updated hook persists it.
func (e *Engine) PublishContext(ctx context.Context, sc *SessionContext) error {
	if sc == nil || sc.SessionID == "" {
		return svcerrors.Validation("session id is required")
	}
	unlock := e.sessions.lock(sc.SessionID)
	defer unlock()
	return e.hooks.emit(ctx, HookEvent{Hook: HookContextUpdated, SessionID: sc.SessionID, Context: sc})
}

// RegisterHandler appends h. Earlier handlers take priority.
func (e *Engine) RegisterHandler(h CommandHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Handlers returns the number of registered handlers.
func (e *Engine) Handlers() int {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	return len(e.handlers)
}

func (e *Engine) findHandler(msg ChatMessage) CommandHandler {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	for _, h := range e.handlers {
		if h.CanHandle(msg) {
			return h
		}
	}
	return nil
}

// SendMessage dispatches msg and never fails: store and other errors come
// back as ERROR responses.
func (e *Engine) SendMessage(ctx context.Context, msg ChatMessage, sessionID string) ChatResponse {
	resp, _ := e.Dispatch(ctx, msg, sessionID)
	return resp
}

// Dispatch validates msg, selects the first handler that claims it, runs the
// handler and persists the updated session context.
//
// Validation and no-handler outcomes return an ERROR response together with
// a classified error. Handler failures return an ERROR response and a nil
// error. Store failures return an ERROR response and a store error.
func (e *Engine) Dispatch(ctx context.Context, msg ChatMessage, sessionID string) (ChatResponse, error) {
	start := time.Now()

	if msg.Content == "" {
		e.metrics.RecordMessage(string(msg.Type), "invalid")
		return ErrorResponse(MsgContentRequired, msg.Context), svcerrors.Validation(MsgContentRequired)
	}
	if msg.Type == "" {
		e.metrics.RecordMessage("", "invalid")
		return ErrorResponse(MsgTypeRequired, msg.Context), svcerrors.Validation(MsgTypeRequired)
	}
	if !msg.Type.Valid() {
		e.metrics.RecordMessage(string(msg.Type), "invalid")
		return ErrorResponse(MsgTypeInvalid, msg.Context), svcerrors.Validation(MsgTypeInvalid)
	}

	sessionID = e.resolveSession(msg, sessionID)
	unlock := e.sessions.lock(sessionID)
	defer unlock()

	if err := e.hooks.emit(ctx, HookEvent{Hook: HookMessageReceived, SessionID: sessionID, Message: msg}); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("session_id", sessionID).Warn("message:received hook failed")
	}
	events.NewEvent(events.EventMessageReceived).
		Service(e.ID()).
		Component("chat").
		Session(sessionID).
		Metadata("type", string(msg.Type)).
		LogToWithContext(ctx, e.events)

	sc, err := e.contextFor(ctx, msg, sessionID)
	if err != nil {
		e.fail(ctx, msg, sessionID, "store_error", err)
		return ErrorResponse(err.Error(), nil), err
	}

	handler := e.findHandler(msg)
	if handler == nil {
		e.fail(ctx, msg, sessionID, "no_handler", nil)
		return ErrorResponse(MsgNoHandler, sc), svcerrors.NoHandlerFound(MsgNoHandler)
	}

	// The handler works on a copy so a failed call leaves the context as it was.
	working := sc.Clone()
	resp, err := e.invoke(ctx, handler, msg, working)
	e.metrics.RecordDispatch(handlerName(handler), time.Since(start))
	if err != nil {
		e.fail(ctx, msg, sessionID, "handler_error", err)
		return ErrorResponse(err.Error(), sc), nil
	}

	// Handlers may change state, not history: history is the loaded one
	// plus this message.
	inbound := msg
	inbound.Context = nil
	working.SessionID = sc.SessionID
	working.History = append(append(make([]ChatMessage, 0, len(sc.History)+1), sc.History...), inbound)
	if working.State == nil {
		working.State = map[string]any{}
	}
	working.Timestamp = e.now().UTC()

	if err := e.saveContext(ctx, working); err != nil {
		e.fail(ctx, msg, sessionID, "store_error", err)
		return ErrorResponse(err.Error(), sc), err
	}

	e.metrics.RecordMessage(string(msg.Type), "processed")
	if err := e.hooks.emit(ctx, HookEvent{
		Hook:      HookMessageProcessed,
		SessionID: sessionID,
		Message:   msg,
		Response:  &resp,
		Context:   working,
	}); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("session_id", sessionID).Warn("message:processed hook failed")
	}
	events.NewEvent(events.EventMessageProcessed).
		Service(e.ID()).
		Component("chat").
		Session(sessionID).
		Duration(time.Since(start)).
		Metadata("type", string(msg.Type)).
		Metadata("handler", handlerName(handler)).
		Metadata("status", string(resp.Status)).
		LogToWithContext(ctx, e.events)

	return resp, nil
}

func (e *Engine) fail(ctx context.Context, msg ChatMessage, sessionID, outcome string, err error) {
	e.metrics.RecordMessage(string(msg.Type), outcome)
	b := events.NewEvent(events.EventMessageFailed).
		Service(e.ID()).
		Component("chat").
		Session(sessionID).
		Severity(events.SeverityWarning).
		Metadata("outcome", outcome)
	entry := e.logger.WithContext(ctx).
		WithField("session_id", sessionID).
		WithField("outcome", outcome)
	if err != nil {
		b.ErrorFrom(err)
		entry = entry.WithError(err)
	}
	b.LogToWithContext(ctx, e.events)
	entry.Warn("message not processed")
}

// resolveSession picks the session id: the inline context's, then the
// caller's, then a fresh one.
func (e *Engine) resolveSession(msg ChatMessage, sessionID string) string {
	if msg.Context != nil && msg.Context.SessionID != "" {
		return msg.Context.SessionID
	}
	if sessionID != "" {
		return sessionID
	}
	return e.newID()
}

// contextFor returns the inline context when the message carries one,
// otherwise the persisted context or a fresh one.
func (e *Engine) contextFor(ctx context.Context, msg ChatMessage, sessionID string) (*SessionContext, error) {
	if msg.Context != nil {
		sc := msg.Context.Clone()
		sc.SessionID = sessionID
		if sc.History == nil {
			sc.History = []ChatMessage{}
		}
		if sc.State == nil {
			sc.State = map[string]any{}
		}
		if sc.UserID == "" {
			sc.UserID = userOf(msg)
		}
		return sc, nil
	}

	sc, err := e.loadContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		sc = NewSessionContext(sessionID, userOf(msg), e.now().UTC())
	}
	return sc, nil
}

func userOf(msg ChatMessage) string {
	if id := msg.UserID(); id != "" {
		return id
	}
	return AnonymousUser
}

// invoke runs the handler under the dispatch limiter and handler timeout.
// A handler that ignores its context is abandoned when the timeout fires.
func (e *Engine) invoke(ctx context.Context, h CommandHandler, msg ChatMessage, sc *SessionContext) (ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	defer cancel()

	var resp ChatResponse
	run := func(ctx context.Context) error {
		e.recordInFlight()
		defer e.recordInFlight()

		type result struct {
			resp ChatResponse
			err  error
		}
		done := make(chan result, 1)
		local := sc.Clone()
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- result{err: fmt.Errorf("handler panic: %v", r)}
				}
			}()
			resp, err := h.Handle(ctx, msg, local)
			done <- result{resp: resp, err: err}
		}()

		select {
		case r := <-done:
			if r.err != nil {
				return r.err
			}
			resp = r.resp
			*sc = *local
			return nil
		case <-ctx.Done():
			return fmt.Errorf("handler %s: %w", handlerName(h), ctx.Err())
		}
	}

	if e.limiter == nil {
		return resp, run(ctx)
	}
	return resp, e.limiter.Do(ctx, run)
}

func (e *Engine) recordInFlight() {
	if e.limiter != nil {
		e.metrics.RecordDispatchInFlight(e.limiter.Active())
	}
}

// GetContext returns the persisted context of a session, or a fresh one
// that is not persisted.
func (e *Engine) GetContext(ctx context.Context, sessionID string) (*SessionContext, error) {
	if sessionID == "" {
		return nil, svcerrors.Validation("session id is required")
	}
	sc, err := e.loadContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		sc = NewSessionContext(sessionID, AnonymousUser, e.now().UTC())
	}
	return sc, nil
}

func (e *Engine) key(sessionID string) string {
	return e.keyPrefix + sessionID
}

// loadContext returns nil, nil when the session has no persisted context.
func (e *Engine) loadContext(ctx context.Context, sessionID string) (*SessionContext, error) {
	var data []byte
	err := e.withStoreTimeout(ctx, func(ctx context.Context) error {
		var err error
		data, err = e.store.Get(ctx, e.key(sessionID))
		return err
	})
	if errors.Is(err, kvstore.ErrNotFound) {
		e.metrics.RecordStoreOp("get", nil)
		return nil, nil
	}
	e.metrics.RecordStoreOp("get", err)
	if err != nil {
		return nil, svcerrors.Store("load context", err)
	}

	var sc SessionContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, svcerrors.Internal("stored session context is corrupt", err)
	}
	if sc.History == nil {
		sc.History = []ChatMessage{}
	}
	if sc.State == nil {
		sc.State = map[string]any{}
	}
	return &sc, nil
}

func (e *Engine) saveContext(ctx context.Context, sc *SessionContext) error {
	if sc == nil || sc.SessionID == "" {
		return svcerrors.Validation("session id is required")
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return svcerrors.Internal("encode session context", err)
	}
	err = e.withStoreTimeout(ctx, func(ctx context.Context) error {
		return e.store.Set(ctx, e.key(sc.SessionID), data, e.ttl)
	})
	e.metrics.RecordStoreOp("set", err)
	if err != nil {
		return svcerrors.Store("save context", err)
	}

	events.NewEvent(events.EventContextUpdated).
		Service(e.ID()).
		Component("chat").
		Session(sc.SessionID).
		Metadata("history", fmt.Sprint(len(sc.History))).
		LogToWithContext(ctx, e.events)
	return nil
}

func (e *Engine) withStoreTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return fn(ctx)
}

var (
	_ base.Service       = (*Engine)(nil)
	_ base.HealthChecker = (*Engine)(nil)
)
