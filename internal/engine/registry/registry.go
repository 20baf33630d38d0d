// Package registry owns the set of running services. It enforces
// dependency constraints on registration, drives service lifecycles,
// mirrors the service map into the key-value store after every mutation and
// announces lifecycle transitions on the broker.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/orchestrator/internal/broker"
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
	DefaultStateKey    = "orchestrator_state"
	DefaultExchange    = "orchestrator"
	DefaultQueue       = "service_events"
	DefaultBindingKey  = "service.#"
	DefaultCallTimeout = 5 * time.Second
)

// Descriptor is the serialisable view of a service.
type Descriptor = base.Descriptor

// Factory rebuilds a live service from a persisted descriptor.
type Factory func(d Descriptor) (base.Service, error)

type entry struct {
	svc    base.Service
	failed bool
}

func (e *entry) status() state.Status {
	if e.failed {
		return state.StatusError
	}
	return e.svc.Status()
}

func (e *entry) describe() Descriptor {
	d := base.Describe(e.svc)
	d.Status = e.status()
	return d
}

// Registry manages service instances.
type Registry struct {
	// opMu serializes mutating operations so the persisted snapshot follows
	// call order. mu guards the map itself so reads never wait on a Start.
	opMu    sync.Mutex
	mu      sync.RWMutex
	entries map[string]*entry
	version int64

	store   kvstore.Store
	broker  broker.Broker
	logger  *logging.Logger
	events  events.EventLogger
	metrics metrics.MetricsCollector
	factory Factory

	stateKey    string
	exchange    string
	queue       string
	retract     bool
	callTimeout time.Duration
	publishLim  *bus.Limiter
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithEvents(e events.EventLogger) Option {
	return func(r *Registry) {
		if e != nil {
			r.events = e
		}
	}
}

func WithMetrics(m metrics.MetricsCollector) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithStateKey overrides the snapshot key.
func WithStateKey(key string) Option {
	return func(r *Registry) {
		if strings.TrimSpace(key) != "" {
			r.stateKey = key
		}
	}
}

func WithExchange(name string) Option {
	return func(r *Registry) {
		if strings.TrimSpace(name) != "" {
			r.exchange = name
		}
	}
}

func WithQueue(name string) Option {
	return func(r *Registry) {
		if strings.TrimSpace(name) != "" {
			r.queue = name
		}
	}
}

// WithFactory sets how restored descriptors become services.
func WithFactory(f Factory) Option {
	return func(r *Registry) {
		if f != nil {
			r.factory = f
		}
	}
}

// WithRetractOnFailure controls whether a service whose Start fails is
// dropped from the map (true, the default) or kept as ERROR.
func WithRetractOnFailure(retract bool) Option {
	return func(r *Registry) { r.retract = retract }
}

// WithCallTimeout bounds every store and broker call.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithPublishLimiter bounds concurrent broker publishes.
func WithPublishLimiter(l *bus.Limiter) Option {
	return func(r *Registry) { r.publishLim = l }
}

// New creates a registry backed by store and br.
func New(store kvstore.Store, br broker.Broker, opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[string]*entry),
		store:       store,
		broker:      br,
		logger:      logging.NewDefault("registry"),
		events:      events.NoOpLogger{},
		metrics:     metrics.NewNoOpCollector(),
		stateKey:    DefaultStateKey,
		exchange:    DefaultExchange,
		queue:       DefaultQueue,
		retract:     true,
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		logger := r.logger
		r.factory = func(d Descriptor) (base.Service, error) {
			return base.FromDescriptor(d, logger), nil
		}
	}
	return r
}

// StateKey returns the key the snapshot is stored under.
func (r *Registry) StateKey() string { return r.stateKey }

// Initialize declares the broker topology, enables expiry notifications on
// the store and restores the persisted services.
func (r *Registry) Initialize(ctx context.Context) error {
	err := r.withTimeout(ctx, func(ctx context.Context) error {
		if err := r.broker.DeclareTopicExchange(ctx, r.exchange); err != nil {
			return svcerrors.Broker("declare exchange", err)
		}
		if err := r.broker.DeclareDurableQueue(ctx, r.queue); err != nil {
			return svcerrors.Broker("declare queue", err)
		}
		if err := r.broker.BindQueue(ctx, r.queue, r.exchange, DefaultBindingKey); err != nil {
			return svcerrors.Broker("bind queue", err)
		}
		if err := r.store.EnableExpiryNotifications(ctx); err != nil {
			return svcerrors.Store("enable expiry notifications", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.RestoreState(ctx); err != nil {
		return err
	}

	events.NewEvent(events.EventRegistryInitialized).
		Component("registry").
		Metadata("exchange", r.exchange).
		Metadata("queue", r.queue).
		LogToWithContext(ctx, r.events)
	r.logger.WithFields(logrus.Fields{
		"exchange": r.exchange,
		"queue":    r.queue,
		"services": r.count(),
	}).Info("registry initialized")
	return nil
}

// RegisterService admits svc if every dependency is registered and RUNNING,
// starts it, persists the snapshot and publishes a registered event.
// An ErrBroker error means only the publish failed: the service is running,
// registered and persisted.
func (r *Registry) RegisterService(ctx context.Context, svc base.Service) error {
	if svc == nil || strings.TrimSpace(svc.ID()) == "" {
		return svcerrors.Validation("service id is required")
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.register(ctx, svc)
}

// RegisterDescriptors builds a service for each descriptor with the
// configured Factory and registers them in dependency order. Entries that
// cannot be registered are reported in the joined error; the others are
// still registered. It returns the ids that were registered.
func (r *Registry) RegisterDescriptors(ctx context.Context, descs []Descriptor) ([]string, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	set := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		set[d.ID] = d
	}
	r.mu.RLock()
	live := make(map[string]bool, len(r.entries))
	for id := range r.entries {
		live[id] = true
	}
	r.mu.RUnlock()

	ordered, skipped := orderDescriptors(set, live)

	var errs []error
	for _, s := range skipped {
		if s.Reason == reasonCycle {
			r.metrics.RecordDependencyCycle()
			errs = append(errs, fmt.Errorf("service %s: dependency cycle through %s", s.ID, s.Dependency))
			continue
		}
		errs = append(errs, fmt.Errorf("service %s: %w", s.ID, svcerrors.DependencyUnsatisfied(s.Dependency)))
	}

	var registered []string
	for _, d := range ordered {
		svc, err := r.factory(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("build service %s: %w", d.ID, err))
			continue
		}
		if err := r.register(ctx, svc); err != nil {
			errs = append(errs, err)
			continue
		}
		registered = append(registered, d.ID)
	}
	return registered, errors.Join(errs...)
}

func (r *Registry) register(ctx context.Context, svc base.Service) error {
	id := svc.ID()
	log := r.logger.WithField("service", id)

	if err := r.admit(ctx, svc); err != nil {
		return err
	}

	e := &entry{svc: svc}
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()

	start := time.Now()
	startErr := svc.Start(ctx)
	r.metrics.RecordServiceStart(id, time.Since(start), startErr)

	if startErr != nil {
		r.mu.Lock()
		if r.retract {
			delete(r.entries, id)
		} else {
			e.failed = true
		}
		r.mu.Unlock()

		log.WithError(startErr).Error("service failed to start")
		events.NewEvent(events.EventServiceStartFailed).
			Service(id).
			Component("registry").
			Status(state.StatusError).
			ErrorFrom(startErr).
			Duration(time.Since(start)).
			LogToWithContext(ctx, r.events)
		if r.retract {
			r.metrics.ForgetService(id, string(svc.Type()))
			r.metrics.RecordServiceCount(r.count())
		} else {
			r.recordStatus(e)
		}

		if err := r.persist(ctx); err != nil {
			log.WithError(err).Warn("persist after failed start")
		}
		return fmt.Errorf("start service %s: %w", id, startErr)
	}

	r.recordStatus(e)
	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.publish(ctx, id, "registered", e.describe()); err != nil {
		return err
	}

	events.NewEvent(events.EventServiceRegistered).
		Service(id).
		Component("registry").
		Status(e.status()).
		Duration(time.Since(start)).
		Metadata("type", string(svc.Type())).
		LogToWithContext(ctx, r.events)
	log.WithField("type", svc.Type()).Info("service registered")
	return nil
}

// admit checks registration preconditions without mutating anything.
func (r *Registry) admit(ctx context.Context, svc base.Service) error {
	id := svc.ID()

	r.mu.RLock()
	_, duplicate := r.entries[id]
	missing := ""
	for _, dep := range svc.Dependencies() {
		if e, ok := r.entries[dep]; !ok || e.status() != state.StatusRunning {
			missing = dep
			break
		}
	}
	r.mu.RUnlock()

	if duplicate {
		return svcerrors.Validation(fmt.Sprintf("service already registered: %s", id))
	}
	if missing != "" {
		r.metrics.RecordDependencyMissing(missing)
		events.NewEvent(events.EventDependencyMissing).
			Service(id).
			Component("registry").
			Severity(events.SeverityWarning).
			Metadata("dependency", missing).
			LogToWithContext(ctx, r.events)
		return svcerrors.DependencyUnsatisfied(missing)
	}
	return nil
}

// RemoveService stops and removes a service. Unknown ids are a no-op. A
// failed Stop keeps the entry as ERROR. An ErrBroker error means the removal
// itself took effect.
func (r *Registry) RemoveService(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.remove(ctx, id)
}

func (r *Registry) remove(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	log := r.logger.WithField("service", id)

	start := time.Now()
	stopErr := e.svc.Stop(ctx)
	r.metrics.RecordServiceStop(id, time.Since(start), stopErr)
	if stopErr != nil {
		r.mu.Lock()
		e.failed = true
		r.mu.Unlock()
		r.recordStatus(e)
		events.NewEvent(events.EventServiceStopFailed).
			Service(id).
			Component("registry").
			ErrorFrom(stopErr).
			LogToWithContext(ctx, r.events)
		if err := r.persist(ctx); err != nil {
			log.WithError(err).Warn("persist after failed stop")
		}
		return fmt.Errorf("stop service %s: %w", id, stopErr)
	}

	d := e.describe()
	d.Status = state.StatusError

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	r.metrics.ForgetService(id, string(d.Type))

	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.publish(ctx, id, "removed", d); err != nil {
		return err
	}

	events.NewEvent(events.EventServiceRemoved).
		Service(id).
		Component("registry").
		Status(state.StatusError).
		Duration(time.Since(start)).
		LogToWithContext(ctx, r.events)
	log.Info("service removed")
	return nil
}

// RestartService stops id and starts it again once its dependencies are
// RUNNING. A successful restart clears the ERROR mark, persists the snapshot
// and publishes a restarted event. An ErrBroker error means the service is
// running and only the publish failed.
func (r *Registry) RestartService(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	e, ok := r.entries[id]
	missing := ""
	if ok {
		for _, dep := range e.svc.Dependencies() {
			if d, ok := r.entries[dep]; !ok || d.status() != state.StatusRunning {
				missing = dep
				break
			}
		}
	}
	r.mu.RUnlock()
	if !ok {
		return svcerrors.UnknownService(id)
	}
	if missing != "" {
		r.metrics.RecordDependencyMissing(missing)
		return svcerrors.DependencyUnsatisfied(missing)
	}
	log := r.logger.WithField("service", id)

	if e.svc.Status() != state.StatusStopped {
		if err := e.svc.Stop(ctx); err != nil {
			log.WithError(err).Warn("stop before restart failed")
		}
	}

	start := time.Now()
	startErr := e.svc.Start(ctx)
	r.metrics.RecordServiceStart(id, time.Since(start), startErr)
	r.mu.Lock()
	e.failed = startErr != nil
	r.mu.Unlock()
	r.recordStatus(e)

	if startErr != nil {
		events.NewEvent(events.EventServiceStartFailed).
			Service(id).
			Component("registry").
			Status(state.StatusError).
			ErrorFrom(startErr).
			Duration(time.Since(start)).
			LogToWithContext(ctx, r.events)
		if err := r.persist(ctx); err != nil {
			log.WithError(err).Warn("persist after failed restart")
		}
		return fmt.Errorf("restart service %s: %w", id, startErr)
	}

	if err := r.persist(ctx); err != nil {
		return err
	}
	if err := r.publish(ctx, id, "restarted", e.describe()); err != nil {
		return err
	}
	events.NewEvent(events.EventServiceRestarted).
		Service(id).
		Component("registry").
		Status(e.status()).
		Duration(time.Since(start)).
		LogToWithContext(ctx, r.events)
	log.Info("service restarted")
	return nil
}

// GetServiceStatus returns the status of id, or ERROR when it is unknown.
func (r *Registry) GetServiceStatus(id string) state.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.status()
	}
	return state.StatusError
}

// Lookup returns the descriptor of id and whether it is registered.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.describe(), true
}

// Service returns the live service registered under id.
func (r *Registry) Service(id string) (base.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.svc, true
}

// Services returns all descriptors sorted by id.
func (r *Registry) Services() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.describe())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown removes every service, dependents before their dependencies.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	descs := make(map[string]Descriptor)
	for _, d := range r.Services() {
		descs[d.ID] = d
	}
	ordered, skipped := orderDescriptors(descs, nil)
	for _, s := range skipped {
		ordered = append(ordered, descs[s.ID])
	}

	var errs []error
	for i := len(ordered) - 1; i >= 0; i-- {
		if err := r.remove(ctx, ordered[i].ID); err != nil {
			r.logger.WithError(err).WithField("service", ordered[i].ID).Warn("shutdown: remove failed")
			errs = append(errs, err)
		}
	}
	r.logger.Info("registry shut down")
	return errors.Join(errs...)
}

func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) recordStatus(e *entry) {
	r.mu.RLock()
	st := e.status()
	r.mu.RUnlock()
	r.metrics.RecordServiceStatus(e.svc.ID(), string(e.svc.Type()), int(st))
	r.metrics.RecordServiceCount(r.count())
}

func (r *Registry) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return fn(cctx)
}

func (r *Registry) publish(ctx context.Context, id, event string, d Descriptor) error {
	ev := broker.Event{
		ID:        uuid.NewString(),
		Event:     event,
		ServiceID: id,
		Payload: map[string]any{
			"name":         d.Name,
			"type":         d.Type,
			"status":       d.Status,
			"dependencies": d.Dependencies,
		},
		SentAt: time.Now().UTC(),
	}
	send := func(ctx context.Context) error {
		return r.withTimeout(ctx, func(ctx context.Context) error {
			return r.broker.Publish(ctx, r.exchange, broker.RoutingKey(id, event), ev)
		})
	}
	var err error
	if r.publishLim != nil {
		err = r.publishLim.Do(ctx, send)
	} else {
		err = send(ctx)
	}
	r.metrics.RecordBrokerPublish(event, err)
	if err != nil {
		return svcerrors.Broker("publish "+event, err)
	}
	return nil
}
