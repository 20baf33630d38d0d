// Package base provides the pluggable-service contract and an embeddable
// implementation with lifecycle hooks. Concrete services (chat engine,
// memory system, configured extensions) embed BaseService and customise
// behaviour through hooks.
package base

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/orchestrator/internal/engine/state"
	"github.com/R3E-Network/orchestrator/internal/logging"
)

// Service is the contract every registry-managed subsystem implements.
type Service interface {
	ID() string
	Name() string
	Type() state.ServiceType
	Status() state.Status
	Dependencies() []string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report liveness beyond
// their status, e.g. by pinging a backing store.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// LifecycleHooks allows services to customise lifecycle behaviour.
type LifecycleHooks struct {
	// OnBeforeStart runs after the service enters INITIALIZING.
	OnBeforeStart func(ctx context.Context) error
	// OnAfterStart runs before the service is marked RUNNING.
	OnAfterStart func(ctx context.Context) error
	OnBeforeStop func(ctx context.Context) error
	OnAfterStop  func(ctx context.Context) error
}

// BaseService implements Service with a mutex-protected status.
type BaseService struct {
	mu sync.RWMutex

	id     string
	name   string
	typ    state.ServiceType
	deps   []string
	status state.Status

	hooks  LifecycleHooks
	logger *logging.Logger
}

// NewBaseService creates a STOPPED service. A nil logger gets a default one
// named after the service id.
func NewBaseService(id, name string, typ state.ServiceType, deps []string, logger *logging.Logger) *BaseService {
	if logger == nil {
		logger = logging.NewDefault(id)
	}
	return &BaseService{
		id:     id,
		name:   name,
		typ:    typ,
		deps:   append([]string(nil), deps...),
		status: state.StatusStopped,
		logger: logger.With(logrus.Fields{"service": id}),
	}
}

// SetHooks sets lifecycle hooks.
func (s *BaseService) SetHooks(hooks LifecycleHooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = hooks
}

// SetDependencies replaces the declared dependencies. It has no effect on a
// service that is already registered.
func (s *BaseService) SetDependencies(deps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps = append([]string(nil), deps...)
}

func (s *BaseService) ID() string              { return s.id }
func (s *BaseService) Name() string            { return s.name }
func (s *BaseService) Type() state.ServiceType { return s.typ }

// Dependencies returns a copy of the declared dependency ids.
func (s *BaseService) Dependencies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.deps...)
}

// Status returns the current status.
func (s *BaseService) Status() state.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus forces a status without transition checks.
func (s *BaseService) SetStatus(status state.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Logger returns the service logger.
func (s *BaseService) Logger() *logging.Logger {
	return s.logger
}

func (s *BaseService) fail(err error) error {
	s.SetStatus(state.StatusError)
	s.logger.WithError(err).Error("service start failed")
	return err
}

// Start moves the service to INITIALIZING, runs the start hooks and marks
// it RUNNING. A hook failure leaves the service in ERROR. Starting a
// RUNNING service is a no-op.
func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == state.StatusRunning {
		s.mu.Unlock()
		return nil
	}
	if !state.CanTransition(s.status, state.StatusInitializing) {
		from := s.status
		s.mu.Unlock()
		return state.NewTransitionError(from, state.StatusInitializing)
	}
	s.status = state.StatusInitializing
	hooks := s.hooks
	s.mu.Unlock()

	s.logger.Info("service starting")

	if hooks.OnBeforeStart != nil {
		if err := hooks.OnBeforeStart(ctx); err != nil {
			return s.fail(fmt.Errorf("before start hook: %w", err))
		}
	}
	if hooks.OnAfterStart != nil {
		if err := hooks.OnAfterStart(ctx); err != nil {
			return s.fail(fmt.Errorf("after start hook: %w", err))
		}
	}

	s.SetStatus(state.StatusRunning)
	s.logger.Info("service started")
	return nil
}

// Stop runs the stop hooks and marks the service STOPPED. Hook failures are
// logged and returned, but the service still ends up STOPPED.
func (s *BaseService) Stop(ctx context.Context) error {
	s.mu.RLock()
	current := s.status
	hooks := s.hooks
	s.mu.RUnlock()

	if current == state.StatusStopped {
		return nil
	}
	s.logger.Info("service stopping")

	var errs []error
	if hooks.OnBeforeStop != nil {
		if err := hooks.OnBeforeStop(ctx); err != nil {
			s.logger.WithError(err).Error("before stop hook failed")
			errs = append(errs, fmt.Errorf("before stop hook: %w", err))
		}
	}
	if hooks.OnAfterStop != nil {
		if err := hooks.OnAfterStop(ctx); err != nil {
			s.logger.WithError(err).Error("after stop hook failed")
			errs = append(errs, fmt.Errorf("after stop hook: %w", err))
		}
	}

	s.SetStatus(state.StatusStopped)
	s.logger.Info("service stopped")
	return errors.Join(errs...)
}

// Health reports an error unless the service is RUNNING.
func (s *BaseService) Health(context.Context) error {
	if st := s.Status(); st != state.StatusRunning {
		return fmt.Errorf("service %s not running: %s", s.id, st)
	}
	return nil
}

// Descriptor is the serialisable view of a service stored in registry
// snapshots.
type Descriptor struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         state.ServiceType `json:"type"`
	Status       state.Status      `json:"status"`
	Dependencies []string          `json:"dependencies"`
}

// Describe captures the current descriptor of svc.
func Describe(svc Service) Descriptor {
	deps := svc.Dependencies()
	if deps == nil {
		deps = []string{}
	}
	return Descriptor{
		ID:           svc.ID(),
		Name:         svc.Name(),
		Type:         svc.Type(),
		Status:       svc.Status(),
		Dependencies: deps,
	}
}

// FromDescriptor builds a passive service that only tracks its own status.
// It is what the registry re-creates on restore when no richer factory is
// configured.
func FromDescriptor(d Descriptor, logger *logging.Logger) *BaseService {
	return NewBaseService(d.ID, d.Name, d.Type, d.Dependencies, logger)
}

var (
	_ Service       = (*BaseService)(nil)
	_ HealthChecker = (*BaseService)(nil)
)
