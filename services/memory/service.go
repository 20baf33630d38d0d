// Package memory provides the memory system service the chat engine
// depends on. It owns no data of its own; its liveness is the liveness of
// the shared key-value store.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/orchestrator/internal/engine/state"
	"github.com/R3E-Network/orchestrator/internal/kvstore"
	"github.com/R3E-Network/orchestrator/internal/logging"
	"github.com/R3E-Network/orchestrator/services/base"
)

const (
	ServiceID   = "memory-system"
	ServiceName = "Memory System"

	// ProbeKey is read on start to confirm the store answers.
	ProbeKey = "memory:probe"

	defaultProbeTimeout = 5 * time.Second
)

// Service implements the memory system.
type Service struct {
	*base.BaseService

	store   kvstore.Store
	timeout time.Duration
	logger  *logging.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithProbeTimeout bounds each store probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a STOPPED memory service over store.
func New(store kvstore.Store, opts ...Option) *Service {
	svc := &Service{
		store:   store,
		timeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.BaseService = base.NewBaseService(ServiceID, ServiceName, state.TypeMemory, nil, svc.logger)

	svc.SetHooks(base.LifecycleHooks{
		OnBeforeStart: svc.probe,
	})
	return svc
}

// probe reads ProbeKey. A missing key still proves the store is reachable.
func (s *Service) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.store.Get(ctx, ProbeKey); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("probe store: %w", err)
	}
	return nil
}

// Health reports whether the service is RUNNING and its store reachable.
// Stores that implement kvstore.Pinger are pinged, others are probed.
func (s *Service) Health(ctx context.Context) error {
	if err := s.BaseService.Health(ctx); err != nil {
		return err
	}
	if pinger, ok := s.store.(kvstore.Pinger); ok {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			return fmt.Errorf("ping store: %w", err)
		}
		return nil
	}
	return s.probe(ctx)
}

var (
	_ base.Service       = (*Service)(nil)
	_ base.HealthChecker = (*Service)(nil)
)
