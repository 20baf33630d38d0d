// Package recovery restarts services that fail their health checks. Each
// service gets a retry strategy: immediate restart, exponential backoff or a
// circuit breaker that pauses restarts after repeated failures.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/R3E-Network/orchestrator/internal/engine/events"
	"github.com/R3E-Network/orchestrator/internal/logging"
)

var (
	ErrRecoveryInProgress = errors.New("recovery already in progress")
	ErrRecoveryDisabled   = errors.New("recovery disabled for service")
	ErrMaxRetriesExceeded = errors.New("max recovery retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrRecoveryAborted    = errors.New("recovery aborted")
	ErrManagerClosed      = errors.New("recovery manager is shut down")
)

// Strategy selects how retries are spaced.
type Strategy string

const (
	StrategyRestart        Strategy = "restart"
	StrategyBackoff        Strategy = "backoff"
	StrategyCircuitBreaker Strategy = "circuit_breaker"
	StrategyNone           Strategy = "none"
)

// ParseStrategy accepts the strategy names above.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyRestart, StrategyBackoff, StrategyCircuitBreaker, StrategyNone:
		return st, nil
	}
	return "", fmt.Errorf("unknown recovery strategy %q", s)
}

// Config holds the recovery policy for a service.
type Config struct {
	Strategy Strategy

	// MaxRetries caps consecutive failed attempts. 0 means unlimited.
	MaxRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// CircuitBreakerThreshold failures open the circuit for
	// CircuitBreakerResetTime.
	CircuitBreakerThreshold int
	CircuitBreakerResetTime time.Duration

	// RestartTimeout bounds a single restart.
	RestartTimeout time.Duration
}

// DefaultConfig retries three times, one second apart and doubling.
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategyBackoff,
		MaxRetries:              3,
		InitialDelay:            time.Second,
		MaxDelay:                30 * time.Second,
		Multiplier:              2.0,
		CircuitBreakerThreshold: 3,
		CircuitBreakerResetTime: 5 * time.Minute,
		RestartTimeout:          30 * time.Second,
	}
}

// Restarter restarts a registered service by id.
type Restarter interface {
	RestartService(ctx context.Context, id string) error
}

// State is the recovery bookkeeping for one service.
type State struct {
	Service       string    `json:"service"`
	InProgress    bool      `json:"in_progress"`
	Attempts      int       `json:"attempts"`
	LastAttempt   time.Time `json:"last_attempt,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	NextRetry     time.Time `json:"next_retry,omitempty"`
	CircuitOpen   bool      `json:"circuit_open"`
	CircuitOpened time.Time `json:"circuit_opened,omitempty"`
}

// Manager runs restarts in the background.
type Manager struct {
	mu         sync.Mutex
	restarter  Restarter
	events     events.EventLogger
	logger     *logging.Logger
	defaultCfg Config
	configs    map[string]Config
	states     map[string]*State
	now        func() time.Time
	onEnd      func(id string, attempt int, err error)

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithEvents(e events.EventLogger) Option {
	return func(m *Manager) {
		if e != nil {
			m.events = e
		}
	}
}

// WithConfig sets the policy for services without their own.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.defaultCfg = cfg }
}

// WithServiceConfig sets the policy for one service.
func WithServiceConfig(id string, cfg Config) Option {
	return func(m *Manager) { m.configs[id] = cfg }
}

// WithOnEnd is called after every attempt.
func WithOnEnd(fn func(id string, attempt int, err error)) Option {
	return func(m *Manager) { m.onEnd = fn }
}

// NewManager creates a manager restarting services through r.
func NewManager(r Restarter, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		restarter:  r,
		events:     events.NoOpLogger{},
		logger:     logging.NewDefault("recovery"),
		defaultCfg: DefaultConfig(),
		configs:    make(map[string]Config),
		states:     make(map[string]*State),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch triggers a recovery for every service.unhealthy event logged to src.
// The returned func unsubscribes.
func (m *Manager) Watch(src events.EventLogger) func() {
	return src.SubscribeFiltered(func(e events.Event) bool {
		return e.Type == events.EventServiceUnhealthy && e.Service != ""
	}, func(e events.Event) {
		if err := m.Trigger(e.Service); err != nil && !errors.Is(err, ErrRecoveryInProgress) {
			m.logger.WithError(err).WithField("service", e.Service).Debug("recovery not started")
		}
	})
}

// Trigger starts a background restart of id unless the policy forbids it.
func (m *Manager) Trigger(id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	cfg := m.config(id)
	if cfg.Strategy == StrategyNone {
		m.mu.Unlock()
		return ErrRecoveryDisabled
	}

	st := m.state(id)
	if st.InProgress {
		m.mu.Unlock()
		return ErrRecoveryInProgress
	}
	if st.CircuitOpen {
		if m.now().Sub(st.CircuitOpened) < cfg.CircuitBreakerResetTime {
			m.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		// half-open
		st.CircuitOpen = false
		st.Attempts = 0
	}
	if cfg.MaxRetries > 0 && st.Attempts >= cfg.MaxRetries {
		m.mu.Unlock()
		return ErrMaxRetriesExceeded
	}

	st.InProgress = true
	st.Attempts++
	attempt := st.Attempts
	m.wg.Add(1)
	m.mu.Unlock()

	events.NewEvent(events.EventRecoveryStarted).
		Service(id).
		Component("recovery").
		Severity(events.SeverityWarning).
		Metadata("strategy", string(cfg.Strategy)).
		Metadata("attempt", strconv.Itoa(attempt)).
		LogTo(m.events)

	go func() {
		defer m.wg.Done()
		m.run(id, cfg, attempt)
	}()
	return nil
}

func (m *Manager) run(id string, cfg Config, attempt int) {
	start := m.now()

	if delay := Delay(cfg, attempt); attempt > 1 && delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			m.complete(id, cfg, attempt, ErrRecoveryAborted, start)
			return
		}
	}

	ctx := m.ctx
	if cfg.RestartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RestartTimeout)
		defer cancel()
	}
	err := m.restarter.RestartService(ctx, id)
	m.complete(id, cfg, attempt, err, start)
}

func (m *Manager) complete(id string, cfg Config, attempt int, err error, start time.Time) {
	duration := m.now().Sub(start)

	m.mu.Lock()
	st := m.state(id)
	st.InProgress = false
	st.LastAttempt = m.now()
	onEnd := m.onEnd
	if err != nil {
		st.LastError = err.Error()
		st.NextRetry = st.LastAttempt.Add(Delay(cfg, attempt+1))
		if cfg.Strategy == StrategyCircuitBreaker && st.Attempts >= cfg.CircuitBreakerThreshold {
			st.CircuitOpen = true
			st.CircuitOpened = st.LastAttempt
		}
	} else {
		st.Attempts = 0
		st.LastError = ""
		st.NextRetry = time.Time{}
		st.CircuitOpen = false
	}
	m.mu.Unlock()

	log := m.logger.WithField("service", id).WithField("attempt", attempt)
	switch {
	case errors.Is(err, ErrRecoveryAborted):
		events.NewEvent(events.EventRecoveryAborted).
			Service(id).
			Component("recovery").
			Severity(events.SeverityWarning).
			LogTo(m.events)
		log.Info("recovery aborted")
	case err != nil:
		events.NewEvent(events.EventRecoveryFailed).
			Service(id).
			Component("recovery").
			Severity(events.SeverityError).
			ErrorFrom(err).
			Duration(duration).
			Metadata("attempt", strconv.Itoa(attempt)).
			LogTo(m.events)
		log.WithError(err).Warn("recovery attempt failed")
	default:
		events.NewEvent(events.EventRecoverySucceeded).
			Service(id).
			Component("recovery").
			Duration(duration).
			Metadata("attempt", strconv.Itoa(attempt)).
			LogTo(m.events)
		log.Info("service recovered")
	}

	if onEnd != nil {
		onEnd(id, attempt, err)
	}
}

// Delay returns the wait before the given attempt under cfg.
func Delay(cfg Config, attempt int) time.Duration {
	if attempt <= 1 || cfg.Strategy != StrategyBackoff {
		return cfg.InitialDelay
	}
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			return cfg.MaxDelay
		}
	}
	return time.Duration(delay)
}

func (m *Manager) config(id string) Config {
	if cfg, ok := m.configs[id]; ok {
		return cfg
	}
	return m.defaultCfg
}

func (m *Manager) state(id string) *State {
	st, ok := m.states[id]
	if !ok {
		st = &State{Service: id}
		m.states[id] = st
	}
	return st
}

// States returns a copy of every service's recovery state, sorted by id.
func (m *Manager) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Reset clears the attempt count and circuit of id.
func (m *Manager) Reset(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok && !st.InProgress {
		*st = State{Service: id}
	}
}

// Shutdown aborts pending waits and waits for running restarts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
