// Package bus bounds concurrent work on the orchestrator's internal paths:
// command-handler dispatch in the chat engine and lifecycle publishing in
// the registry. Each path gets its own Limiter so a slow broker can never
// starve message handling.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrLimitExceeded  = errors.New("concurrency limit exceeded")
	ErrAcquireTimeout = errors.New("acquire timeout")
	ErrLimiterClosed  = errors.New("limiter is closed")
)

// Kind names a bounded path.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindPublish  Kind = "publish"
)

// LimiterConfig holds configuration for a Limiter.
type LimiterConfig struct {
	// MaxConcurrent is the number of permits. 0 means unlimited.
	MaxConcurrent int
	// AcquireTimeout bounds the wait for a permit. 0 waits until ctx is done.
	AcquireTimeout time.Duration
	// QueueSize caps the number of waiters. 0 means unlimited.
	QueueSize int
}

// DefaultLimiterConfig returns the dispatch defaults.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxConcurrent:  64,
		AcquireTimeout: 10 * time.Second,
		QueueSize:      1024,
	}
}

// Limiter is a counting semaphore with a bounded wait queue.
type Limiter struct {
	mu      sync.Mutex
	config  LimiterConfig
	permits chan struct{}
	closed  bool

	waiting int32
	active  int32

	totalAcquired int64
	totalRejected int64
	totalTimeouts int64
}

// NewLimiter creates a limiter with all permits available.
func NewLimiter(config LimiterConfig) *Limiter {
	l := &Limiter{config: config}
	if config.MaxConcurrent > 0 {
		l.permits = make(chan struct{}, config.MaxConcurrent)
		for i := 0; i < config.MaxConcurrent; i++ {
			l.permits <- struct{}{}
		}
	}
	return l
}

func (l *Limiter) granted() {
	atomic.AddInt32(&l.active, 1)
	atomic.AddInt64(&l.totalAcquired, 1)
}

// Acquire blocks until a permit is available, ctx is done or the
// configured timeout elapses.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.config.MaxConcurrent <= 0 {
		l.granted()
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLimiterClosed
	}
	if l.config.QueueSize > 0 && int(atomic.LoadInt32(&l.waiting)) >= l.config.QueueSize {
		l.mu.Unlock()
		atomic.AddInt64(&l.totalRejected, 1)
		return ErrLimitExceeded
	}
	atomic.AddInt32(&l.waiting, 1)
	l.mu.Unlock()
	defer atomic.AddInt32(&l.waiting, -1)

	var timeout <-chan time.Time
	if l.config.AcquireTimeout > 0 {
		timer := time.NewTimer(l.config.AcquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case _, ok := <-l.permits:
		if !ok {
			return ErrLimiterClosed
		}
		l.granted()
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ctx.Err()
	case <-timeout:
		atomic.AddInt64(&l.totalTimeouts, 1)
		return ErrAcquireTimeout
	}
}

// TryAcquire takes a permit without blocking.
func (l *Limiter) TryAcquire() bool {
	if l.config.MaxConcurrent <= 0 {
		l.granted()
		return true
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false
	}

	select {
	case _, ok := <-l.permits:
		if !ok {
			return false
		}
		l.granted()
		return true
	default:
		atomic.AddInt64(&l.totalRejected, 1)
		return false
	}
}

// Release returns a permit. Every successful Acquire must be paired with
// exactly one Release.
func (l *Limiter) Release() {
	atomic.AddInt32(&l.active, -1)
	if l.permits == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.permits <- struct{}{}:
	default:
	}
}

// Close fails all current and future waiters with ErrLimiterClosed.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if l.permits != nil {
		close(l.permits)
	}
}

// Do runs fn while holding a permit.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// Stats is a point-in-time view of a limiter.
type Stats struct {
	MaxConcurrent int   `json:"max_concurrent"`
	Active        int   `json:"active"`
	Waiting       int   `json:"waiting"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalRejected int64 `json:"total_rejected"`
	TotalTimeouts int64 `json:"total_timeouts"`
}

// Stats returns current statistics.
func (l *Limiter) Stats() Stats {
	return Stats{
		MaxConcurrent: l.config.MaxConcurrent,
		Active:        l.Active(),
		Waiting:       int(atomic.LoadInt32(&l.waiting)),
		TotalAcquired: atomic.LoadInt64(&l.totalAcquired),
		TotalRejected: atomic.LoadInt64(&l.totalRejected),
		TotalTimeouts: atomic.LoadInt64(&l.totalTimeouts),
	}
}

// Active returns the number of held permits.
func (l *Limiter) Active() int {
	return int(atomic.LoadInt32(&l.active))
}

// Available returns the number of free permits, or -1 when unlimited.
func (l *Limiter) Available() int {
	if l.config.MaxConcurrent <= 0 {
		return -1
	}
	return l.config.MaxConcurrent - l.Active()
}

// Set holds one Limiter per Kind. Kinds without a limiter are unbounded.
type Set struct {
	mu       sync.RWMutex
	limiters map[Kind]*Limiter
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{limiters: make(map[Kind]*Limiter)}
}

// Configure installs a fresh limiter for kind, closing any previous one.
func (s *Set) Configure(kind Kind, config LimiterConfig) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.limiters[kind]; ok {
		existing.Close()
	}
	l := NewLimiter(config)
	s.limiters[kind] = l
	return l
}

// For returns the limiter of kind, or nil.
func (s *Set) For(kind Kind) *Limiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiters[kind]
}

// Do runs fn under the limiter of kind, or directly when none is configured.
func (s *Set) Do(ctx context.Context, kind Kind, fn func(context.Context) error) error {
	if l := s.For(kind); l != nil {
		return l.Do(ctx, fn)
	}
	return fn(ctx)
}

// Stats returns statistics for every configured kind.
func (s *Set) Stats() map[Kind]Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Kind]Stats, len(s.limiters))
	for kind, l := range s.limiters {
		out[kind] = l.Stats()
	}
	return out
}

// Close closes all limiters.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.limiters {
		l.Close()
	}
	s.limiters = make(map[Kind]*Limiter)
}
