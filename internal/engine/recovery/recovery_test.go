package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/R3E-Network/orchestrator/internal/engine/events"
	"github.com/R3E-Network/orchestrator/internal/logging"
)

type fakeRestarter struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]error
	block chan struct{}
}

func newFakeRestarter() *fakeRestarter {
	return &fakeRestarter{
		calls: make(map[string]int),
		errs:  make(map[string]error),
	}
}

func (f *fakeRestarter) RestartService(ctx context.Context, id string) error {
	f.mu.Lock()
	f.calls[id]++
	err := f.errs[id]
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeRestarter) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func fastConfig(strategy Strategy) Config {
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

// newTestManager wires onEnd into a channel so tests can wait for attempts.
func newTestManager(r *fakeRestarter, opts ...Option) (*Manager, chan error) {
	ends := make(chan error, 16)
	opts = append([]Option{
		WithLogger(logging.NewNop()),
		WithConfig(fastConfig(StrategyRestart)),
		WithOnEnd(func(_ string, _ int, err error) { ends <- err }),
	}, opts...)
	return NewManager(r, opts...), ends
}

func waitEnd(t *testing.T, ends chan error) error {
	t.Helper()
	select {
	case err := <-ends:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("recovery attempt did not finish")
		return nil
	}
}

func TestTrigger_Success(t *testing.T) {
	r := newFakeRestarter()
	ring := events.NewRingBuffer(32)
	m, ends := newTestManager(r, WithEvents(ring))

	if err := m.Trigger("memory-system"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := waitEnd(t, ends); err != nil {
		t.Fatalf("attempt error: %v", err)
	}
	if r.count("memory-system") != 1 {
		t.Fatalf("restarts = %d", r.count("memory-system"))
	}

	states := m.States()
	if len(states) != 1 || states[0].Attempts != 0 || states[0].InProgress {
		t.Fatalf("state after success = %+v", states)
	}
	if len(ring.RecentByType(events.EventRecoveryStarted, 10)) != 1 {
		t.Fatal("missing recovery.started event")
	}
	if len(ring.RecentByType(events.EventRecoverySucceeded, 10)) != 1 {
		t.Fatal("missing recovery.succeeded event")
	}
}

func TestTrigger_FailureAndMaxRetries(t *testing.T) {
	r := newFakeRestarter()
	r.errs["kb"] = errors.New("still broken")
	cfg := fastConfig(StrategyRestart)
	cfg.MaxRetries = 2
	m, ends := newTestManager(r, WithConfig(cfg))

	for i := 0; i < 2; i++ {
		if err := m.Trigger("kb"); err != nil {
			t.Fatalf("Trigger %d: %v", i, err)
		}
		if err := waitEnd(t, ends); err == nil {
			t.Fatal("attempt should fail")
		}
	}
	if err := m.Trigger("kb"); !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("third Trigger = %v, want ErrMaxRetriesExceeded", err)
	}

	st := m.States()[0]
	if st.Attempts != 2 || st.LastError != "still broken" || st.NextRetry.IsZero() {
		t.Fatalf("state = %+v", st)
	}

	m.Reset("kb")
	if err := m.Trigger("kb"); err != nil {
		t.Fatalf("Trigger after Reset: %v", err)
	}
	waitEnd(t, ends)
}

func TestTrigger_Disabled(t *testing.T) {
	m, _ := newTestManager(newFakeRestarter(), WithServiceConfig("interactive-chat", Config{Strategy: StrategyNone}))
	if err := m.Trigger("interactive-chat"); !errors.Is(err, ErrRecoveryDisabled) {
		t.Fatalf("Trigger = %v, want ErrRecoveryDisabled", err)
	}
}

func TestTrigger_InProgress(t *testing.T) {
	r := newFakeRestarter()
	r.block = make(chan struct{})
	m, ends := newTestManager(r)

	if err := m.Trigger("kb"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if err := m.Trigger("kb"); !errors.Is(err, ErrRecoveryInProgress) {
		t.Fatalf("second Trigger = %v, want ErrRecoveryInProgress", err)
	}
	close(r.block)
	waitEnd(t, ends)
}

func TestTrigger_CircuitBreaker(t *testing.T) {
	r := newFakeRestarter()
	r.errs["kb"] = errors.New("boom")
	cfg := fastConfig(StrategyCircuitBreaker)
	cfg.MaxRetries = 0
	cfg.CircuitBreakerThreshold = 2
	cfg.CircuitBreakerResetTime = time.Hour
	m, ends := newTestManager(r, WithConfig(cfg))

	now := time.Now()
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	for i := 0; i < 2; i++ {
		if err := m.Trigger("kb"); err != nil {
			t.Fatalf("Trigger %d: %v", i, err)
		}
		waitEnd(t, ends)
	}
	if err := m.Trigger("kb"); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("Trigger = %v, want ErrCircuitBreakerOpen", err)
	}
	if !m.States()[0].CircuitOpen {
		t.Fatal("circuit should be open")
	}

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()
	delete(r.errs, "kb")
	if err := m.Trigger("kb"); err != nil {
		t.Fatalf("half-open Trigger: %v", err)
	}
	if err := waitEnd(t, ends); err != nil {
		t.Fatalf("half-open attempt: %v", err)
	}
	if m.States()[0].CircuitOpen {
		t.Fatal("circuit should close after a success")
	}
}

func TestDelay(t *testing.T) {
	backoff := Config{Strategy: StrategyBackoff, InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	tests := []struct {
		name    string
		cfg     Config
		attempt int
		want    time.Duration
	}{
		{"first attempt", backoff, 1, time.Second},
		{"second attempt doubles", backoff, 2, 2 * time.Second},
		{"third attempt doubles again", backoff, 3, 4 * time.Second},
		{"capped", backoff, 6, 5 * time.Second},
		{"restart is constant", Config{Strategy: StrategyRestart, InitialDelay: time.Second}, 4, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(tt.cfg, tt.attempt); got != tt.want {
				t.Fatalf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatch_TriggersOnUnhealthy(t *testing.T) {
	r := newFakeRestarter()
	ring := events.NewRingBuffer(32)
	m, ends := newTestManager(r)
	unsubscribe := m.Watch(ring)
	defer unsubscribe()

	events.NewEvent(events.EventServiceRegistered).Service("kb").LogTo(ring)
	events.NewEvent(events.EventServiceUnhealthy).Service("kb").LogTo(ring)

	waitEnd(t, ends)
	if r.count("kb") != 1 {
		t.Fatalf("restarts = %d, want 1", r.count("kb"))
	}
}

func TestShutdown_AbortsPendingBackoff(t *testing.T) {
	r := newFakeRestarter()
	r.errs["kb"] = errors.New("boom")
	cfg := fastConfig(StrategyBackoff)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	m, ends := newTestManager(r, WithConfig(cfg))

	// The first attempt runs immediately, the second waits for the backoff.
	if err := m.Trigger("kb"); err != nil {
		t.Fatal(err)
	}
	waitEnd(t, ends)
	if err := m.Trigger("kb"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := waitEnd(t, ends); !errors.Is(err, ErrRecoveryAborted) {
		t.Fatalf("pending attempt = %v, want ErrRecoveryAborted", err)
	}
	if r.count("kb") != 1 {
		t.Fatalf("restarts = %d, want 1", r.count("kb"))
	}
	if err := m.Trigger("kb"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("Trigger after Shutdown = %v", err)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy("circuit_breaker"); err != nil || s != StrategyCircuitBreaker {
		t.Fatalf("ParseStrategy = %v, %v", s, err)
	}
	if _, err := ParseStrategy("pray"); err == nil {
		t.Fatal("unknown strategy should fail")
	}
}
