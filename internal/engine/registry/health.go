package registry

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/orchestrator/internal/engine/events"
	"github.com/R3E-Network/orchestrator/internal/logging"
	"github.com/R3E-Network/orchestrator/services/base"
)

// DefaultHealthSchedule runs the sweep every thirty seconds.
const DefaultHealthSchedule = "@every 30s"

// HealthReport is the outcome of one sweep.
type HealthReport struct {
	CheckedAt time.Time         `json:"checked_at"`
	Checked   int               `json:"checked"`
	Unhealthy map[string]string `json:"unhealthy,omitempty"`
	Resynced  bool              `json:"resynced"`
}

// HealthMonitor periodically checks every registered service that
// implements base.HealthChecker, refreshes status metrics and optionally
// rewrites the snapshot so drift from other writers is repaired.
type HealthMonitor struct {
	reg     *Registry
	cron    *cron.Cron
	logger  *logging.Logger
	resync  bool
	timeout time.Duration

	mu   sync.RWMutex
	last HealthReport
}

// HealthOption configures a HealthMonitor.
type HealthOption func(*HealthMonitor)

// WithResync makes every sweep rewrite the registry snapshot.
func WithResync(enabled bool) HealthOption {
	return func(m *HealthMonitor) { m.resync = enabled }
}

// WithCheckTimeout bounds a single sweep.
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(m *HealthMonitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func WithHealthLogger(l *logging.Logger) HealthOption {
	return func(m *HealthMonitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewHealthMonitor schedules sweeps of reg on a cron spec such as
// "@every 30s" or "*/5 * * * *".
func NewHealthMonitor(reg *Registry, schedule string, opts ...HealthOption) (*HealthMonitor, error) {
	if schedule == "" {
		schedule = DefaultHealthSchedule
	}
	m := &HealthMonitor{
		reg:     reg,
		logger:  reg.logger.Named("health"),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}

	logger := cronLogger{m.logger}
	m.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := m.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		m.Check(ctx)
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins the schedule.
func (m *HealthMonitor) Start() {
	m.cron.Start()
	m.logger.Info("health monitor started")
}

// Stop halts the schedule and waits for a running sweep to finish or ctx
// to expire.
func (m *HealthMonitor) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	m.logger.Info("health monitor stopped")
}

// Last returns the most recent report.
func (m *HealthMonitor) Last() HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Check runs one sweep immediately.
func (m *HealthMonitor) Check(ctx context.Context) HealthReport {
	report := HealthReport{CheckedAt: time.Now().UTC()}

	for _, d := range m.reg.Services() {
		svc, ok := m.reg.Service(d.ID)
		if !ok {
			continue
		}
		report.Checked++
		m.reg.metrics.RecordServiceStatus(d.ID, string(d.Type), int(d.Status))

		checker, ok := svc.(base.HealthChecker)
		if !ok {
			continue
		}
		if err := checker.Health(ctx); err != nil {
			if report.Unhealthy == nil {
				report.Unhealthy = make(map[string]string)
			}
			report.Unhealthy[d.ID] = err.Error()
			m.reg.metrics.RecordServiceFailure(d.ID, "health")
			events.NewEvent(events.EventServiceUnhealthy).
				Service(d.ID).
				Component("health").
				Status(d.Status).
				ErrorFrom(err).
				LogToWithContext(ctx, m.reg.events)
			m.logger.WithError(err).WithField("service", d.ID).Warn("service unhealthy")
		}
	}

	if m.resync {
		if err := m.reg.Resync(ctx); err != nil {
			m.logger.WithError(err).Warn("snapshot resync failed")
		} else {
			report.Resynced = true
		}
	}
	m.reg.metrics.UpdateUptime()

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).WithFields(pairs(keysAndValues)).Error(msg)
}

func pairs(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			fields[key] = kv[i+1]
		}
	}
	return fields
}
