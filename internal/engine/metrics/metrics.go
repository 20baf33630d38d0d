// Package metrics provides orchestrator metrics collection. It wraps
// Prometheus collectors for service lifecycle, dependency resolution, chat
// dispatch and the store/broker ports.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records orchestrator metrics into its own Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	serviceStatus       *prometheus.GaugeVec
	serviceStartLatency *prometheus.HistogramVec
	serviceStopLatency  *prometheus.HistogramVec
	serviceFailures     *prometheus.CounterVec
	servicesRegistered  prometheus.Gauge

	dependencyMissing *prometheus.CounterVec
	dependencyCycles  prometheus.Counter

	snapshotWrites *prometheus.CounterVec

	messagesTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	dispatchQueued  prometheus.Gauge

	storeOps   *prometheus.CounterVec
	brokerPubs *prometheus.CounterVec

	uptime    prometheus.Gauge
	startTime time.Time

	mu sync.RWMutex
}

// NewCollector creates a collector. An empty namespace defaults to "orchestrator".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "orchestrator"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.serviceStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Current status of a service (0=stopped, 1=initializing, 2=running, 3=error)",
		},
		[]string{"service", "type"},
	)

	c.serviceStartLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Time taken to start a service",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"service", "result"},
	)

	c.serviceStopLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stop_duration_seconds",
			Help:      "Time taken to stop a service",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"service", "result"},
	)

	c.serviceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "failures_total",
			Help:      "Total number of service failures",
		},
		[]string{"service", "phase"},
	)

	c.servicesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "services",
			Help:      "Number of services held by the registry",
		},
	)

	c.dependencyMissing = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "missing_total",
			Help:      "Total number of registrations rejected for a missing or unhealthy dependency",
		},
		[]string{"dependency"},
	)

	c.dependencyCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "cycles_detected_total",
			Help:      "Total number of dependency cycles found while restoring state",
		},
	)

	c.snapshotWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "snapshot_writes_total",
			Help:      "Total number of registry snapshot writes",
		},
		[]string{"result"},
	)

	c.messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Total number of chat messages by type and outcome",
		},
		[]string{"type", "result"},
	)

	c.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in a command handler",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"handler"},
	)

	c.dispatchQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "dispatch_in_flight",
			Help:      "Current number of handler calls holding a dispatch slot",
		},
	)

	c.storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of key-value store operations",
		},
		[]string{"op", "result"},
	)

	c.brokerPubs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publish_total",
			Help:      "Total number of lifecycle events published",
		},
		[]string{"event", "result"},
	)

	c.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Orchestrator uptime in seconds",
		},
	)

	c.registry.MustRegister(
		c.serviceStatus,
		c.serviceStartLatency,
		c.serviceStopLatency,
		c.serviceFailures,
		c.servicesRegistered,
		c.dependencyMissing,
		c.dependencyCycles,
		c.snapshotWrites,
		c.messagesTotal,
		c.dispatchLatency,
		c.dispatchQueued,
		c.storeOps,
		c.brokerPubs,
		c.uptime,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordServiceStatus records the current status of a service.
func (c *Collector) RecordServiceStatus(service, serviceType string, status int) {
	c.serviceStatus.WithLabelValues(service, serviceType).Set(float64(status))
}

// ForgetService drops the status series of a removed service.
func (c *Collector) ForgetService(service, serviceType string) {
	c.serviceStatus.DeleteLabelValues(service, serviceType)
}

// RecordServiceStart records service start latency and counts failures.
func (c *Collector) RecordServiceStart(service string, duration time.Duration, err error) {
	c.serviceStartLatency.WithLabelValues(service, result(err)).Observe(duration.Seconds())
	if err != nil {
		c.serviceFailures.WithLabelValues(service, "start").Inc()
	}
}

// RecordServiceStop records service stop latency and counts failures.
func (c *Collector) RecordServiceStop(service string, duration time.Duration, err error) {
	c.serviceStopLatency.WithLabelValues(service, result(err)).Observe(duration.Seconds())
	if err != nil {
		c.serviceFailures.WithLabelValues(service, "stop").Inc()
	}
}

// RecordServiceFailure records a failure outside start/stop, e.g. a health check.
func (c *Collector) RecordServiceFailure(service, phase string) {
	c.serviceFailures.WithLabelValues(service, phase).Inc()
}

// RecordServiceCount records how many services the registry holds.
func (c *Collector) RecordServiceCount(n int) {
	c.servicesRegistered.Set(float64(n))
}

// RecordDependencyMissing records a rejected dependency.
func (c *Collector) RecordDependencyMissing(dependency string) {
	c.dependencyMissing.WithLabelValues(dependency).Inc()
}

// RecordDependencyCycle records a detected dependency cycle.
func (c *Collector) RecordDependencyCycle() {
	c.dependencyCycles.Inc()
}

// RecordSnapshotWrite records a registry snapshot write.
func (c *Collector) RecordSnapshotWrite(err error) {
	c.snapshotWrites.WithLabelValues(result(err)).Inc()
}

// RecordMessage records a chat message outcome.
func (c *Collector) RecordMessage(messageType, outcome string) {
	c.messagesTotal.WithLabelValues(messageType, outcome).Inc()
}

// RecordDispatch records how long a handler took.
func (c *Collector) RecordDispatch(handler string, duration time.Duration) {
	c.dispatchLatency.WithLabelValues(handler).Observe(duration.Seconds())
}

// RecordDispatchInFlight records current handler concurrency.
func (c *Collector) RecordDispatchInFlight(n int) {
	c.dispatchQueued.Set(float64(n))
}

// RecordStoreOp records a key-value store operation.
func (c *Collector) RecordStoreOp(op string, err error) {
	c.storeOps.WithLabelValues(op, result(err)).Inc()
}

// RecordBrokerPublish records a broker publish.
func (c *Collector) RecordBrokerPublish(event string, err error) {
	c.brokerPubs.WithLabelValues(event, result(err)).Inc()
}

// UpdateUptime updates the uptime metric.
func (c *Collector) UpdateUptime() {
	c.mu.RLock()
	start := c.startTime
	c.mu.RUnlock()
	c.uptime.Set(time.Since(start).Seconds())
}

// Reset clears gauges and restarts the uptime clock.
func (c *Collector) Reset() {
	c.serviceStatus.Reset()
	c.servicesRegistered.Set(0)
	c.dispatchQueued.Set(0)
	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()
}

// NoOpCollector discards all metrics.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op metrics collector.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordServiceStatus(string, string, int)             {}
func (*NoOpCollector) ForgetService(string, string)                        {}
func (*NoOpCollector) RecordServiceStart(string, time.Duration, error)     {}
func (*NoOpCollector) RecordServiceStop(string, time.Duration, error)      {}
func (*NoOpCollector) RecordServiceFailure(string, string)                 {}
func (*NoOpCollector) RecordServiceCount(int)                              {}
func (*NoOpCollector) RecordDependencyMissing(string)                      {}
func (*NoOpCollector) RecordDependencyCycle()                              {}
func (*NoOpCollector) RecordSnapshotWrite(error)                           {}
func (*NoOpCollector) RecordMessage(string, string)                        {}
func (*NoOpCollector) RecordDispatch(string, time.Duration)                {}
func (*NoOpCollector) RecordDispatchInFlight(int)                          {}
func (*NoOpCollector) RecordStoreOp(string, error)                         {}
func (*NoOpCollector) RecordBrokerPublish(string, error)                   {}
func (*NoOpCollector) UpdateUptime()                                       {}
func (*NoOpCollector) Reset()                                              {}

// MetricsCollector is the interface for metrics collection.
type MetricsCollector interface {
	RecordServiceStatus(service, serviceType string, status int)
	ForgetService(service, serviceType string)
	RecordServiceStart(service string, duration time.Duration, err error)
	RecordServiceStop(service string, duration time.Duration, err error)
	RecordServiceFailure(service, phase string)
	RecordServiceCount(n int)
	RecordDependencyMissing(dependency string)
	RecordDependencyCycle()
	RecordSnapshotWrite(err error)
	RecordMessage(messageType, outcome string)
	RecordDispatch(handler string, duration time.Duration)
	RecordDispatchInFlight(n int)
	RecordStoreOp(op string, err error)
	RecordBrokerPublish(event string, err error)
	UpdateUptime()
	Reset()
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = (*NoOpCollector)(nil)
)
