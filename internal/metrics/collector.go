package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/service-tip-git/attachments/pkg/errors"
)

// Collector records attachment, provisioning and teardown metrics.
//
// A nil *Collector and a disabled one are both valid; every Record method is then a no-op.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	cacheCounter      *prometheus.CounterVec
	cachedTenants     prometheus.Gauge
	provisioning      *prometheus.CounterVec
	pollAttempts      prometheus.Histogram
	teardownDeleted   prometheus.Counter

	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// DefaultConfig returns the metrics configuration used when none is given.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "attachments",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to register metrics", err).
			WithComponent("metrics")
	}
	return c, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled
}

// Handler returns the Prometheus scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry so tests can gather from it.
func (c *Collector) Registry() *prometheus.Registry {
	if !c.enabled() {
		return nil
	}
	return c.registry
}

// RecordOperation records a storage or coordinator operation. size is the payload size in
// bytes, or zero when unknown.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, err error) {
	if !c.enabled() {
		return
	}
	success := err == nil

	c.mu.Lock()
	m, exists := c.operations[operation]
	if !exists {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
	if !success {
		c.RecordError(operation, err)
	}
}

// RecordError counts an error by operation and error code.
func (c *Collector) RecordError(operation string, err error) {
	if !c.enabled() || err == nil {
		return
	}
	c.errorCounter.With(prometheus.Labels{"operation": operation, "code": classifyError(err)}).Inc()
}

// RecordCacheHit records a tenant client cache hit
func (c *Collector) RecordCacheHit() {
	if !c.enabled() {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"result": "hit"}).Inc()
}

// RecordCacheMiss records a tenant client cache miss
func (c *Collector) RecordCacheMiss() {
	if !c.enabled() {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"result": "miss"}).Inc()
}

// SetCachedTenants updates the number of tenants with a cached client.
func (c *Collector) SetCachedTenants(n int) {
	if !c.enabled() {
		return
	}
	c.cachedTenants.Set(float64(n))
}

// RecordProvisioning counts a subscribe or unsubscribe outcome.
func (c *Collector) RecordProvisioning(event string, err error) {
	if !c.enabled() {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = classifyError(err)
	}
	c.provisioning.With(prometheus.Labels{"event": event, "outcome": outcome}).Inc()
}

// RecordPollAttempts observes how many status checks an async broker operation took.
func (c *Collector) RecordPollAttempts(n int) {
	if !c.enabled() {
		return
	}
	c.pollAttempts.Observe(float64(n))
}

// RecordTeardownDeleted adds the number of objects removed by a shared-bucket teardown.
func (c *Collector) RecordTeardownDeleted(n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.teardownDeleted.Add(float64(n))
}

// Snapshot returns a copy of the per-operation counters.
func (c *Collector) Snapshot() map[string]OperationMetrics {
	out := make(map[string]OperationMetrics)
	if !c.enabled() {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// Uptime returns the time since the collector was created or last reset.
func (c *Collector) Uptime() time.Duration {
	if !c.enabled() {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastReset)
}

// ResetMetrics clears the per-operation counters. Prometheus series are left untouched.
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "operations_total",
		Help: "Total number of attachment operations",
	}, []string{"operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_duration_seconds",
		Help:    "Duration of attachment operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"operation"})

	c.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "operation_size_bytes",
		Help:    "Size of attachment payloads in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 12), // 1KB to ~4GB
	}, []string{"operation"})

	c.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "errors_total",
		Help: "Total number of errors by operation and error code",
	}, []string{"operation", "code"})

	c.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "tenant_cache_requests_total",
		Help: "Tenant client cache lookups",
	}, []string{"result"})

	c.cachedTenants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "cached_tenants",
		Help: "Number of tenants with a cached object store client",
	})

	c.provisioning = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "provisioning_total",
		Help: "Tenant subscribe and unsubscribe outcomes",
	}, []string{"event", "outcome"})

	c.pollAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "broker_poll_attempts",
		Help:    "Status checks per asynchronous broker operation",
		Buckets: prometheus.LinearBuckets(1, 2, 8),
	})

	c.teardownDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "teardown_objects_deleted_total",
		Help: "Objects removed from the shared bucket on tenant unsubscribe",
	})
}

func (c *Collector) registerMetrics() error {
	for _, metric := range []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
		c.cacheCounter,
		c.cachedTenants,
		c.provisioning,
		c.pollAttempts,
		c.teardownDeleted,
	} {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	if ae, ok := errors.As(err); ok {
		return string(ae.Code)
	}
	return "other"
}
