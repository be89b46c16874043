package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/boxfs/internal/logging"
	"github.com/objectfs/boxfs/pkg/errors"
)

// Collector records driver, cache, transfer and change notification metrics
// and serves them in Prometheus format.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	cacheCounter      *prometheus.CounterVec
	transferBytes     *prometheus.CounterVec
	transferDuration  *prometheus.HistogramVec
	eventCounter      *prometheus.CounterVec
	openHandles       prometheus.Gauge

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`

	Logger *zap.Logger `yaml:"-"`
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

// DefaultConfig returns the configuration used when NewCollector gets nil.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      8080,
		Path:      "/metrics",
		Namespace: "boxfs",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector. A disabled collector accepts
// every Record call and does nothing.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Collector{
		config: config,
		logger: logging.OrNop(config.Logger).Named("metrics"),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Handler returns the HTTP handler serving the metrics and debug endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if !c.config.Enabled {
		mux.HandleFunc("/health", c.healthHandler)
		return mux
	}
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// Start serves the metrics endpoint until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	c.logger.Info("serving metrics", zap.Int("port", c.config.Port), zap.String("path", c.config.Path))
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one driver operation.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
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

	c.operationCounter.WithLabelValues(operation, status(success)).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError counts a failed operation under its error code.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
}

func (c *Collector) RecordCacheHit() {
	if c.config.Enabled {
		c.cacheCounter.WithLabelValues("hit").Inc()
	}
}

func (c *Collector) RecordCacheMiss() {
	if c.config.Enabled {
		c.cacheCounter.WithLabelValues("miss").Inc()
	}
}

// RecordTransfer records a finished download or upload.
func (c *Collector) RecordTransfer(direction string, bytes int64, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	c.transferBytes.WithLabelValues(direction, status(err == nil)).Add(float64(bytes))
	c.transferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordEvent counts a change notification and whether it touched the cache.
func (c *Collector) RecordEvent(kind string, applied bool) {
	if !c.config.Enabled {
		return
	}
	outcome := "dropped"
	if applied {
		outcome = "applied"
	}
	c.eventCounter.WithLabelValues(kind, outcome).Inc()
}

// SetOpenHandles reports the number of open file handles of the mount.
func (c *Collector) SetOpenHandles(n int) {
	if c.config.Enabled {
		c.openHandles.Set(float64(n))
	}
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// GetMetrics returns a copy of the per-operation tracking.
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets the per-operation tracking. Prometheus counters keep
// their values.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}
	histogram := func(name, help string, buckets []float64) prometheus.HistogramOpts {
		o := opts(name, help)
		return prometheus.HistogramOpts{
			Namespace:   o.Namespace,
			Subsystem:   o.Subsystem,
			Name:        o.Name,
			Help:        o.Help,
			ConstLabels: o.ConstLabels,
			Buckets:     buckets,
		}
	}

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("operations_total", "Total number of filesystem operations")),
		[]string{"operation", "status"},
	)
	c.operationDuration = prometheus.NewHistogramVec(
		histogram("operation_duration_seconds", "Duration of filesystem operations in seconds",
			prometheus.ExponentialBuckets(0.001, 2, 15)), // 1ms to ~16s
		[]string{"operation"},
	)
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("errors_total", "Total number of failed operations by error code")),
		[]string{"operation", "code"},
	)
	c.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("entry_cache_requests_total", "Entry cache listing lookups")),
		[]string{"type"},
	)
	c.transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("transfer_bytes_total", "Bytes moved by finished transfers")),
		[]string{"direction", "status"},
	)
	c.transferDuration = prometheus.NewHistogramVec(
		histogram("transfer_duration_seconds", "Duration of transfers in seconds",
			prometheus.ExponentialBuckets(0.01, 2, 15)),
		[]string{"direction"},
	)
	c.eventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("change_events_total", "Remote change notifications received")),
		[]string{"kind", "outcome"},
	)
	c.openHandles = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("open_handles", "Number of open file handles")),
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.errorCounter,
		c.cacheCounter,
		c.transferBytes,
		c.transferDuration,
		c.eventCounter,
		c.openHandles,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func classifyError(err error) string {
	code := errors.CodeOf(err)
	if code == "" {
		return "other"
	}
	return string(code)
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"boxfs-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	ops := c.GetMetrics()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	c.mu.RLock()
	since := c.lastReset
	c.mu.RUnlock()

	type row struct {
		Operation string `json:"operation"`
		OperationMetrics
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		rows = append(rows, row{Operation: name, OperationMetrics: ops[name]})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"since":      since,
		"uptime":     time.Since(since).String(),
		"operations": rows,
	})
}
