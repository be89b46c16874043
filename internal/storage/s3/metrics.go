package s3

import (
	"sync"
	"time"
)

// StoreMetrics tracks S3 store request metrics
type StoreMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`

	AcceleratedUploads int64 `json:"accelerated_uploads"`
	FallbackEvents     int64 `json:"fallback_events"`

	CircuitState string `json:"circuit_state"`
}

// metricsCollector aggregates StoreMetrics.
type metricsCollector struct {
	mu      sync.RWMutex
	metrics StoreMetrics
}

func (mc *metricsCollector) recordRequest(duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.Requests++
	if err != nil {
		mc.metrics.Errors++
		mc.metrics.LastError = err.Error()
		mc.metrics.LastErrorTime = time.Now()
	}

	// Rolling average latency
	if mc.metrics.Requests == 1 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = time.Duration(
			(int64(mc.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (mc *metricsCollector) recordUpload(bytes int64, accelerated bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.BytesUploaded += bytes
	if accelerated {
		mc.metrics.AcceleratedUploads++
	}
}

func (mc *metricsCollector) recordDownload(bytes int64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.BytesDownloaded += bytes
}

func (mc *metricsCollector) recordFallback() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.metrics.FallbackEvents++
}

func (mc *metricsCollector) snapshot() StoreMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}

// ErrorRate returns the fraction of requests that failed.
func (m StoreMetrics) ErrorRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Errors) / float64(m.Requests)
}
