package s3

import (
	"sync"
	"time"
)

// StoreStats tracks per-bucket request statistics.
type StoreStats struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	ObjectsDeleted  int64         `json:"objects_deleted"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// statsRecorder aggregates StoreStats for one Store.
type statsRecorder struct {
	mu    sync.RWMutex
	stats StoreStats
}

func (r *statsRecorder) record(duration time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Requests++
	if err != nil {
		r.stats.Errors++
		r.stats.LastError = err.Error()
		r.stats.LastErrorTime = time.Now()
	}

	// Rolling average latency
	if r.stats.Requests == 1 {
		r.stats.AverageLatency = duration
	} else {
		r.stats.AverageLatency = time.Duration(
			(int64(r.stats.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (r *statsRecorder) addUploaded(n int64) {
	r.mu.Lock()
	r.stats.BytesUploaded += n
	r.mu.Unlock()
}

func (r *statsRecorder) addDownloaded(n int64) {
	r.mu.Lock()
	r.stats.BytesDownloaded += n
	r.mu.Unlock()
}

func (r *statsRecorder) addDeleted(n int) {
	r.mu.Lock()
	r.stats.ObjectsDeleted += int64(n)
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() StoreStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// ErrorRate returns the share of requests that failed.
func (s StoreStats) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Requests)
}
