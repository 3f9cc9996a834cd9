package background

import (
	"runtime"
	"time"
)

// Metrics is a point-in-time aggregate over the orchestrator's counters.
// Memory and CPU figures are rough estimates (heap stats and a projection
// from active task count), useful for trends, not for alerting.
type Metrics struct {
	TotalSearches          int64   `json:"totalSearches"`
	CompletedSearches      int64   `json:"completedSearches"`
	FailedSearches         int64   `json:"failedSearches"`
	AverageSearchTimeMS    float64 `json:"averageSearchTimeMs"`
	AverageQueueWaitMS     float64 `json:"averageQueueWaitMs"`
	CacheHitRate           float64 `json:"cacheHitRate"`
	ConcurrencyUtilization float64 `json:"concurrencyUtilization"` // percent
	MemoryUtilization      float64 `json:"memoryUtilization"`      // percent of soft limit
	CPUUtilization         float64 `json:"cpuUtilization"`         // percent, estimated
}

// QueueInfo summarizes scheduling pressure for dashboards.
type QueueInfo struct {
	QueueLength     int     `json:"queueLength"`
	ActiveSearches  int     `json:"activeSearches"`
	MaxConcurrent   int     `json:"maxConcurrent"`
	UtilizationRate float64 `json:"utilizationRate"` // 0..1
}

// StatusInfo answers "where is this conversation's search right now".
type StatusInfo struct {
	Status        Status `json:"status"`
	Stage         string `json:"progress,omitempty"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

// estimateMemoryPct reads heap usage and scales it against the soft limit.
func estimateMemoryPct(softLimitMB int) float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	limit := float64(softLimitMB) * 1024 * 1024
	if limit <= 0 {
		return 0
	}
	pct := float64(ms.HeapAlloc) / limit * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// estimateCPUPct projects CPU pressure from how much of the concurrency
// budget is in use. It is a rough figure that only needs to grow with
// the active count.
func estimateCPUPct(active, maxConcurrent int, softLimitPct float64) float64 {
	if maxConcurrent <= 0 {
		return 0
	}
	pct := float64(active) / float64(maxConcurrent) * softLimitPct
	if pct > 100 {
		pct = 100
	}
	return pct
}

func meanWaitMS(waits []time.Duration) float64 {
	if len(waits) == 0 {
		return 0
	}
	var total time.Duration
	for _, w := range waits {
		total += w
	}
	return float64(total.Milliseconds()) / float64(len(waits))
}
