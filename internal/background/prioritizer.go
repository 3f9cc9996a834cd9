package background

import (
	"strings"

	"github.com/noa10/mataresit-app-sub010/internal/search"
)

// LoadSnapshot is what a priority policy sees of the orchestrator at
// submission time. Utilization figures are estimates, not measurements.
type LoadSnapshot struct {
	ActiveSearches    int
	QueueLength       int
	CPUUtilization    float64
	MemoryUtilization float64
	AvgSearchTimeMS   float64
	ErrorRate         float64
}

// PriorityPolicy assigns an initial priority to a new search. Callers may
// still override the result per task via StartOptions.
type PriorityPolicy func(query string, params search.Params, load LoadSnapshot) Priority

var (
	urgencyKeywords    = []string{"urgent", "asap", "immediately", "now", "emergency"}
	importanceKeywords = []string{"important", "critical", "need", "must", "required"}
	deferralKeywords   = []string{"maybe", "perhaps", "sometime", "eventually", "when possible"}
)

const complexQueryLength = 100
const complexFilterCount = 3

// DefaultPriorityPolicy applies keyword heuristics first (urgency, then
// importance, then deferability), then treats long or heavily filtered
// queries as high priority so they finish sooner.
func DefaultPriorityPolicy(query string, params search.Params, _ LoadSnapshot) Priority {
	lowered := strings.ToLower(query)

	for _, kw := range urgencyKeywords {
		if strings.Contains(lowered, kw) {
			return PriorityUrgent
		}
	}
	for _, kw := range importanceKeywords {
		if strings.Contains(lowered, kw) {
			return PriorityHigh
		}
	}
	for _, kw := range deferralKeywords {
		if strings.Contains(lowered, kw) {
			return PriorityLow
		}
	}

	if len(query) > complexQueryLength || params.FilterCount() > complexFilterCount {
		return PriorityHigh
	}
	return PriorityNormal
}
