package orchestrator

import (
	"time"

	"github.com/FairForge/loadgrid/internal/degrade"
	"github.com/FairForge/loadgrid/internal/loadgen"
	"github.com/FairForge/loadgrid/internal/metrics"
)

// CriterionResult grades one success criterion against the final
// stats. Margin is positive when the target was met with room to
// spare.
type CriterionResult struct {
	Criterion Criterion `json:"criterion"`
	Actual    float64   `json:"actual"`
	Met       bool      `json:"met"`
	Margin    float64   `json:"margin"`
}

// TestResults is the immutable outcome of one run: final aggregated
// metrics, the full degradation event history, and the criteria
// evaluation.
type TestResults struct {
	RunID        string    `json:"run_id"`
	ScenarioID   string    `json:"scenario_id,omitempty"`
	ScenarioName string    `json:"scenario_name"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`

	ActiveSeconds float64 `json:"active_seconds"`
	PausedSeconds float64 `json:"paused_seconds"`

	ExternallyStopped bool   `json:"externally_stopped,omitempty"`
	StopReason        string `json:"stop_reason,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`

	Success      bool    `json:"success"`
	CriticalPass bool    `json:"critical_pass"`
	Score        float64 `json:"score"` // percentage of criteria met

	Stats       metrics.AggregatedStats `json:"stats"`
	Totals      loadgen.Totals          `json:"totals"`
	Events      []degrade.Event         `json:"events"`
	Degradation degrade.Statistics      `json:"degradation"`
	Criteria    []CriterionResult       `json:"criteria"`
}

// evaluateCriteria grades every criterion. overallPass requires all of
// them; criticalPass only the critical ones.
func evaluateCriteria(criteria []Criterion, stats metrics.AggregatedStats, totals loadgen.Totals) (results []CriterionResult, overallPass, criticalPass bool, score float64) {
	overallPass = true
	criticalPass = true

	passed := 0
	for _, c := range criteria {
		actual := extractMetric(c.Metric, stats, totals)
		met := compare(actual, c.Target, c.Comparator)

		margin := c.Target - actual
		if c.Comparator == ComparatorGreaterThan || c.Comparator == ComparatorGreaterOrEqual {
			margin = actual - c.Target
		}

		results = append(results, CriterionResult{
			Criterion: c,
			Actual:    actual,
			Met:       met,
			Margin:    margin,
		})
		if met {
			passed++
			continue
		}
		overallPass = false
		if c.Critical {
			criticalPass = false
		}
	}

	if len(criteria) > 0 {
		score = float64(passed) / float64(len(criteria)) * 100
	} else {
		score = 100
	}
	return results, overallPass, criticalPass, score
}

func extractMetric(metric CriterionMetric, stats metrics.AggregatedStats, totals loadgen.Totals) float64 {
	switch metric {
	case CriterionErrorRate:
		return stats.ErrorRate
	case CriterionSuccessRate:
		return stats.SuccessRate
	case CriterionThroughput:
		return stats.AvgThroughput
	case CriterionAvgResponseMs:
		return stats.AvgResponseMs
	case CriterionP50ResponseMs:
		return stats.P50ResponseMs
	case CriterionP95ResponseMs:
		return stats.P95ResponseMs
	case CriterionP99ResponseMs:
		return stats.P99ResponseMs
	case CriterionTimeoutCount:
		return float64(totals.Timeouts)
	}
	return 0
}

func compare(actual, target float64, comp Comparator) bool {
	switch comp {
	case ComparatorLessThan:
		return actual < target
	case ComparatorLessOrEqual:
		return actual <= target
	case ComparatorGreaterThan:
		return actual > target
	case ComparatorGreaterOrEqual:
		return actual >= target
	}
	return false
}
