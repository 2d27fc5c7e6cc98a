package degrade

import (
	"errors"
	"fmt"
)

// Cutoffs holds the per-level numeric cutoffs for one dimension. For
// rising dimensions (error rate, latency, CPU, memory, timeout rate)
// a measurement at or above a cutoff reaches that level; for the agent
// health dimension a measurement at or below a cutoff reaches it.
type Cutoffs struct {
	Moderate float64 `yaml:"moderate" json:"moderate"`
	Severe   float64 `yaml:"severe" json:"severe"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Thresholds configures every scored dimension. Supplied at detector
// construction; may be swapped between runs, never mid-run.
type Thresholds struct {
	ErrorRate     Cutoffs `yaml:"error_rate" json:"error_rate"`         // fraction, 0.0-1.0
	P99LatencyMs  Cutoffs `yaml:"p99_latency_ms" json:"p99_latency_ms"` // milliseconds
	CPUPercent    Cutoffs `yaml:"cpu_percent" json:"cpu_percent"`
	MemoryPercent Cutoffs `yaml:"memory_percent" json:"memory_percent"`
	TimeoutRate   Cutoffs `yaml:"timeout_rate" json:"timeout_rate"` // fraction, 0.0-1.0
	AgentHealth   Cutoffs `yaml:"agent_health" json:"agent_health"` // 0-100, lower is worse
}

// DefaultThresholds returns production defaults.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		ErrorRate:     Cutoffs{Moderate: 0.01, Severe: 0.05, Critical: 0.10},
		P99LatencyMs:  Cutoffs{Moderate: 3000, Severe: 5000, Critical: 10000},
		CPUPercent:    Cutoffs{Moderate: 75, Severe: 85, Critical: 95},
		MemoryPercent: Cutoffs{Moderate: 80, Severe: 90, Critical: 95},
		TimeoutRate:   Cutoffs{Moderate: 0.02, Severe: 0.05, Critical: 0.10},
		AgentHealth:   Cutoffs{Moderate: 70, Severe: 50, Critical: 30},
	}
}

// Validate checks that each dimension's cutoffs are a well-formed
// range: strictly ordered in the direction the dimension degrades.
func (t *Thresholds) Validate() error {
	rising := map[string]Cutoffs{
		"error_rate":     t.ErrorRate,
		"p99_latency_ms": t.P99LatencyMs,
		"cpu_percent":    t.CPUPercent,
		"memory_percent": t.MemoryPercent,
		"timeout_rate":   t.TimeoutRate,
	}
	for name, c := range rising {
		if !(c.Moderate < c.Severe && c.Severe < c.Critical) {
			return fmt.Errorf("degrade: %s cutoffs must be strictly increasing", name)
		}
		if c.Moderate < 0 {
			return fmt.Errorf("degrade: %s cutoffs must not be negative", name)
		}
	}
	if !(t.AgentHealth.Moderate > t.AgentHealth.Severe && t.AgentHealth.Severe > t.AgentHealth.Critical) {
		return errors.New("degrade: agent_health cutoffs must be strictly decreasing")
	}
	if t.ErrorRate.Critical > 1 || t.TimeoutRate.Critical > 1 {
		return errors.New("degrade: rate cutoffs must stay within 0.0-1.0")
	}
	return nil
}
