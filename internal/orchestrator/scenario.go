package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/FairForge/loadgrid/internal/degrade"
	"github.com/FairForge/loadgrid/internal/loadgen"
)

// CriterionMetric identifies what a success criterion measures.
type CriterionMetric string

const (
	CriterionErrorRate     CriterionMetric = "error_rate"
	CriterionSuccessRate   CriterionMetric = "success_rate"
	CriterionThroughput    CriterionMetric = "throughput"
	CriterionAvgResponseMs CriterionMetric = "avg_response_ms"
	CriterionP50ResponseMs CriterionMetric = "p50_response_ms"
	CriterionP95ResponseMs CriterionMetric = "p95_response_ms"
	CriterionP99ResponseMs CriterionMetric = "p99_response_ms"
	CriterionTimeoutCount  CriterionMetric = "timeout_count"
)

// Comparator defines how the measured value is compared to the target.
type Comparator string

const (
	ComparatorLessThan       Comparator = "<"
	ComparatorLessOrEqual    Comparator = "<="
	ComparatorGreaterThan    Comparator = ">"
	ComparatorGreaterOrEqual Comparator = ">="
)

func (c Comparator) valid() bool {
	switch c {
	case ComparatorLessThan, ComparatorLessOrEqual, ComparatorGreaterThan, ComparatorGreaterOrEqual:
		return true
	}
	return false
}

// Criterion is one threshold the final result is graded against.
// Critical criteria decide the run's overall pass/fail.
type Criterion struct {
	Name       string          `yaml:"name" json:"name"`
	Metric     CriterionMetric `yaml:"metric" json:"metric"`
	Comparator Comparator      `yaml:"comparator" json:"comparator"`
	Target     float64         `yaml:"target" json:"target"`
	Critical   bool            `yaml:"critical" json:"critical"`
}

// Scenario describes one test run: a phased load profile, success
// criteria, and an optional failure-injection timeline. Immutable once
// loaded into an active run.
type Scenario struct {
	ID          string              `yaml:"id" json:"id"`
	Name        string              `yaml:"name" json:"name"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Duration    time.Duration       `yaml:"duration" json:"duration"`
	Phases      []loadgen.Phase     `yaml:"phases" json:"phases"`
	Injections  []loadgen.Injection `yaml:"injections,omitempty" json:"injections,omitempty"`
	Criteria    []Criterion         `yaml:"criteria" json:"criteria"`

	// Thresholds optionally overrides the detector defaults for this
	// run.
	Thresholds *degrade.Thresholds `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
}

// TotalPhaseDuration sums the load profile's phase durations.
func (s *Scenario) TotalPhaseDuration() time.Duration {
	var total time.Duration
	for _, p := range s.Phases {
		total += p.Duration
	}
	return total
}

// Validate checks the whole scenario and returns a ValidationError
// listing every violation found.
func (s *Scenario) Validate() error {
	var violations []string

	if s.Name == "" {
		violations = append(violations, "name is required")
	}
	if len(s.Phases) == 0 {
		violations = append(violations, "at least one load phase is required")
	}
	for i, p := range s.Phases {
		if p.TargetRPS <= 0 {
			violations = append(violations, fmt.Sprintf("phase %d (%s): target_rps must be positive", i, p.Name))
		}
		if p.Duration <= 0 {
			violations = append(violations, fmt.Sprintf("phase %d (%s): duration must be positive", i, p.Name))
		}
	}

	total := s.TotalPhaseDuration()
	if s.Duration != 0 && s.Duration != total {
		violations = append(violations, fmt.Sprintf(
			"duration %s does not match the sum of phase durations %s", s.Duration, total))
	}

	for i, inj := range s.Injections {
		switch inj.Kind {
		case loadgen.InjectError, loadgen.InjectLatency, loadgen.InjectTimeout:
		default:
			violations = append(violations, fmt.Sprintf("injection %d: unknown kind %q", i, inj.Kind))
		}
		if inj.Offset < 0 {
			violations = append(violations, fmt.Sprintf("injection %d: offset must not be negative", i))
		}
		if inj.Duration <= 0 {
			violations = append(violations, fmt.Sprintf("injection %d: duration must be positive", i))
		}
		if total > 0 && inj.Offset+inj.Duration > total {
			violations = append(violations, fmt.Sprintf(
				"injection %d: ends at %s, outside the %s test window", i, inj.Offset+inj.Duration, total))
		}
		if inj.Rate < 0 || inj.Rate > 1 {
			violations = append(violations, fmt.Sprintf("injection %d: rate must be within 0.0-1.0", i))
		}
	}

	for i, c := range s.Criteria {
		if c.Name == "" {
			violations = append(violations, fmt.Sprintf("criterion %d: name is required", i))
		}
		switch c.Metric {
		case CriterionErrorRate, CriterionSuccessRate, CriterionThroughput,
			CriterionAvgResponseMs, CriterionP50ResponseMs, CriterionP95ResponseMs,
			CriterionP99ResponseMs, CriterionTimeoutCount:
		default:
			violations = append(violations, fmt.Sprintf("criterion %d (%s): unknown metric %q", i, c.Name, c.Metric))
		}
		if !c.Comparator.valid() {
			violations = append(violations, fmt.Sprintf("criterion %d (%s): unknown comparator %q", i, c.Name, c.Comparator))
		}
		if c.Target < 0 {
			violations = append(violations, fmt.Sprintf("criterion %d (%s): target must not be negative", i, c.Name))
		}
		if (c.Metric == CriterionErrorRate || c.Metric == CriterionSuccessRate) && c.Target > 1 {
			violations = append(violations, fmt.Sprintf("criterion %d (%s): rate target must be within 0.0-1.0", i, c.Name))
		}
	}

	if s.Thresholds != nil {
		if err := s.Thresholds.Validate(); err != nil {
			violations = append(violations, err.Error())
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// LoadScenarioFile reads and validates a YAML scenario file.
func LoadScenarioFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read scenario: %w", err)
	}
	return ParseScenario(data)
}

// scenarioDoc is the YAML shape of a scenario file. Durations are
// human-readable strings ("30s", "5m"); yaml.v3 cannot decode those
// into time.Duration directly.
type scenarioDoc struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Duration    string `yaml:"duration"`
	Phases      []struct {
		Name      string  `yaml:"name"`
		TargetRPS float64 `yaml:"target_rps"`
		Duration  string  `yaml:"duration"`
	} `yaml:"phases"`
	Injections []struct {
		Kind         string  `yaml:"kind"`
		Offset       string  `yaml:"offset"`
		Duration     string  `yaml:"duration"`
		Rate         float64 `yaml:"rate"`
		AddedLatency string  `yaml:"added_latency"`
	} `yaml:"injections"`
	Criteria   []Criterion         `yaml:"criteria"`
	Thresholds *degrade.Thresholds `yaml:"thresholds"`
}

// ParseScenario decodes and validates a YAML scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var doc scenarioDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("orchestrator: parse scenario: %w", err)
	}

	s := Scenario{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Criteria:    doc.Criteria,
		Thresholds:  doc.Thresholds,
	}

	var violations []string
	parse := func(field, value string) time.Duration {
		if value == "" {
			return 0
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: bad duration %q", field, value))
		}
		return d
	}

	s.Duration = parse("duration", doc.Duration)
	for i, p := range doc.Phases {
		s.Phases = append(s.Phases, loadgen.Phase{
			Name:      p.Name,
			TargetRPS: p.TargetRPS,
			Duration:  parse(fmt.Sprintf("phase %d duration", i), p.Duration),
		})
	}
	for i, inj := range doc.Injections {
		s.Injections = append(s.Injections, loadgen.Injection{
			Kind:         loadgen.InjectionKind(inj.Kind),
			Offset:       parse(fmt.Sprintf("injection %d offset", i), inj.Offset),
			Duration:     parse(fmt.Sprintf("injection %d duration", i), inj.Duration),
			Rate:         inj.Rate,
			AddedLatency: parse(fmt.Sprintf("injection %d added_latency", i), inj.AddedLatency),
		})
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Duration == 0 {
		s.Duration = s.TotalPhaseDuration()
	}
	return &s, nil
}
