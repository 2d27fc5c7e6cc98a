// Package degrade classifies system health during a load-test run and
// dispatches mitigation strategies when the classification changes.
package degrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Level is the discrete health classification of the system under
// test, ordered by severity.
type Level int

const (
	LevelNone Level = iota
	LevelModerate
	LevelSevere
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the level as its name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "none":
		*l = LevelNone
	case "moderate":
		*l = LevelModerate
	case "severe":
		*l = LevelSevere
	case "critical":
		*l = LevelCritical
	default:
		return fmt.Errorf("degrade: unknown level %q", s)
	}
	return nil
}

// SystemSnapshot is the detector-facing view of the latest system
// metrics.
type SystemSnapshot struct {
	ErrorRate     float64 `json:"error_rate"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	TimeoutRate   float64 `json:"timeout_rate"`
}

// AgentSnapshot is one agent's health as seen by the detector.
type AgentSnapshot struct {
	AgentID     string  `json:"agent_id"`
	HealthScore float64 `json:"health_score"`
}

// MetricsProvider supplies the latest system snapshot. Satisfied by
// the metrics aggregator through a thin adapter.
type MetricsProvider interface {
	SystemSnapshot() (SystemSnapshot, bool)
}

// AgentMetricsProvider optionally supplies per-agent health. A nil
// provider (or an empty result) excludes the agent dimension from
// scoring.
type AgentMetricsProvider interface {
	AgentSnapshots() []AgentSnapshot
}

// Event records one level transition. Immutable after creation except
// for RecoverySeconds, filled when the system later returns to None.
type Event struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	PreviousLevel   Level          `json:"previous_level"`
	NewLevel        Level          `json:"new_level"`
	Reason          string         `json:"reason"`
	Snapshot        SystemSnapshot `json:"snapshot"`
	Strategies      []string       `json:"strategies,omitempty"`
	RecoverySeconds float64        `json:"recovery_seconds,omitempty"`
}

// StrategyFunc is a mitigation callback invoked synchronously when its
// level is newly reached. It must return quickly; it runs inline with
// the detection loop.
type StrategyFunc func(Event) error

// StrategyError reports a failed strategy callback. Logged, never
// propagated to the loop.
type StrategyError struct {
	Strategy string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("degrade: strategy %s failed: %v", e.Strategy, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

type registeredStrategy struct {
	id string
	fn StrategyFunc
}

// DetectorConfig configures the detector loop.
type DetectorConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// ApplyDefaults fills in default values.
func (c *DetectorConfig) ApplyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Second
	}
}

// Statistics summarizes detection history.
type Statistics struct {
	CurrentLevel       Level          `json:"current_level"`
	TotalEvents        int            `json:"total_events"`
	TotalRecoveries    int            `json:"total_recoveries"`
	AvgRecoverySeconds float64        `json:"avg_recovery_seconds"`
	EventsByLevel      map[string]int `json:"events_by_level"`
}

// Detector scores metrics against thresholds, tracks level changes,
// and dispatches registered strategies. Scoring itself is stateless;
// only the loop, the previous level, and the event history live here.
type Detector struct {
	config     *DetectorConfig
	thresholds *Thresholds
	logger     *zap.Logger

	mu            sync.RWMutex
	strategies    map[Level][]registeredStrategy
	history       []*Event
	currentLevel  Level
	degradedSince time.Time
	unresolved    *Event

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewDetector creates a detector. Nil config or thresholds fall back
// to defaults.
func NewDetector(config *DetectorConfig, thresholds *Thresholds, logger *zap.Logger) *Detector {
	if config == nil {
		config = &DetectorConfig{}
	}
	config.ApplyDefaults()
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Detector{
		config:     config,
		thresholds: thresholds,
		logger:     logger,
		strategies: make(map[Level][]registeredStrategy),
	}
}

// SetThresholds replaces the detector's thresholds, validating them
// first. Rejected while monitoring is running: thresholds may only be
// swapped between runs.
func (d *Detector) SetThresholds(t *Thresholds) error {
	if t == nil {
		return errors.New("degrade: thresholds are required")
	}
	if err := t.Validate(); err != nil {
		return err
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return errors.New("degrade: cannot swap thresholds while monitoring is running")
	}
	d.mu.Lock()
	d.thresholds = t
	d.mu.Unlock()
	return nil
}

// DetectLevel scores a snapshot against the thresholds. Pure and
// side-effect-free: each dimension is scored independently and the
// overall level is the maximum across dimensions. Empty agents exclude
// the agent health dimension.
func (d *Detector) DetectLevel(sys SystemSnapshot, agents []AgentSnapshot) Level {
	level, _ := d.score(sys, agents)
	return level
}

func (d *Detector) score(sys SystemSnapshot, agents []AgentSnapshot) (Level, string) {
	d.mu.RLock()
	t := d.thresholds
	d.mu.RUnlock()
	overall := LevelNone
	reason := "all dimensions healthy"

	consider := func(name string, l Level, value float64) {
		if l > overall {
			overall = l
			reason = fmt.Sprintf("%s at %.4g crossed the %s threshold", name, value, l)
		}
	}

	consider("error rate", scoreRising(sys.ErrorRate, t.ErrorRate), sys.ErrorRate)
	consider("p99 latency", scoreRising(sys.P99LatencyMs, t.P99LatencyMs), sys.P99LatencyMs)
	consider("cpu", scoreRising(sys.CPUPercent, t.CPUPercent), sys.CPUPercent)
	consider("memory", scoreRising(sys.MemoryPercent, t.MemoryPercent), sys.MemoryPercent)
	consider("timeout rate", scoreRising(sys.TimeoutRate, t.TimeoutRate), sys.TimeoutRate)

	if len(agents) > 0 {
		var sum float64
		for _, a := range agents {
			sum += a.HealthScore
		}
		avg := sum / float64(len(agents))
		consider("agent health", scoreFalling(avg, t.AgentHealth), avg)
	}

	return overall, reason
}

func scoreRising(value float64, c Cutoffs) Level {
	switch {
	case value >= c.Critical:
		return LevelCritical
	case value >= c.Severe:
		return LevelSevere
	case value >= c.Moderate:
		return LevelModerate
	default:
		return LevelNone
	}
}

func scoreFalling(value float64, c Cutoffs) Level {
	switch {
	case value <= c.Critical:
		return LevelCritical
	case value <= c.Severe:
		return LevelSevere
	case value <= c.Moderate:
		return LevelModerate
	default:
		return LevelNone
	}
}

// RegisterStrategy adds a mitigation callback for a level. Multiple
// strategies per level run in registration order.
func (d *Detector) RegisterStrategy(level Level, id string, fn StrategyFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strategies[level] = append(d.strategies[level], registeredStrategy{id: id, fn: fn})
}

// StartMonitoring begins the periodic check loop.
func (d *Detector) StartMonitoring(ctx context.Context, provider MetricsProvider, agents AgentMetricsProvider) error {
	if provider == nil {
		return errors.New("degrade: metrics provider is required")
	}

	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return errors.New("degrade: monitoring already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.monitorLoop(loopCtx, provider, agents)
	return nil
}

// StopMonitoring cancels the loop and waits for it to exit. Safe to
// call even if monitoring was never started.
func (d *Detector) StopMonitoring() {
	d.runMu.Lock()
	if !d.running {
		d.runMu.Unlock()
		return
	}
	d.cancel()
	done := d.done
	d.running = false
	d.runMu.Unlock()

	<-done
}

func (d *Detector) monitorLoop(ctx context.Context, provider MetricsProvider, agents AgentMetricsProvider) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sys, ok := provider.SystemSnapshot()
			if !ok {
				continue
			}
			var agentSnaps []AgentSnapshot
			if agents != nil {
				agentSnaps = agents.AgentSnapshots()
			}
			d.Observe(sys, agentSnaps, time.Now())
		}
	}
}

// Observe performs one detection tick against the given snapshot. On a
// level change it records an event and invokes the new level's
// strategies. Exported so the loop's behavior is testable with fixed
// inputs and times.
func (d *Detector) Observe(sys SystemSnapshot, agents []AgentSnapshot, now time.Time) {
	level, reason := d.score(sys, agents)

	d.mu.Lock()
	previous := d.currentLevel
	if level == previous {
		d.mu.Unlock()
		return
	}

	event := &Event{
		ID:            uuid.New().String(),
		Timestamp:     now,
		PreviousLevel: previous,
		NewLevel:      level,
		Reason:        reason,
		Snapshot:      sys,
	}

	if previous == LevelNone {
		d.degradedSince = now
	}
	if level == LevelNone && d.unresolved != nil {
		recovery := now.Sub(d.degradedSince).Seconds()
		if recovery < 0 {
			recovery = 0
		}
		d.unresolved.RecoverySeconds = recovery
		d.unresolved = nil
		event.Reason = "all dimensions back within healthy thresholds"
	}
	if level != LevelNone {
		d.unresolved = event
	}

	strategies := make([]registeredStrategy, len(d.strategies[level]))
	copy(strategies, d.strategies[level])

	d.currentLevel = level
	d.history = append(d.history, event)
	d.mu.Unlock()

	d.logger.Info("degradation level changed",
		zap.Stringer("previous", previous),
		zap.Stringer("new", level),
		zap.String("reason", event.Reason))

	invoked := d.invokeStrategies(strategies, *event)
	if len(invoked) > 0 {
		d.mu.Lock()
		event.Strategies = invoked
		d.mu.Unlock()
	}
}

// invokeStrategies runs callbacks in registration order, isolating
// panics and errors from the loop.
func (d *Detector) invokeStrategies(strategies []registeredStrategy, event Event) []string {
	var invoked []string
	for _, s := range strategies {
		invoked = append(invoked, s.id)
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("strategy panicked",
						zap.String("strategy", s.id),
						zap.Any("panic", r))
				}
			}()
			if err := s.fn(event); err != nil {
				serr := &StrategyError{Strategy: s.id, Err: err}
				d.logger.Error("strategy failed", zap.Error(serr))
			}
		}()
	}
	return invoked
}

// CurrentLevel returns the most recently detected level.
func (d *Detector) CurrentLevel() Level {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentLevel
}

// IsDegraded reports whether the current level is not None.
func (d *Detector) IsDegraded() bool {
	return d.CurrentLevel() != LevelNone
}

// History returns a point-in-time copy of all recorded events.
func (d *Detector) History() []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Event, len(d.history))
	for i, e := range d.history {
		out[i] = *e
	}
	return out
}

// Statistics derives summary statistics from the event history.
func (d *Detector) Statistics() Statistics {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Statistics{
		CurrentLevel:  d.currentLevel,
		TotalEvents:   len(d.history),
		EventsByLevel: make(map[string]int),
	}

	var recoverySum float64
	for _, e := range d.history {
		stats.EventsByLevel[e.NewLevel.String()]++
		if e.NewLevel == LevelNone && e.PreviousLevel != LevelNone {
			stats.TotalRecoveries++
		}
		recoverySum += e.RecoverySeconds
	}
	if stats.TotalRecoveries > 0 {
		stats.AvgRecoverySeconds = recoverySum / float64(stats.TotalRecoveries)
	}
	return stats
}
