// Package orchestrator owns the lifecycle of a load-test run: scenario
// validation, the execution state machine, and coordination of the
// collector, detector, streamer, and load driver.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/loadgrid/internal/degrade"
	"github.com/FairForge/loadgrid/internal/loadgen"
	"github.com/FairForge/loadgrid/internal/metrics"
)

// State is the run's execution state. Transitions are single-writer;
// only the orchestrator mutates it.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateInitializing
	StateRunning
	StatePaused
	StateStopping
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, candidate := range []State{
		StateIdle, StateValidating, StateInitializing, StateRunning,
		StatePaused, StateStopping, StateCompleted, StateFailed,
	} {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("orchestrator: unknown state %q", name)
}

// Collector is the orchestrator's view of the metrics aggregator.
type Collector interface {
	RegisterMetricSource(name string, fn metrics.SourceFunc)
	StartCollection(ctx context.Context)
	StopCollection()
	Subscribe(fn metrics.SubscriberFunc) string
	Unsubscribe(id string)
	CalculateAggregatedMetrics(window time.Duration) metrics.AggregatedStats
	LatestSystem() (metrics.SystemMetrics, bool)
	LatestAgents(within time.Duration) []metrics.AgentMetrics
}

// Monitor is the orchestrator's view of the degradation detector.
type Monitor interface {
	SetThresholds(t *degrade.Thresholds) error
	StartMonitoring(ctx context.Context, provider degrade.MetricsProvider, agents degrade.AgentMetricsProvider) error
	StopMonitoring()
	History() []degrade.Event
	Statistics() degrade.Statistics
}

// Broadcaster fans samples out to streaming clients. The streamer
// outlives individual runs (clients stay connected between them), so
// the orchestrator only feeds it; its shutdown belongs to the process.
type Broadcaster interface {
	Broadcast(stream metrics.StreamType, sample metrics.Sample)
}

// LoadDriver generates the test load. Satisfied by loadgen.Generator.
type LoadDriver interface {
	Configure(phases []loadgen.Phase, injections []loadgen.Injection) error
	Start(ctx context.Context) error
	Stop()
	Pause()
	Resume()
	Done() <-chan struct{}
	Source() metrics.SourceFunc
	Totals() loadgen.Totals
	CurrentPhase() string
}

// Deps are the orchestrator's collaborators, injected as narrow
// interfaces.
type Deps struct {
	Collector   Collector
	Monitor     Monitor
	Broadcaster Broadcaster
	Driver      LoadDriver
}

// Hooks are best-effort lifecycle observers. They run synchronously in
// transition order; a panic or slow hook is the registrant's problem
// but never aborts the transition.
type Hooks struct {
	OnStart    func()
	OnPause    func()
	OnResume   func()
	OnStop     func(reason string)
	OnComplete func(results *TestResults)
	OnError    func(err error)
}

// Status is a non-blocking snapshot of the run.
type Status struct {
	State         State   `json:"state"`
	RunID         string  `json:"run_id,omitempty"`
	Scenario      string  `json:"scenario,omitempty"`
	Phase         string  `json:"phase,omitempty"`
	ElapsedSecs   float64 `json:"elapsed_seconds"`
	PausedSecs    float64 `json:"paused_seconds"`
	ActiveClients int     `json:"active_clients,omitempty"`
}

// agentWindow bounds how stale an agent sample may be before it is
// excluded from degradation scoring.
const agentWindow = 30 * time.Second

// Orchestrator is the top-level run state machine.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger

	mu        sync.Mutex
	hooks     Hooks
	state     State
	scenario  *Scenario
	runID     string
	startedAt time.Time
	pausedAt  time.Time
	pausedFor time.Duration

	externallyStopped bool
	stopReason        string

	cancel  context.CancelFunc
	subID   string
	results *TestResults
}

// New creates an orchestrator. All four dependencies are required.
func New(deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Collector == nil || deps.Monitor == nil || deps.Broadcaster == nil || deps.Driver == nil {
		return nil, errors.New("orchestrator: all dependencies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		logger: logger,
		state:  StateIdle,
	}, nil
}

// RegisterHooks installs lifecycle observers. Must be called before
// Start.
func (o *Orchestrator) RegisterHooks(h Hooks) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateIdle {
		return &InvalidStateError{Op: "register hooks", State: o.state}
	}
	o.hooks = h
	return nil
}

// LoadScenario validates a scenario and stages it for the next run.
// Valid from Idle, or after a run has finished (which resets to Idle).
func (o *Orchestrator) LoadScenario(s *Scenario) error {
	if s == nil {
		return &ValidationError{Violations: []string{"scenario is nil"}}
	}
	if err := s.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateIdle, StateCompleted, StateFailed:
	default:
		return &InvalidStateError{Op: "load scenario", State: o.state}
	}
	o.state = StateIdle
	o.scenario = s
	o.results = nil
	o.externallyStopped = false
	o.stopReason = ""
	o.runID = ""
	o.startedAt = time.Time{}
	o.pausedFor = 0
	o.logger.Info("scenario loaded",
		zap.String("scenario", s.Name),
		zap.Duration("duration", s.TotalPhaseDuration()),
		zap.Int("phases", len(s.Phases)))
	return nil
}

// Start runs Idle → Validating → Initializing → Running. A validation
// failure returns to Idle; an initialization failure transitions to
// Failed and surfaces the cause.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		defer o.mu.Unlock()
		return &InvalidStateError{Op: "start", State: o.state}
	}
	if o.scenario == nil {
		defer o.mu.Unlock()
		return &ValidationError{Violations: []string{"no scenario loaded"}}
	}
	o.state = StateValidating
	scenario := o.scenario
	o.mu.Unlock()

	if err := scenario.Validate(); err != nil {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.state = StateInitializing
	o.cancel = cancel
	o.mu.Unlock()

	if err := o.deps.Driver.Configure(scenario.Phases, scenario.Injections); err != nil {
		o.fail(fmt.Errorf("orchestrator: initialization failed: %w", err), "")
		return err
	}
	if scenario.Thresholds != nil {
		if err := o.deps.Monitor.SetThresholds(scenario.Thresholds); err != nil {
			o.fail(fmt.Errorf("orchestrator: initialization failed: %w", err), "")
			return err
		}
	}

	o.deps.Collector.RegisterMetricSource("loadgen", o.deps.Driver.Source())
	subID := o.deps.Collector.Subscribe(o.deps.Broadcaster.Broadcast)
	o.deps.Collector.StartCollection(runCtx)

	g, _ := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return o.deps.Monitor.StartMonitoring(runCtx,
			&systemProvider{c: o.deps.Collector},
			&agentProvider{c: o.deps.Collector, within: agentWindow})
	})
	g.Go(func() error {
		return o.deps.Driver.Start(runCtx)
	})
	if err := g.Wait(); err != nil {
		o.fail(fmt.Errorf("orchestrator: initialization failed: %w", err), subID)
		return err
	}

	o.mu.Lock()
	o.state = StateRunning
	o.runID = uuid.New().String()
	o.startedAt = time.Now()
	o.pausedFor = 0
	o.subID = subID
	runID := o.runID
	hook := o.hooks.OnStart
	o.mu.Unlock()

	o.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("scenario", scenario.Name))
	o.runHook("on_start", hook)

	go o.watch(runCtx)
	return nil
}

// watch completes the run when the load profile finishes on its own.
func (o *Orchestrator) watch(ctx context.Context) {
	select {
	case <-o.deps.Driver.Done():
		o.mu.Lock()
		running := o.state == StateRunning
		o.mu.Unlock()
		if running {
			if _, err := o.Complete(true); err != nil {
				o.logger.Debug("auto-complete skipped", zap.Error(err))
			}
		}
	case <-ctx.Done():
	}
}

// Pause suspends the run. Valid only from Running.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.state != StateRunning {
		defer o.mu.Unlock()
		return &InvalidStateError{Op: "pause", State: o.state}
	}
	o.state = StatePaused
	o.pausedAt = time.Now()
	hook := o.hooks.OnPause
	o.mu.Unlock()

	o.deps.Driver.Pause()
	o.logger.Info("run paused")
	o.runHook("on_pause", hook)
	return nil
}

// Resume continues a paused run. The paused interval is excluded from
// the run's active duration.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.state != StatePaused {
		defer o.mu.Unlock()
		return &InvalidStateError{Op: "resume", State: o.state}
	}
	o.state = StateRunning
	o.pausedFor += time.Since(o.pausedAt)
	hook := o.hooks.OnResume
	o.mu.Unlock()

	o.deps.Driver.Resume()
	o.logger.Info("run resumed")
	o.runHook("on_resume", hook)
	return nil
}

// Stop terminates the run early. Valid from Running or Paused; the
// results are marked externally stopped with the given reason.
func (o *Orchestrator) Stop(reason string) error {
	o.mu.Lock()
	if o.state != StateRunning && o.state != StatePaused {
		defer o.mu.Unlock()
		return &InvalidStateError{Op: "stop", State: o.state}
	}
	if o.state == StatePaused {
		o.pausedFor += time.Since(o.pausedAt)
	}
	o.state = StateStopping
	o.externallyStopped = true
	o.stopReason = reason
	hook := o.hooks.OnStop
	o.mu.Unlock()

	o.logger.Info("run stopping", zap.String("reason", reason))
	o.runHook("on_stop", func() {
		if hook != nil {
			hook(reason)
		}
	})

	_, err := o.Complete(true)
	return err
}

// Complete finalizes the run: stops every owned component, grades the
// success criteria, and returns the immutable results. Valid from
// Running or Stopping. The returned success combines the caller's
// verdict with the critical criteria.
func (o *Orchestrator) Complete(success bool) (*TestResults, error) {
	o.mu.Lock()
	if o.state != StateRunning && o.state != StateStopping {
		defer o.mu.Unlock()
		return nil, &InvalidStateError{Op: "complete", State: o.state}
	}
	o.state = StateStopping
	cancel := o.cancel
	subID := o.subID
	o.mu.Unlock()

	o.deps.Driver.Stop()
	o.deps.Monitor.StopMonitoring()
	o.deps.Collector.StopCollection()
	if subID != "" {
		o.deps.Collector.Unsubscribe(subID)
	}
	if cancel != nil {
		cancel()
	}

	o.mu.Lock()
	res := o.buildResultsLocked(success, "")
	o.state = StateCompleted
	o.results = res
	hook := o.hooks.OnComplete
	o.mu.Unlock()

	o.logger.Info("run completed",
		zap.String("run_id", res.RunID),
		zap.Bool("success", res.Success),
		zap.Float64("score", res.Score))
	o.runHook("on_complete", func() {
		if hook != nil {
			hook(res)
		}
	})
	return res, nil
}

// fail transitions to Failed, tears down whatever was started, and
// surfaces the cause through the OnError hook and the results.
func (o *Orchestrator) fail(cause error, subID string) {
	o.deps.Driver.Stop()
	o.deps.Monitor.StopMonitoring()
	o.deps.Collector.StopCollection()
	if subID != "" {
		o.deps.Collector.Unsubscribe(subID)
	}

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	res := o.buildResultsLocked(false, cause.Error())
	o.state = StateFailed
	o.results = res
	hook := o.hooks.OnError
	o.mu.Unlock()

	o.logger.Error("run failed", zap.Error(cause))
	o.runHook("on_error", func() {
		if hook != nil {
			hook(cause)
		}
	})
}

// CurrentStatus reports the run state without blocking on any loop.
func (o *Orchestrator) CurrentStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := Status{
		State:      o.state,
		RunID:      o.runID,
		PausedSecs: o.pausedFor.Seconds(),
	}
	if o.scenario != nil {
		status.Scenario = o.scenario.Name
	}
	if !o.startedAt.IsZero() {
		elapsed := time.Since(o.startedAt) - o.pausedFor
		if o.state == StatePaused {
			elapsed -= time.Since(o.pausedAt)
			status.PausedSecs = (o.pausedFor + time.Since(o.pausedAt)).Seconds()
		}
		if elapsed < 0 {
			elapsed = 0
		}
		status.ElapsedSecs = elapsed.Seconds()
	}
	if o.state == StateRunning || o.state == StatePaused {
		status.Phase = o.deps.Driver.CurrentPhase()
	}
	return status
}

// Results returns the finished run's results.
func (o *Orchestrator) Results() (*TestResults, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		return nil, errors.New("orchestrator: no results available")
	}
	return o.results, nil
}

func (o *Orchestrator) buildResultsLocked(success bool, failureReason string) *TestResults {
	now := time.Now()
	active := time.Duration(0)
	if !o.startedAt.IsZero() {
		active = now.Sub(o.startedAt) - o.pausedFor
		if active < 0 {
			active = 0
		}
	}

	window := active
	if window <= 0 {
		window = time.Second
	}
	stats := o.deps.Collector.CalculateAggregatedMetrics(window)
	totals := o.deps.Driver.Totals()

	res := &TestResults{
		RunID:             o.runID,
		StartedAt:         o.startedAt,
		EndedAt:           now,
		ActiveSeconds:     active.Seconds(),
		PausedSeconds:     o.pausedFor.Seconds(),
		ExternallyStopped: o.externallyStopped,
		StopReason:        o.stopReason,
		FailureReason:     failureReason,
		Stats:             stats,
		Totals:            totals,
		Events:            o.deps.Monitor.History(),
		Degradation:       o.deps.Monitor.Statistics(),
	}
	if o.scenario != nil {
		res.ScenarioID = o.scenario.ID
		res.ScenarioName = o.scenario.Name
		criteria, _, criticalPass, score := evaluateCriteria(o.scenario.Criteria, stats, totals)
		res.Criteria = criteria
		res.CriticalPass = criticalPass
		res.Score = score
		res.Success = success && criticalPass && failureReason == ""
	} else {
		res.Success = success && failureReason == ""
		res.CriticalPass = res.Success
	}
	return res
}

// runHook invokes a lifecycle hook, containing panics.
func (o *Orchestrator) runHook(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("lifecycle hook panicked",
				zap.String("hook", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// systemProvider adapts the collector to the detector's provider
// contract.
type systemProvider struct {
	c Collector
}

func (p *systemProvider) SystemSnapshot() (degrade.SystemSnapshot, bool) {
	sys, ok := p.c.LatestSystem()
	if !ok {
		return degrade.SystemSnapshot{}, false
	}
	return degrade.SystemSnapshot{
		ErrorRate:     sys.ErrorRate,
		P99LatencyMs:  sys.P99LatencyMs,
		CPUPercent:    sys.CPUPercent,
		MemoryPercent: sys.MemoryPercent,
		TimeoutRate:   sys.TimeoutRate,
	}, true
}

type agentProvider struct {
	c      Collector
	within time.Duration
}

func (p *agentProvider) AgentSnapshots() []degrade.AgentSnapshot {
	agents := p.c.LatestAgents(p.within)
	out := make([]degrade.AgentSnapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, degrade.AgentSnapshot{AgentID: a.AgentID, HealthScore: a.HealthScore})
	}
	return out
}
