package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/loadgrid/internal/degrade"
	"github.com/FairForge/loadgrid/internal/loadgen"
	"github.com/FairForge/loadgrid/internal/metrics"
)

type fakeCollector struct {
	mu         sync.Mutex
	sources    map[string]metrics.SourceFunc
	subs       map[string]metrics.SubscriberFunc
	nextSub    int
	collecting bool
	stats      metrics.AggregatedStats
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{
		sources: make(map[string]metrics.SourceFunc),
		subs:    make(map[string]metrics.SubscriberFunc),
	}
}

func (f *fakeCollector) RegisterMetricSource(name string, fn metrics.SourceFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[name] = fn
}

func (f *fakeCollector) StartCollection(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collecting = true
}

func (f *fakeCollector) StopCollection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collecting = false
}

func (f *fakeCollector) Subscribe(fn metrics.SubscriberFunc) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	id := fmt.Sprintf("sub-%d", f.nextSub)
	f.subs[id] = fn
	return id
}

func (f *fakeCollector) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

func (f *fakeCollector) CalculateAggregatedMetrics(window time.Duration) metrics.AggregatedStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeCollector) LatestSystem() (metrics.SystemMetrics, bool) {
	return metrics.SystemMetrics{}, false
}

func (f *fakeCollector) LatestAgents(within time.Duration) []metrics.AgentMetrics {
	return nil
}

type fakeMonitor struct {
	mu         sync.Mutex
	startErr   error
	started    bool
	stopped    bool
	history    []degrade.Event
	stats      degrade.Statistics
	thresholds *degrade.Thresholds
}

func (f *fakeMonitor) SetThresholds(t *degrade.Thresholds) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thresholds = t
	return nil
}

func (f *fakeMonitor) StartMonitoring(ctx context.Context, p degrade.MetricsProvider, a degrade.AgentMetricsProvider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeMonitor) StopMonitoring() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeMonitor) History() []degrade.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history
}

func (f *fakeMonitor) Statistics() degrade.Statistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	samples int
}

func (f *fakeBroadcaster) Broadcast(stream metrics.StreamType, sample metrics.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples++
}

type fakeDriver struct {
	mu       sync.Mutex
	startErr error
	started  bool
	stopped  bool
	paused   bool
	done     chan struct{}
	totals   loadgen.Totals
	phases   []loadgen.Phase
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{done: make(chan struct{})}
}

func (f *fakeDriver) Configure(phases []loadgen.Phase, injections []loadgen.Injection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = phases
	return nil
}

func (f *fakeDriver) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeDriver) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeDriver) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeDriver) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeDriver) Done() <-chan struct{} { return f.done }

func (f *fakeDriver) Source() metrics.SourceFunc {
	return func(ctx context.Context) (*metrics.SourcePayload, error) {
		return &metrics.SourcePayload{}, nil
	}
}

func (f *fakeDriver) Totals() loadgen.Totals {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totals
}

func (f *fakeDriver) CurrentPhase() string { return "steady" }

type testFixture struct {
	orch        *Orchestrator
	collector   *fakeCollector
	monitor     *fakeMonitor
	broadcaster *fakeBroadcaster
	driver      *fakeDriver
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		collector:   newFakeCollector(),
		monitor:     &fakeMonitor{},
		broadcaster: &fakeBroadcaster{},
		driver:      newFakeDriver(),
	}
	orch, err := New(Deps{
		Collector:   f.collector,
		Monitor:     f.monitor,
		Broadcaster: f.broadcaster,
		Driver:      f.driver,
	}, zap.NewNop())
	require.NoError(t, err)
	f.orch = orch
	return f
}

func validScenario() *Scenario {
	return &Scenario{
		ID:   "baseline-1",
		Name: "baseline",
		Phases: []loadgen.Phase{
			{Name: "ramp", TargetRPS: 50, Duration: 30 * time.Second},
			{Name: "steady", TargetRPS: 100, Duration: 90 * time.Second},
		},
		Criteria: []Criterion{
			{Name: "error budget", Metric: CriterionErrorRate, Comparator: ComparatorLessOrEqual, Target: 0.05, Critical: true},
			{Name: "latency", Metric: CriterionP99ResponseMs, Comparator: ComparatorLessOrEqual, Target: 500},
		},
	}
}

func TestNew_RequiresAllDeps(t *testing.T) {
	_, err := New(Deps{}, zap.NewNop())
	assert.Error(t, err)
}

func TestLoadScenario_CollectsAllViolations(t *testing.T) {
	f := newFixture(t)

	bad := &Scenario{
		Duration: time.Minute,
		Phases:   []loadgen.Phase{{Name: "p", TargetRPS: -1, Duration: 30 * time.Second}},
		Injections: []loadgen.Injection{
			{Kind: "explode", Offset: 50 * time.Second, Duration: 20 * time.Second, Rate: 2},
		},
		Criteria: []Criterion{{Name: "x", Metric: "bogus", Comparator: "~", Target: -3}},
	}

	err := f.orch.LoadScenario(bad)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Violations), 6,
		"every violation is reported, not just the first: %v", verr.Violations)
	assert.Equal(t, StateIdle, f.orch.CurrentStatus().State)
}

func TestStart_ReachesRunning(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))

	status := f.orch.CurrentStatus()
	assert.Equal(t, StateRunning, status.State)
	assert.NotEmpty(t, status.RunID)
	assert.Equal(t, "baseline", status.Scenario)
	assert.Equal(t, "steady", status.Phase)

	assert.True(t, f.collector.collecting)
	assert.Contains(t, f.collector.sources, "loadgen")
	assert.Len(t, f.collector.subs, 1, "broadcaster subscribed to the collector")
	assert.True(t, f.monitor.started)
	assert.True(t, f.driver.started)
	assert.Len(t, f.driver.phases, 2, "scenario profile handed to the driver")

	err := f.orch.Start(context.Background())
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateRunning, serr.State)
}

func TestStart_AppliesScenarioThresholds(t *testing.T) {
	f := newFixture(t)

	scenario := validScenario()
	scenario.Thresholds = degrade.DefaultThresholds()
	scenario.Thresholds.ErrorRate = degrade.Cutoffs{Moderate: 0.001, Severe: 0.01, Critical: 0.05}

	require.NoError(t, f.orch.LoadScenario(scenario))
	require.NoError(t, f.orch.Start(context.Background()))

	f.monitor.mu.Lock()
	got := f.monitor.thresholds
	f.monitor.mu.Unlock()
	require.NotNil(t, got, "scenario thresholds reach the monitor")
	assert.Equal(t, 0.001, got.ErrorRate.Moderate)
}

func TestStart_WithoutScenario(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Start(context.Background())
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestStart_InitFailureTransitionsToFailed(t *testing.T) {
	f := newFixture(t)
	f.monitor.startErr = errors.New("no provider")

	var hookErr error
	require.NoError(t, f.orch.RegisterHooks(Hooks{
		OnError: func(err error) { hookErr = err },
	}))

	require.NoError(t, f.orch.LoadScenario(validScenario()))
	err := f.orch.Start(context.Background())
	require.Error(t, err)

	assert.Equal(t, StateFailed, f.orch.CurrentStatus().State)
	assert.Error(t, hookErr)

	res, rerr := f.orch.Results()
	require.NoError(t, rerr)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.FailureReason)
}

func TestPause_InvalidFromIdle(t *testing.T) {
	f := newFixture(t)

	err := f.orch.Pause()
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateIdle, serr.State)
	assert.Equal(t, StateIdle, f.orch.CurrentStatus().State)
}

func TestPause_InvalidFromTerminalStates(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.orch.LoadScenario(validScenario()))
		require.NoError(t, f.orch.Start(context.Background()))
		require.NoError(t, f.orch.Stop("done"))

		err := f.orch.Pause()
		var serr *InvalidStateError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, StateCompleted, serr.State)
		assert.Equal(t, StateCompleted, f.orch.CurrentStatus().State)
	})

	t.Run("failed", func(t *testing.T) {
		f := newFixture(t)
		f.monitor.startErr = errors.New("no provider")
		require.NoError(t, f.orch.LoadScenario(validScenario()))
		require.Error(t, f.orch.Start(context.Background()))

		err := f.orch.Pause()
		var serr *InvalidStateError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, StateFailed, serr.State)
		assert.Equal(t, StateFailed, f.orch.CurrentStatus().State)
	})
}

func TestPauseResume_ExcludesPausedTime(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, f.orch.Pause())
	assert.True(t, f.driver.paused)
	beforePause := f.orch.CurrentStatus().ElapsedSecs

	time.Sleep(200 * time.Millisecond)
	frozen := f.orch.CurrentStatus()
	assert.InDelta(t, beforePause, frozen.ElapsedSecs, 0.05,
		"elapsed must not advance while paused")
	assert.GreaterOrEqual(t, frozen.PausedSecs, 0.15)

	require.NoError(t, f.orch.Resume())
	assert.False(t, f.driver.paused)

	time.Sleep(100 * time.Millisecond)
	after := f.orch.CurrentStatus()
	assert.InDelta(t, beforePause+0.1, after.ElapsedSecs, 0.06,
		"elapsed resumes from where it stopped")
}

func TestStop_RecordsReason(t *testing.T) {
	f := newFixture(t)

	var stopReason string
	require.NoError(t, f.orch.RegisterHooks(Hooks{
		OnStop: func(reason string) { stopReason = reason },
	}))

	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))
	require.NoError(t, f.orch.Stop("operator abort"))

	assert.Equal(t, StateCompleted, f.orch.CurrentStatus().State)
	assert.Equal(t, "operator abort", stopReason)
	assert.True(t, f.driver.stopped)
	assert.True(t, f.monitor.stopped)
	assert.False(t, f.collector.collecting)
	assert.Empty(t, f.collector.subs, "broadcaster unsubscribed on completion")

	res, err := f.orch.Results()
	require.NoError(t, err)
	assert.True(t, res.ExternallyStopped)
	assert.Equal(t, "operator abort", res.StopReason)
}

func TestStop_InvalidFromCompleted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))
	require.NoError(t, f.orch.Stop("done"))

	var serr *InvalidStateError
	assert.ErrorAs(t, f.orch.Stop("again"), &serr)
}

func TestComplete_GradesCriteria(t *testing.T) {
	f := newFixture(t)
	f.collector.stats = metrics.AggregatedStats{
		ErrorRate:     0.01,
		P99ResponseMs: 900, // fails the non-critical latency criterion
	}

	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))

	res, err := f.orch.Complete(true)
	require.NoError(t, err)

	require.Len(t, res.Criteria, 2)
	assert.True(t, res.Criteria[0].Met)
	assert.False(t, res.Criteria[1].Met)
	assert.True(t, res.CriticalPass, "only the non-critical criterion failed")
	assert.True(t, res.Success)
	assert.InDelta(t, 50, res.Score, 0.001)
}

func TestComplete_CriticalFailureFailsTheRun(t *testing.T) {
	f := newFixture(t)
	f.collector.stats = metrics.AggregatedStats{ErrorRate: 0.2}

	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))

	res, err := f.orch.Complete(true)
	require.NoError(t, err)
	assert.False(t, res.CriticalPass)
	assert.False(t, res.Success, "a failed critical criterion fails the run")
}

func TestComplete_InvalidFromIdle(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Complete(true)
	var serr *InvalidStateError
	assert.ErrorAs(t, err, &serr)
}

func TestAutoCompleteWhenProfileFinishes(t *testing.T) {
	f := newFixture(t)

	completed := make(chan *TestResults, 1)
	require.NoError(t, f.orch.RegisterHooks(Hooks{
		OnComplete: func(res *TestResults) { completed <- res },
	}))

	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))

	close(f.driver.done)

	select {
	case res := <-completed:
		assert.Equal(t, StateCompleted, f.orch.CurrentStatus().State)
		assert.False(t, res.ExternallyStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete after the profile finished")
	}
}

func TestHooks_PanicIsContained(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.RegisterHooks(Hooks{
		OnStart: func() { panic("observer bug") },
	}))

	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))
	assert.Equal(t, StateRunning, f.orch.CurrentStatus().State,
		"a panicking hook must not abort the transition")
}

func TestRegisterHooks_OnlyBeforeStart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))

	var serr *InvalidStateError
	assert.ErrorAs(t, f.orch.RegisterHooks(Hooks{}), &serr)
}

func TestLoadScenario_RejectedWhileRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.LoadScenario(validScenario()))
	require.NoError(t, f.orch.Start(context.Background()))

	var serr *InvalidStateError
	assert.ErrorAs(t, f.orch.LoadScenario(validScenario()), &serr)

	// Reloading is allowed after completion.
	require.NoError(t, f.orch.Stop("rollover"))
	assert.NoError(t, f.orch.LoadScenario(validScenario()))
}

func TestParseScenario_YAML(t *testing.T) {
	doc := []byte(`
id: spike-2
name: spike
duration: 2m
phases:
  - name: warm
    target_rps: 50
    duration: 30s
  - name: spike
    target_rps: 500
    duration: 90s
injections:
  - kind: error
    offset: 45s
    duration: 15s
    rate: 0.25
criteria:
  - name: error budget
    metric: error_rate
    comparator: "<="
    target: 0.05
    critical: true
`)

	s, err := ParseScenario(doc)
	require.NoError(t, err)
	assert.Equal(t, "spike", s.Name)
	assert.Equal(t, 2*time.Minute, s.Duration)
	require.Len(t, s.Phases, 2)
	assert.Equal(t, float64(500), s.Phases[1].TargetRPS)
	require.Len(t, s.Injections, 1)
	assert.Equal(t, loadgen.InjectError, s.Injections[0].Kind)
	assert.Equal(t, 45*time.Second, s.Injections[0].Offset)
	require.Len(t, s.Criteria, 1)
	assert.True(t, s.Criteria[0].Critical)
}

func TestParseScenario_BadDuration(t *testing.T) {
	_, err := ParseScenario([]byte("name: x\nduration: soon\nphases:\n  - name: p\n    target_rps: 10\n    duration: 10s\n"))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestScenario_DurationMustMatchPhaseSum(t *testing.T) {
	s := validScenario()
	s.Duration = time.Minute // phases sum to 2m

	err := s.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestScenario_InjectionMustFitWindow(t *testing.T) {
	s := validScenario()
	s.Injections = []loadgen.Injection{
		{Kind: loadgen.InjectError, Offset: 110 * time.Second, Duration: 30 * time.Second, Rate: 0.5},
	}

	err := s.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 1)
}
