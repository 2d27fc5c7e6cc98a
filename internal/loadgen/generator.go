// Package loadgen drives synthetic request load through a worker pool,
// following a phased rate profile with optional fault injection.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/loadgrid/internal/metrics"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loadgrid_loadgen_requests_total",
	Help: "Requests issued by the load generator, by outcome",
}, []string{"outcome"})

// Phase is one step of a load profile: hold TargetRPS for Duration.
type Phase struct {
	Name      string        `yaml:"name" json:"name"`
	TargetRPS float64       `yaml:"target_rps" json:"target_rps"`
	Duration  time.Duration `yaml:"duration" json:"duration"`
}

// InjectionKind selects the fault a timeline entry injects.
type InjectionKind string

const (
	InjectError   InjectionKind = "error"
	InjectLatency InjectionKind = "latency"
	InjectTimeout InjectionKind = "timeout"
)

// Injection is one entry of a failure-injection timeline. Offset is
// measured in active (unpaused) test time.
type Injection struct {
	Kind         InjectionKind `yaml:"kind" json:"kind"`
	Offset       time.Duration `yaml:"offset" json:"offset"`
	Duration     time.Duration `yaml:"duration" json:"duration"`
	Rate         float64       `yaml:"rate" json:"rate"` // fraction of requests affected, 0.0-1.0
	AddedLatency time.Duration `yaml:"added_latency,omitempty" json:"added_latency,omitempty"`
}

func (i Injection) activeAt(elapsed time.Duration) bool {
	return elapsed >= i.Offset && elapsed < i.Offset+i.Duration
}

// ErrInjected marks a failure produced by the injection timeline
// rather than the system under test.
var ErrInjected = errors.New("loadgen: injected failure")

// Result captures one request's outcome.
type Result struct {
	Start    time.Time
	Latency  time.Duration
	Err      error
	TimedOut bool
}

// WorkerFunc performs one unit of work against the system under test.
type WorkerFunc func(ctx context.Context, workerID int) Result

// SyntheticWorker returns a worker that simulates a request with the
// given base latency plus uniform jitter. Useful for self-tests and
// dry runs without a real target.
func SyntheticWorker(base, jitter time.Duration) WorkerFunc {
	return func(ctx context.Context, _ int) Result {
		start := time.Now()
		d := base
		if jitter > 0 {
			d += time.Duration(rand.Int63n(int64(jitter)))
		}
		select {
		case <-time.After(d):
			return Result{Start: start, Latency: time.Since(start)}
		case <-ctx.Done():
			return Result{Start: start, Latency: time.Since(start), Err: ctx.Err()}
		}
	}
}

// Config bounds the worker pool and the rolling stats window.
type Config struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	Timeout        time.Duration `yaml:"timeout"`
	StatsWindow    time.Duration `yaml:"stats_window"`
}

// ApplyDefaults fills in default values.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 50
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.StatsWindow == 0 {
		c.StatsWindow = 10 * time.Second
	}
}

// Totals are cumulative request counts for a run.
type Totals struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Timeouts  int64 `json:"timeouts"`
}

// Generator spawns workers at each phase's target rate through a
// concurrency-bounded pool. Pausing stops the clock: phase boundaries
// and injection offsets are measured in active time only.
type Generator struct {
	config     *Config
	phases     []Phase
	injections []Injection
	worker     WorkerFunc
	logger     *zap.Logger
	limiter    *rate.Limiter

	active    atomic.Int64
	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	timeouts  atomic.Int64

	mu           sync.Mutex
	running      bool
	paused       bool
	resume       chan struct{}
	cancel       context.CancelFunc
	done         chan struct{}
	started      time.Time
	pausedAt     time.Time
	pausedFor    time.Duration
	currentPhase string
	window       []Result
}

// NewGenerator creates a generator for the given profile. A nil worker
// gets a synthetic one.
func NewGenerator(config *Config, phases []Phase, injections []Injection, worker WorkerFunc, logger *zap.Logger) *Generator {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if worker == nil {
		worker = SyntheticWorker(5*time.Millisecond, 5*time.Millisecond)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		config:     config,
		phases:     phases,
		injections: injections,
		worker:     worker,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
	}
}

// Configure replaces the load profile and injection timeline. Valid
// only between runs.
func (g *Generator) Configure(phases []Phase, injections []Injection) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return errors.New("loadgen: cannot reconfigure while running")
	}
	g.phases = phases
	g.injections = injections
	return nil
}

// Start begins generating load. It returns once the profile has been
// started; the run itself proceeds in the background until every phase
// completes or the context is cancelled.
func (g *Generator) Start(ctx context.Context) error {
	if len(g.phases) == 0 {
		return errors.New("loadgen: no phases configured")
	}
	for _, p := range g.phases {
		if p.TargetRPS <= 0 || p.Duration <= 0 {
			return fmt.Errorf("loadgen: phase %q needs positive rps and duration", p.Name)
		}
	}

	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return errors.New("loadgen: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.running = true
	g.paused = false
	g.cancel = cancel
	g.done = make(chan struct{})
	g.started = time.Now()
	g.pausedFor = 0
	g.mu.Unlock()

	go g.run(runCtx)
	return nil
}

// Stop cancels the run and waits for in-flight workers to drain. Safe
// to call multiple times and before Start.
func (g *Generator) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	if g.paused {
		// Unstick a run paused at the gate.
		g.paused = false
		g.pausedFor += time.Since(g.pausedAt)
		close(g.resume)
		g.resume = nil
	}
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Pause suspends worker dispatch. In-flight requests finish.
func (g *Generator) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || g.paused {
		return
	}
	g.paused = true
	g.pausedAt = time.Now()
	g.resume = make(chan struct{})
}

// Resume restarts dispatch after Pause.
func (g *Generator) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	g.pausedFor += time.Since(g.pausedAt)
	close(g.resume)
	g.resume = nil
}

// Done reports a channel closed when the run finishes.
func (g *Generator) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// ActiveElapsed is the time spent generating load, excluding pauses.
func (g *Generator) ActiveElapsed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeElapsedLocked(time.Now())
}

func (g *Generator) activeElapsedLocked(now time.Time) time.Duration {
	if g.started.IsZero() {
		return 0
	}
	elapsed := now.Sub(g.started) - g.pausedFor
	if g.paused {
		elapsed -= now.Sub(g.pausedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

// CurrentPhase names the phase being executed, empty before the first.
func (g *Generator) CurrentPhase() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentPhase
}

// Totals returns cumulative request counts.
func (g *Generator) Totals() Totals {
	return Totals{
		Requests:  g.requests.Load(),
		Successes: g.successes.Load(),
		Failures:  g.failures.Load(),
		Timeouts:  g.timeouts.Load(),
	}
}

func (g *Generator) run(ctx context.Context) {
	defer func() {
		g.mu.Lock()
		g.running = false
		done := g.done
		g.mu.Unlock()
		close(done)
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	semaphore := make(chan struct{}, g.config.MaxConcurrency)
	var workerID atomic.Int64

	var boundary time.Duration
	for _, phase := range g.phases {
		boundary += phase.Duration
		g.limiter.SetLimit(rate.Limit(phase.TargetRPS))
		g.limiter.SetBurst(1)

		g.mu.Lock()
		g.currentPhase = phase.Name
		g.mu.Unlock()
		g.logger.Info("phase started",
			zap.String("phase", phase.Name),
			zap.Float64("target_rps", phase.TargetRPS),
			zap.Duration("duration", phase.Duration))

		for {
			g.mu.Lock()
			elapsed := g.activeElapsedLocked(time.Now())
			resume := g.resume
			g.mu.Unlock()

			if elapsed >= boundary {
				break
			}
			if resume != nil {
				select {
				case <-resume:
					continue
				case <-ctx.Done():
					return
				}
			}

			if err := g.limiter.Wait(ctx); err != nil {
				return
			}

			select {
			case semaphore <- struct{}{}:
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					defer func() { <-semaphore }()
					g.record(g.execute(ctx, id))
				}(int(workerID.Add(1)))
			default:
				// Pool saturated, drop this slot.
			}
		}
	}
}

// execute runs one request, applying the active injection first.
func (g *Generator) execute(ctx context.Context, id int) Result {
	reqCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	g.active.Add(1)
	defer g.active.Add(-1)

	inj, injecting := g.currentInjection()
	if injecting && rand.Float64() < inj.Rate {
		return g.inject(reqCtx, id, inj)
	}
	return g.worker(reqCtx, id)
}

func (g *Generator) currentInjection() (Injection, bool) {
	g.mu.Lock()
	elapsed := g.activeElapsedLocked(time.Now())
	g.mu.Unlock()

	for _, inj := range g.injections {
		if inj.activeAt(elapsed) {
			return inj, true
		}
	}
	return Injection{}, false
}

func (g *Generator) inject(ctx context.Context, id int, inj Injection) Result {
	start := time.Now()
	switch inj.Kind {
	case InjectLatency:
		added := inj.AddedLatency
		if added == 0 {
			added = 200 * time.Millisecond
		}
		select {
		case <-time.After(added):
		case <-ctx.Done():
			return Result{Start: start, Latency: time.Since(start), Err: ctx.Err()}
		}
		res := g.worker(ctx, id)
		res.Latency += added
		return res

	case InjectTimeout:
		select {
		case <-time.After(g.config.Timeout):
		case <-ctx.Done():
		}
		return Result{Start: start, Latency: time.Since(start), Err: context.DeadlineExceeded, TimedOut: true}

	default: // InjectError
		return Result{Start: start, Latency: time.Since(start), Err: ErrInjected}
	}
}

func (g *Generator) record(res Result) {
	g.requests.Add(1)
	switch {
	case res.TimedOut || errors.Is(res.Err, context.DeadlineExceeded):
		res.TimedOut = true
		g.timeouts.Add(1)
		g.failures.Add(1)
		requestsTotal.WithLabelValues("timeout").Inc()
	case res.Err != nil:
		g.failures.Add(1)
		requestsTotal.WithLabelValues("failure").Inc()
	default:
		g.successes.Add(1)
		requestsTotal.WithLabelValues("success").Inc()
	}

	g.mu.Lock()
	g.window = append(g.window, res)
	cutoff := time.Now().Add(-g.config.StatsWindow)
	pruned := 0
	for pruned < len(g.window) && g.window[pruned].Start.Before(cutoff) {
		pruned++
	}
	if pruned > 0 {
		g.window = append(g.window[:0:0], g.window[pruned:]...)
	}
	g.mu.Unlock()
}

// Snapshot summarizes the rolling stats window as a system sample.
// CPU and memory are left zero; Source fills them from the host.
func (g *Generator) Snapshot() metrics.SystemMetrics {
	now := time.Now()

	g.mu.Lock()
	window := make([]Result, len(g.window))
	copy(window, g.window)
	span := g.config.StatsWindow
	if !g.started.IsZero() && now.Sub(g.started) < span {
		span = now.Sub(g.started)
	}
	g.mu.Unlock()

	sys := metrics.SystemMetrics{
		Timestamp:         now.UTC(),
		ActiveConnections: int(g.active.Load()),
	}
	if len(window) == 0 {
		return sys
	}

	latencies := make([]float64, 0, len(window))
	var totalMs float64
	var failures, timeouts int
	for _, r := range window {
		ms := float64(r.Latency) / float64(time.Millisecond)
		latencies = append(latencies, ms)
		totalMs += ms
		if r.Err != nil || r.TimedOut {
			failures++
		}
		if r.TimedOut {
			timeouts++
		}
	}

	n := float64(len(window))
	if span > 0 {
		sys.Throughput = n / span.Seconds()
	}
	sys.AvgResponseMs = totalMs / n
	sys.P99LatencyMs = percentile(latencies, 99)
	sys.ErrorRate = float64(failures) / n
	sys.TimeoutRate = float64(timeouts) / n
	return sys
}

// Source adapts the generator into an aggregator metric source,
// folding host CPU and memory into the system sample so the system
// stream carries one complete sample per tick.
func (g *Generator) Source() metrics.SourceFunc {
	return func(ctx context.Context) (*metrics.SourcePayload, error) {
		sys := g.Snapshot()
		if stats, err := metrics.ReadHostStats(ctx); err == nil {
			sys.CPUPercent = stats.CPUPercent
			sys.MemoryPercent = stats.MemoryPercent
		} else {
			g.logger.Debug("host stats unavailable", zap.Error(err))
		}
		return &metrics.SourcePayload{System: &sys}, nil
	}
}

// percentile is the nearest-rank percentile of unsorted values.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
