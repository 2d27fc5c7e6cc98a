package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SourceFunc is a registered metric source. It is called once per
// aggregation tick and must return within the configured source
// timeout; exceeding it is treated as zero samples for that tick.
type SourceFunc func(ctx context.Context) (*SourcePayload, error)

// SubscriberFunc receives every recorded sample, per stream in FIFO
// order.
type SubscriberFunc func(stream StreamType, sample Sample)

// SourceTimeoutError reports a metric source that exceeded its poll
// budget. It is logged and skipped, never fatal.
type SourceTimeoutError struct {
	Source string
	Budget time.Duration
}

func (e *SourceTimeoutError) Error() string {
	return fmt.Sprintf("metrics: source %s exceeded poll budget %v", e.Source, e.Budget)
}

// AggregatorConfig configures the aggregator.
type AggregatorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	SourceTimeout time.Duration `yaml:"source_timeout"`
	BufferSize    int           `yaml:"buffer_size"`
}

// Validate checks configuration.
func (c *AggregatorConfig) Validate() error {
	if c.PollInterval < 0 {
		return errors.New("metrics: poll_interval must not be negative")
	}
	if c.SourceTimeout < 0 {
		return errors.New("metrics: source_timeout must not be negative")
	}
	return nil
}

// ApplyDefaults fills in default values. The source timeout defaults to
// twice the poll interval.
func (c *AggregatorConfig) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.SourceTimeout == 0 {
		c.SourceTimeout = 2 * c.PollInterval
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferCapacity
	}
}

// AggregatedStats are trailing-window statistics derived purely from
// buffered system samples.
type AggregatedStats struct {
	WindowSeconds float64 `json:"window_seconds"`
	SampleCount   int     `json:"sample_count"`
	AvgThroughput float64 `json:"avg_throughput"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	P50ResponseMs float64 `json:"p50_response_ms"`
	P95ResponseMs float64 `json:"p95_response_ms"`
	P99ResponseMs float64 `json:"p99_response_ms"`
	ErrorRate     float64 `json:"error_rate"`
	SuccessRate   float64 `json:"success_rate"`
}

// Aggregator owns one buffer per metric stream, polls registered
// sources on a timer, and fans new samples out to subscribers.
type Aggregator struct {
	config *AggregatorConfig
	logger *zap.Logger

	mu          sync.RWMutex
	buffers     map[StreamType]*Buffer
	sources     map[string]SourceFunc
	sourceOrder []string
	subscribers map[string]SubscriberFunc
	inFlight    map[string]bool

	// deliverMu serializes append+notify per stream so subscribers see
	// FIFO order within a stream without cross-stream blocking.
	deliverMu map[StreamType]*sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewAggregator creates an aggregator.
func NewAggregator(config *AggregatorConfig, logger *zap.Logger) *Aggregator {
	if config == nil {
		config = &AggregatorConfig{}
	}
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Aggregator{
		config: config,
		logger: logger,
		buffers: map[StreamType]*Buffer{
			StreamSystem:   NewBuffer(config.BufferSize),
			StreamAgent:    NewBuffer(config.BufferSize),
			StreamBusiness: NewBuffer(config.BufferSize),
		},
		sources:     make(map[string]SourceFunc),
		subscribers: make(map[string]SubscriberFunc),
		inFlight:    make(map[string]bool),
		deliverMu: map[StreamType]*sync.Mutex{
			StreamSystem:   {},
			StreamAgent:    {},
			StreamBusiness: {},
		},
	}
}

// RegisterMetricSource registers a source polled once per tick. A
// source registered under an existing name replaces it.
func (a *Aggregator) RegisterMetricSource(name string, fn SourceFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.sources[name]; !exists {
		a.sourceOrder = append(a.sourceOrder, name)
	}
	a.sources[name] = fn
}

// UnregisterMetricSource removes a source.
func (a *Aggregator) UnregisterMetricSource(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.sources[name]; !exists {
		return
	}
	delete(a.sources, name)
	for i, n := range a.sourceOrder {
		if n == name {
			a.sourceOrder = append(a.sourceOrder[:i], a.sourceOrder[i+1:]...)
			break
		}
	}
}

// Subscribe registers a callback invoked with every recorded sample.
// Returns an id for Unsubscribe.
func (a *Aggregator) Subscribe(fn SubscriberFunc) string {
	id := uuid.New().String()
	a.mu.Lock()
	a.subscribers[id] = fn
	a.mu.Unlock()
	return id
}

// Unsubscribe removes a subscriber.
func (a *Aggregator) Unsubscribe(id string) {
	a.mu.Lock()
	delete(a.subscribers, id)
	a.mu.Unlock()
}

// StartCollection starts the polling loop. Idempotent.
func (a *Aggregator) StartCollection(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	go a.collectLoop(loopCtx)
}

// StopCollection stops the polling loop and waits for it to exit.
// Idempotent and safe to call if collection was never started.
func (a *Aggregator) StopCollection() {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.cancel()
	done := a.done
	a.running = false
	a.runMu.Unlock()

	<-done
}

func (a *Aggregator) collectLoop(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollSources(ctx)
		}
	}
}

// pollSources polls every registered source concurrently, each with
// its own bounded timeout. The tick never waits on a poll: a source
// whose previous poll has not returned is skipped this tick, so one
// slow source cannot throttle the cadence for the others.
func (a *Aggregator) pollSources(ctx context.Context) {
	a.mu.Lock()
	names := make([]string, 0, len(a.sourceOrder))
	fns := make([]SourceFunc, 0, len(a.sourceOrder))
	for _, n := range a.sourceOrder {
		if a.inFlight[n] {
			sourcePollsSkipped.WithLabelValues(n).Inc()
			continue
		}
		a.inFlight[n] = true
		names = append(names, n)
		fns = append(fns, a.sources[n])
	}
	a.mu.Unlock()

	for i, name := range names {
		go func(name string, fn SourceFunc) {
			defer func() {
				a.mu.Lock()
				delete(a.inFlight, name)
				a.mu.Unlock()
			}()
			a.pollOne(ctx, name, fn)
		}(name, fns[i])
	}
}

func (a *Aggregator) pollOne(ctx context.Context, name string, fn SourceFunc) {
	pollCtx, cancel := context.WithTimeout(ctx, a.config.SourceTimeout)
	defer cancel()

	start := time.Now()
	payload, err := fn(pollCtx)
	sourcePollDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
			err = &SourceTimeoutError{Source: name, Budget: a.config.SourceTimeout}
		}
		sourcePollFailures.WithLabelValues(name, reason).Inc()
		a.logger.Warn("metric source poll failed",
			zap.String("source", name),
			zap.Error(err))
		return
	}
	if payload == nil {
		return
	}

	if payload.System != nil {
		a.RecordSample(StreamSystem, *payload.System)
	}
	for _, agent := range payload.Agents {
		a.RecordSample(StreamAgent, agent)
	}
	if payload.Business != nil {
		a.RecordSample(StreamBusiness, *payload.Business)
	}
}

// RecordSample appends a sample to its stream buffer and notifies
// subscribers. This is the single mutation point for buffers.
func (a *Aggregator) RecordSample(stream StreamType, sample Sample) {
	a.mu.RLock()
	dmu, ok := a.deliverMu[stream]
	a.mu.RUnlock()
	if !ok {
		a.logger.Warn("sample for unknown stream dropped", zap.String("stream", string(stream)))
		return
	}

	dmu.Lock()
	defer dmu.Unlock()

	a.mu.Lock()
	buf := a.buffers[stream]
	buf.Append(sample)
	size := buf.Len()
	subs := make([]SubscriberFunc, 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	samplesRecorded.WithLabelValues(string(stream)).Inc()
	bufferedSamples.WithLabelValues(string(stream)).Set(float64(size))

	for _, fn := range subs {
		fn(stream, sample)
	}
}

// GetHistory returns the most recent count samples for a stream, in
// chronological order.
func (a *Aggregator) GetHistory(stream StreamType, count int) []Sample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	buf, ok := a.buffers[stream]
	if !ok {
		return nil
	}
	return buf.Recent(count)
}

// LatestSystem returns the newest system sample.
func (a *Aggregator) LatestSystem() (SystemMetrics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.buffers[StreamSystem].Latest()
	if !ok {
		return SystemMetrics{}, false
	}
	return s.(SystemMetrics), true
}

// LatestAgents returns the newest sample per agent id recorded within
// the given trailing window.
func (a *Aggregator) LatestAgents(within time.Duration) []AgentMetrics {
	a.mu.RLock()
	window := a.buffers[StreamAgent].Window(within, time.Now())
	a.mu.RUnlock()

	latest := make(map[string]AgentMetrics)
	var order []string
	for _, s := range window {
		agent := s.(AgentMetrics)
		if _, seen := latest[agent.AgentID]; !seen {
			order = append(order, agent.AgentID)
		}
		latest[agent.AgentID] = agent
	}

	out := make([]AgentMetrics, 0, len(latest))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

// CalculateAggregatedMetrics computes trailing-window statistics from
// buffered system samples. Percentiles use the nearest-rank method:
// the P-th percentile is the value at index ceil(P/100*n)-1 of the
// window sorted by response time. No source is re-polled.
func (a *Aggregator) CalculateAggregatedMetrics(window time.Duration) AggregatedStats {
	a.mu.RLock()
	samples := a.buffers[StreamSystem].Window(window, time.Now())
	a.mu.RUnlock()

	stats := AggregatedStats{
		WindowSeconds: window.Seconds(),
		SampleCount:   len(samples),
	}
	if len(samples) == 0 {
		return stats
	}

	responses := make([]float64, 0, len(samples))
	var sumThroughput, sumResponse, sumErrRate float64
	for _, s := range samples {
		sys := s.(SystemMetrics)
		sumThroughput += sys.Throughput
		sumResponse += sys.AvgResponseMs
		sumErrRate += sys.ErrorRate
		responses = append(responses, sys.AvgResponseMs)
	}
	n := float64(len(samples))
	stats.AvgThroughput = sumThroughput / n
	stats.AvgResponseMs = sumResponse / n
	stats.ErrorRate = sumErrRate / n
	stats.SuccessRate = 1 - stats.ErrorRate

	sort.Float64s(responses)
	stats.P50ResponseMs = nearestRank(responses, 50)
	stats.P95ResponseMs = nearestRank(responses, 95)
	stats.P99ResponseMs = nearestRank(responses, 99)

	return stats
}

// nearestRank returns the p-th percentile of sorted values using the
// nearest-rank rule: value at index ceil(p/100*n)-1.
func nearestRank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
