package stream

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// inboundSample is a broadcast sample on its way to one client.
type inboundSample struct {
	stream  string
	payload map[string]interface{}
	at      time.Time
}

// subscription is a client's declared interest. Owned exclusively by
// the client goroutine once run() starts.
type subscription struct {
	types          map[string]struct{}
	agentIDs       map[string]struct{}
	fields         map[string]struct{}
	updateInterval time.Duration
}

func (s *subscription) matches(in inboundSample) bool {
	if _, all := s.types[SubscribeAll]; !all {
		if _, ok := s.types[in.stream]; !ok {
			return false
		}
	}
	if len(s.agentIDs) > 0 && in.stream == "agent" {
		id, _ := in.payload["agent_id"].(string)
		if _, ok := s.agentIDs[id]; !ok {
			return false
		}
	}
	return true
}

// filterPayload applies the field allow-list, returning a copy.
func (s *subscription) filterPayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if len(s.fields) > 0 {
			if _, ok := s.fields[k]; !ok && k != "timestamp" && k != "agent_id" {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// client is the per-connection actor: one goroutine owns the batch,
// the flush timer, and the subscription state.
type client struct {
	id        string
	transport Transport
	config    *StreamerConfig
	logger    *zap.Logger
	onClose   func(id string)

	samples  chan inboundSample
	messages chan ClientMessage
	quit     chan struct{}
	quitOnce sync.Once

	// Owned by run().
	sub           subscription
	batch         []BatchItem
	batchStart    time.Time
	lastDelivered time.Time
}

func newClient(id string, transport Transport, config *StreamerConfig, logger *zap.Logger, onClose func(string)) *client {
	return &client{
		id:        id,
		transport: transport,
		config:    config,
		logger:    logger.With(zap.String("client_id", id)),
		onClose:   onClose,
		samples:   make(chan inboundSample, config.QueueSize),
		messages:  make(chan ClientMessage, 16),
		quit:      make(chan struct{}),
		sub: subscription{
			types:    make(map[string]struct{}),
			agentIDs: make(map[string]struct{}),
			fields:   make(map[string]struct{}),
		},
	}
}

// enqueueSample hands a broadcast sample to the actor without
// blocking; a full queue drops the sample for this client only.
func (c *client) enqueueSample(in inboundSample) {
	select {
	case c.samples <- in:
	case <-c.quit:
	default:
		droppedSamples.Inc()
	}
}

func (c *client) enqueueMessage(msg ClientMessage) {
	select {
	case c.messages <- msg:
	case <-c.quit:
	}
}

func (c *client) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// run is the client actor loop. The flush timer is armed when the
// first entry lands in an empty batch and re-armed on throttle; a size
// flush is never throttled.
func (c *client) run() {
	defer func() {
		_ = c.transport.Close()
		c.onClose(c.id)
	}()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	disarm := func() {
		if timerArmed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerArmed = false
	}
	arm := func(d time.Duration) {
		disarm()
		timer.Reset(d)
		timerArmed = true
	}

	for {
		select {
		case <-c.quit:
			// Pending batch is discarded, not force-flushed.
			return

		case msg := <-c.messages:
			c.handleMessage(msg)

		case in := <-c.samples:
			if !c.sub.matches(in) {
				continue
			}
			if len(c.batch) == 0 {
				c.batchStart = in.at
				arm(c.config.BatchTimeout)
			}
			c.batch = append(c.batch, BatchItem{
				Stream: in.stream,
				Data:   c.sub.filterPayload(in.payload),
			})
			if len(c.batch) >= c.config.BatchSize {
				disarm()
				if !c.flush("size") {
					return
				}
			}

		case <-timer.C:
			timerArmed = false
			if len(c.batch) == 0 {
				continue
			}
			// The update-interval throttle delays timeout flushes but
			// never size flushes.
			if wait := c.throttleRemaining(time.Now()); wait > 0 {
				arm(wait)
				continue
			}
			if !c.flush("timeout") {
				return
			}
		}
	}
}

func (c *client) throttleRemaining(now time.Time) time.Duration {
	if c.sub.updateInterval <= 0 || c.lastDelivered.IsZero() {
		return 0
	}
	next := c.lastDelivered.Add(c.sub.updateInterval)
	if now.Before(next) {
		return next.Sub(now)
	}
	return 0
}

// flush delivers the pending batch. Returns false when the transport
// failed and the client must be torn down.
func (c *client) flush(trigger string) bool {
	msg := ServerMessage{
		Timestamp: time.Now().UTC(),
	}
	if len(c.batch) == 1 {
		msg.Type = MsgMetricUpdate
		msg.Stream = c.batch[0].Stream
		msg.Data = c.batch[0].Data
	} else {
		msg.Type = MsgMetricBatch
		msg.Data = c.batch
	}

	c.batch = nil
	c.batchStart = time.Time{}
	c.lastDelivered = time.Now()

	if !c.sendDirect(msg) {
		return false
	}
	flushesTotal.WithLabelValues(trigger).Inc()
	return true
}

// sendDirect marshals and writes a frame. A write failure logs a
// TransportError and reports false.
func (c *client) sendDirect(msg ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("frame not serializable", zap.Error(err))
		return true
	}
	if err := c.transport.Send(data); err != nil {
		c.logger.Warn("client write failed",
			zap.Error(&TransportError{ClientID: c.id, Err: err}))
		c.stop()
		return false
	}
	return true
}

func (c *client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MsgSubscribe:
		for _, mt := range msg.MetricTypes {
			if !validMetricType(mt) {
				c.sendDirect(ServerMessage{
					Type:      MsgError,
					Timestamp: time.Now().UTC(),
					Error:     "unknown metric type: " + mt,
				})
				continue
			}
			c.sub.types[mt] = struct{}{}
		}
		c.sendDirect(ServerMessage{
			Type:        MsgSubscriptionConfirmed,
			Timestamp:   time.Now().UTC(),
			MetricTypes: c.subscribedTypes(),
		})

	case MsgUnsubscribe:
		for _, mt := range msg.MetricTypes {
			delete(c.sub.types, mt)
		}
		c.sendDirect(ServerMessage{
			Type:        MsgSubscriptionConfirmed,
			Timestamp:   time.Now().UTC(),
			MetricTypes: c.subscribedTypes(),
		})

	case MsgSetFilters:
		c.sub.agentIDs = make(map[string]struct{})
		c.sub.fields = make(map[string]struct{})
		if msg.Filters != nil {
			for _, id := range msg.Filters.AgentIDs {
				c.sub.agentIDs[id] = struct{}{}
			}
			for _, f := range msg.Filters.Fields {
				c.sub.fields[f] = struct{}{}
			}
		}
		c.sendDirect(ServerMessage{
			Type:      MsgFiltersUpdated,
			Timestamp: time.Now().UTC(),
		})

	case MsgSetUpdateInterval:
		if msg.IntervalSeconds < 0 {
			c.sendDirect(ServerMessage{
				Type:      MsgError,
				Timestamp: time.Now().UTC(),
				Error:     "interval_seconds must not be negative",
			})
			return
		}
		c.sub.updateInterval = time.Duration(msg.IntervalSeconds * float64(time.Second))
		c.sendDirect(ServerMessage{
			Type:      MsgIntervalUpdated,
			Timestamp: time.Now().UTC(),
		})

	case MsgPing:
		c.sendDirect(ServerMessage{
			Type:      MsgPong,
			Timestamp: time.Now().UTC(),
		})

	default:
		c.sendDirect(ServerMessage{
			Type:      MsgError,
			Timestamp: time.Now().UTC(),
			Error:     "unknown message type: " + msg.Type,
		})
	}
}

func (c *client) subscribedTypes() []string {
	out := make([]string, 0, len(c.sub.types))
	for t := range c.sub.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func validMetricType(t string) bool {
	switch t {
	case "system", "agent", "business", SubscribeAll:
		return true
	}
	return false
}
