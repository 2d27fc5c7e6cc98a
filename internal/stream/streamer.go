package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/FairForge/loadgrid/internal/metrics"
)

var (
	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loadgrid_stream_clients_connected",
		Help: "Number of connected streaming clients",
	})

	droppedSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loadgrid_stream_samples_dropped_total",
		Help: "Samples dropped because a client's queue was full",
	})

	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loadgrid_stream_flushes_total",
		Help: "Batch flushes delivered, by trigger",
	}, []string{"trigger"})
)

// Transport delivers frames to one client. Implementations must be
// safe for concurrent Send.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// TransportError reports a client connection failure. Only that client
// is disconnected.
type TransportError struct {
	ClientID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream: client %s transport failed: %v", e.ClientID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StreamerConfig configures per-client batching.
type StreamerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

// ApplyDefaults fills in default values.
func (c *StreamerConfig) ApplyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 500 * time.Millisecond
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
}

// Streamer manages client subscriptions and fans aggregated samples
// out to them. Each client is an independent goroutine owning its own
// batch and timer; no state is shared between clients.
type Streamer struct {
	config *StreamerConfig
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewStreamer creates a streamer.
func NewStreamer(config *StreamerConfig, logger *zap.Logger) *Streamer {
	if config == nil {
		config = &StreamerConfig{}
	}
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{
		config:  config,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// OnClientConnect registers a client and sends the welcome frame.
func (s *Streamer) OnClientConnect(id string, transport Transport) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("stream: streamer is shut down")
	}
	if _, exists := s.clients[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("stream: client %s already connected", id)
	}
	c := newClient(id, transport, s.config, s.logger, s.removeClient)
	s.clients[id] = c
	s.mu.Unlock()

	connectedClients.Inc()
	c.sendDirect(ServerMessage{
		Type:      MsgWelcome,
		Timestamp: time.Now().UTC(),
		ClientID:  id,
	})
	go c.run()

	s.logger.Info("client connected", zap.String("client_id", id))
	return nil
}

// OnClientDisconnect tears down a client's subscription. Safe to call
// for unknown ids.
func (s *Streamer) OnClientDisconnect(id string) {
	s.mu.RLock()
	c := s.clients[id]
	s.mu.RUnlock()
	if c == nil {
		return
	}
	c.stop()
}

// removeClient is handed to each client as its close callback.
func (s *Streamer) removeClient(id string) {
	s.mu.Lock()
	_, existed := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()

	if existed {
		connectedClients.Dec()
		s.logger.Info("client disconnected", zap.String("client_id", id))
	}
}

// HandleClientMessage dispatches one raw client frame. Malformed or
// unknown frames get an error response, never a disconnect.
func (s *Streamer) HandleClientMessage(id string, raw []byte) {
	s.mu.RLock()
	c := s.clients[id]
	s.mu.RUnlock()
	if c == nil {
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendDirect(ServerMessage{
			Type:      MsgError,
			Timestamp: time.Now().UTC(),
			Error:     "malformed message",
		})
		return
	}
	c.enqueueMessage(msg)
}

// Broadcast matches a sample against every client's subscription and
// hands it to the matching clients' batchers. Called by the
// aggregator's subscription callback; never blocks on a slow client.
func (s *Streamer) Broadcast(streamType metrics.StreamType, sample metrics.Sample) {
	payload, err := samplePayload(sample)
	if err != nil {
		s.logger.Warn("broadcast sample not serializable", zap.Error(err))
		return
	}

	in := inboundSample{
		stream:  string(streamType),
		payload: payload,
		at:      time.Now(),
	}

	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.enqueueSample(in)
	}
}

// ClientCount returns the number of connected clients.
func (s *Streamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Shutdown disconnects every client and rejects new connections.
// Unflushed batches are discarded.
func (s *Streamer) Shutdown() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
}

// samplePayload converts a sample to a generic map so per-client field
// filters can be applied without knowing the concrete type.
func samplePayload(sample metrics.Sample) (map[string]interface{}, error) {
	data, err := json.Marshal(sample)
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
