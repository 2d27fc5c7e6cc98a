// Package stream delivers live metric samples to subscribed clients
// over a persistent bidirectional connection, with per-client batching
// and filtering.
package stream

import "time"

// Client->server message types.
const (
	MsgSubscribe         = "subscribe"
	MsgUnsubscribe       = "unsubscribe"
	MsgSetFilters        = "set_filters"
	MsgSetUpdateInterval = "set_update_interval"
	MsgPing              = "ping"
)

// Server->client message types.
const (
	MsgWelcome               = "welcome"
	MsgMetricUpdate          = "metric_update"
	MsgMetricBatch           = "metric_batch"
	MsgSubscriptionConfirmed = "subscription_confirmed"
	MsgFiltersUpdated        = "filters_updated"
	MsgIntervalUpdated       = "interval_updated"
	MsgPong                  = "pong"
	MsgError                 = "error"
)

// SubscribeAll subscribes a client to every stream.
const SubscribeAll = "all"

// Filters narrows which samples a client receives.
type Filters struct {
	AgentIDs []string `json:"agent_ids,omitempty"`
	Fields   []string `json:"fields,omitempty"`
}

// ClientMessage is a decoded client->server frame.
type ClientMessage struct {
	Type            string   `json:"type"`
	MetricTypes     []string `json:"metric_types,omitempty"`
	Filters         *Filters `json:"filters,omitempty"`
	IntervalSeconds float64  `json:"interval_seconds,omitempty"`
}

// ServerMessage is a server->client frame. Data carries a single
// filtered sample for metric_update and an array of BatchItem for
// metric_batch.
type ServerMessage struct {
	Type        string      `json:"type"`
	Timestamp   time.Time   `json:"timestamp"`
	Stream      string      `json:"stream,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	MetricTypes []string    `json:"metric_types,omitempty"`
	Error       string      `json:"error,omitempty"`
	ClientID    string      `json:"client_id,omitempty"`
}

// BatchItem is one entry of a metric_batch frame.
type BatchItem struct {
	Stream string                 `json:"stream"`
	Data   map[string]interface{} `json:"data"`
}
