// Package metrics provides bounded metric buffering and time-windowed
// aggregation for load-test runs.
package metrics

import "time"

// StreamType identifies a metric stream.
type StreamType string

const (
	StreamSystem   StreamType = "system"
	StreamAgent    StreamType = "agent"
	StreamBusiness StreamType = "business"
)

// Sample is a timestamped metric record. Samples are immutable once
// appended to a buffer.
type Sample interface {
	SampleTime() time.Time
}

// SystemMetrics captures a point-in-time view of the system under test.
type SystemMetrics struct {
	Timestamp         time.Time `json:"timestamp"`
	Throughput        float64   `json:"throughput"` // requests per second
	AvgResponseMs     float64   `json:"avg_response_ms"`
	P99LatencyMs      float64   `json:"p99_latency_ms"`
	ErrorRate         float64   `json:"error_rate"`   // 0.0-1.0
	TimeoutRate       float64   `json:"timeout_rate"` // 0.0-1.0
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	ActiveConnections int       `json:"active_connections"`
}

// SampleTime implements Sample.
func (m SystemMetrics) SampleTime() time.Time { return m.Timestamp }

// AgentMetrics captures one agent's load and health.
type AgentMetrics struct {
	Timestamp      time.Time `json:"timestamp"`
	AgentID        string    `json:"agent_id"`
	Load           float64   `json:"load"`         // 0.0-1.0
	HealthScore    float64   `json:"health_score"` // 0-100, higher is healthier
	TasksProcessed int64     `json:"tasks_processed"`
	ErrorCount     int64     `json:"error_count"`
	AvgTaskMs      float64   `json:"avg_task_ms"`
}

// SampleTime implements Sample.
func (m AgentMetrics) SampleTime() time.Time { return m.Timestamp }

// BusinessMetrics captures domain-level throughput of the service under
// test. The field set is deliberately generic; the orchestrator never
// interprets these beyond buffering and broadcast.
type BusinessMetrics struct {
	Timestamp time.Time `json:"timestamp"`
	Processed int64     `json:"processed"`
	Approved  int64     `json:"approved"`
	Declined  int64     `json:"declined"`
	Flagged   int64     `json:"flagged"`
	AvgScore  float64   `json:"avg_score"`
}

// SampleTime implements Sample.
func (m BusinessMetrics) SampleTime() time.Time { return m.Timestamp }

// SourcePayload is what a metric source returns for one poll tick. Any
// subset of the fields may be set.
type SourcePayload struct {
	System   *SystemMetrics
	Agents   []AgentMetrics
	Business *BusinessMetrics
}
