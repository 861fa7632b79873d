package metrics

import "time"

// Event names recorded by the transport and the connection.
const (
	EventStateChange     = "ws_state"
	EventFrameSent       = "ws_frame_sent"
	EventFrameReceived   = "ws_frame_received"
	EventSendFailed      = "ws_send_failed"
	EventOpenLatency     = "ws_open_latency_ms"
	EventMessageReceived = "usp_message_received"
	EventTurnEnd         = "usp_turn_end"
	EventTelemetryFlush  = "usp_telemetry_flush"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a convenience for emitting a tagged event; a nil observer is ignored.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}
