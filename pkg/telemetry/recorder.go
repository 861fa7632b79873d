package telemetry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/speechsdk/pkg/logging"
	"github.com/harunnryd/speechsdk/pkg/protocol"
)

// Category names a nested metrics slot in the telemetry payload.
type Category string

const (
	CategoryConnection       Category = "Connection"
	CategoryAudioStart       Category = "AudioStart"
	CategoryMicrophone       Category = "Microphone"
	CategoryListeningTrigger Category = "ListeningTrigger"
	CategoryTTS              Category = "TTS"
	CategoryDevice           Category = "Device"
)

// Well-known event keys.
const (
	KeyStart = "Start"
	KeyEnd   = "End"
	KeyID    = "Id"
	KeyError = "Error"
)

// Latency series names.
const (
	LatencyFirstHypothesis = "FirstHypothesisLatencyMs"
	LatencyPhrase          = "PhraseLatencyMs"
)

// MaxReceivedTimestamps bounds the timestamps kept per message path per turn.
const MaxReceivedTimestamps = 50

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryConnection, CategoryAudioStart, CategoryMicrophone,
		CategoryListeningTrigger, CategoryTTS, CategoryDevice:
		return true
	}
	return false
}

// Sender delivers a serialized telemetry payload for requestID.
type Sender func(requestID string, payload []byte)

type event struct {
	requestID string
	category  Category
	key       string
	value     any
}

type record struct {
	received      map[string][]string
	receivedOrder []string
	metrics       map[Category]map[string]any
	metricOrder   []Category
	latencies     map[string][]int64
}

func newRecord() *record {
	return &record{
		received:  make(map[string][]string),
		metrics:   make(map[Category]map[string]any),
		latencies: make(map[string][]int64),
	}
}

func (r *record) set(c Category, key string, value any) {
	slot, ok := r.metrics[c]
	if !ok {
		slot = map[string]any{"Name": string(c)}
		r.metrics[c] = slot
		r.metricOrder = append(r.metricOrder, c)
	}
	slot[key] = value
}

// Recorder accumulates per-request diagnostic data and emits it when a turn
// ends. One mutex guards all state; telemetry volume is low.
type Recorder struct {
	mu         sync.Mutex
	records    map[string]*record
	connEvents []event
	send       Sender
	now        func() time.Time
	logger     *slog.Logger
}

// NewRecorder creates a recorder delivering payloads to send.
func NewRecorder(send Sender, logger *slog.Logger) *Recorder {
	return &Recorder{
		records: make(map[string]*record),
		send:    send,
		now:     time.Now,
		logger:  logging.NewComponentLogger(logger, "usp_telemetry"),
	}
}

// RegisterNewRequestID creates the record for id. Registering twice is
// unexpected but harmless.
func (r *Recorder) RegisterNewRequestID(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; ok {
		r.logger.Warn("telemetry_request_already_registered", slog.String("request_id", id))
		return
	}
	r.records[id] = newRecord()
}

// RecordReceivedMessage appends the receive time of a message with the given
// path. Timestamps past MaxReceivedTimestamps are dropped.
func (r *Recorder) RecordReceivedMessage(id, path string) {
	if id == "" || path == "" {
		return
	}
	ts := protocol.FormatTimestamp(r.now())
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordFor(id)
	list, seen := rec.received[path]
	if len(list) >= MaxReceivedTimestamps {
		return
	}
	if !seen {
		rec.receivedOrder = append(rec.receivedOrder, path)
	}
	rec.received[path] = append(list, ts)
}

// RecordEvent stores value under key in the category slot for id. Connection
// events, and events without a request id, are queued until the next Flush
// because they may happen outside any turn. Unknown categories are rejected.
func (r *Recorder) RecordEvent(id string, c Category, key string, value any) bool {
	if !c.Valid() {
		r.logger.Warn("telemetry_unknown_event", slog.String("category", string(c)), slog.String("key", key))
		return false
	}
	if key == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" || c == CategoryConnection {
		r.connEvents = append(r.connEvents, event{requestID: id, category: c, key: key, value: value})
		return true
	}
	r.recordFor(id).set(c, key, value)
	return true
}

// RecordTimestamp is RecordEvent with the current time as value.
func (r *Recorder) RecordTimestamp(id string, c Category, key string) bool {
	return r.RecordEvent(id, c, key, protocol.FormatTimestamp(r.now()))
}

// RecordConnectionEvent queues a connection-level event not tied to a turn.
func (r *Recorder) RecordConnectionEvent(key string, value any) bool {
	return r.RecordEvent("", CategoryConnection, key, value)
}

// RecordLatency appends a latency sample (in milliseconds) to a named series.
func (r *Recorder) RecordLatency(id, series string, d time.Duration) {
	if id == "" || series == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordFor(id)
	if len(rec.latencies[series]) >= MaxReceivedTimestamps {
		return
	}
	rec.latencies[series] = append(rec.latencies[series], d.Milliseconds())
}

// Flush drains queued connection events into the record for id, then
// serializes and sends that record and forgets it.
func (r *Recorder) Flush(id string) {
	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		r.logger.Warn("telemetry_flush_unknown_request", slog.String("request_id", id))
		return
	}
	queued := r.connEvents
	r.connEvents = nil
	for _, ev := range queued {
		target := ev.requestID
		if target == "" {
			target = id
		}
		rec, ok := r.records[target]
		if !ok {
			r.logger.Debug("telemetry_event_for_retired_request", slog.String("request_id", target))
			continue
		}
		rec.set(ev.category, ev.key, ev.value)
	}
	rec := r.records[id]
	delete(r.records, id)
	payload, err := rec.marshal()
	send := r.send
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("telemetry_marshal_failed", slog.String("request_id", id), slog.String("error", err.Error()))
		return
	}
	if send != nil {
		send(id, payload)
	}
}

// Drop forgets the record for id without sending it.
func (r *Recorder) Drop(id string) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

// DropAll forgets every record and queued event. Used when the connection
// is destroyed with turns still open.
func (r *Recorder) DropAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.records)
	r.records = make(map[string]*record)
	r.connEvents = nil
	return n
}

// Registered reports whether a record exists for id.
func (r *Recorder) Registered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	return ok
}

// ReceivedCount returns how many timestamps are stored for (id, path).
func (r *Recorder) ReceivedCount(id, path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return 0
	}
	return len(rec.received[path])
}

// Pending returns the payload that Flush(id) would send now, without the
// queued connection events.
func (r *Recorder) Pending(id string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	payload, err := rec.marshal()
	if err != nil {
		return nil, false
	}
	return payload, true
}

// recordFor must be called with r.mu held.
func (r *Recorder) recordFor(id string) *record {
	rec, ok := r.records[id]
	if !ok {
		rec = newRecord()
		r.records[id] = rec
	}
	return rec
}

func (rec *record) marshal() ([]byte, error) {
	body := make(map[string]any, 4)
	received := make([]map[string][]string, 0, len(rec.receivedOrder))
	for _, path := range rec.receivedOrder {
		received = append(received, map[string][]string{path: rec.received[path]})
	}
	body["ReceivedMessages"] = received
	metrics := make([]map[string]any, 0, len(rec.metricOrder))
	for _, c := range rec.metricOrder {
		metrics = append(metrics, rec.metrics[c])
	}
	body["Metrics"] = metrics
	for series, values := range rec.latencies {
		body[series] = values
	}
	return json.Marshal(body)
}
