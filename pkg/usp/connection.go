package usp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/speechsdk/pkg/audio"
	"github.com/harunnryd/speechsdk/pkg/errorsx"
	"github.com/harunnryd/speechsdk/pkg/logging"
	"github.com/harunnryd/speechsdk/pkg/metrics"
	"github.com/harunnryd/speechsdk/pkg/protocol"
	"github.com/harunnryd/speechsdk/pkg/redact"
	"github.com/harunnryd/speechsdk/pkg/resilience"
	"github.com/harunnryd/speechsdk/pkg/scheduler"
	"github.com/harunnryd/speechsdk/pkg/telemetry"
	"github.com/harunnryd/speechsdk/pkg/transports/websocket"
)

// MessageType decides how a queued message gets its request id.
type MessageType int

const (
	// MessageConfig is connection scoped and gets a fresh untracked id.
	MessageConfig MessageType = iota
	// MessageContext opens a turn; only one is allowed per turn.
	MessageContext
	// MessageEvent is not turn scoped and always gets a fresh id.
	MessageEvent
	// MessageSpeechEvent belongs to the current turn.
	MessageSpeechEvent
	// MessageAgent is not turn scoped and always gets a fresh id.
	MessageAgent
	// MessageSsml reuses the current turn's id.
	MessageSsml
	// MessageAgentConfig behaves like MessageConfig.
	MessageAgentConfig
)

// MaxEventRequests bounds how many event and agent ids are tracked at once.
const MaxEventRequests = 100

func (t MessageType) String() string {
	switch t {
	case MessageConfig:
		return "config"
	case MessageContext:
		return "context"
	case MessageEvent:
		return "event"
	case MessageSpeechEvent:
		return "speech_event"
	case MessageAgent:
		return "agent"
	case MessageSsml:
		return "ssml"
	case MessageAgentConfig:
		return "agent_config"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyConnected   = errors.New("usp: connection already started")
	ErrNotConnected       = errors.New("usp: connection not started")
	ErrClosed             = errors.New("usp: connection closed")
	ErrContextAlreadySent = errors.New("usp: speech context already sent for this turn")
	ErrTurnInProgress     = errors.New("usp: speech context must precede audio")
	ErrNoActiveTurn       = errors.New("usp: no active turn")
	ErrEmptyPath          = errors.New("usp: message path is empty")
	ErrNilPayload         = errors.New("usp: message payload is nil")
	ErrCircuitOpen        = errors.New("usp: connect refused after repeated rate limits")
)

func logicError(err error) error {
	return errorsx.Wrap(err, errorsx.ReasonLogic)
}

// Options wires a Connection to its collaborators. Only Config is required.
type Options struct {
	Config    Config
	Callbacks Callbacks
	// ThreadService runs the work loop. Nil starts a private worker that
	// Disconnect stops.
	ThreadService scheduler.ThreadService
	Dialer        websocket.Dialer
	// Resolver enables the network check. Nil uses the system resolver when
	// Config.ResolveDNS is set and skips the check otherwise.
	Resolver websocket.Resolver
	// Credentials overrides the static credentials from Config.
	Credentials websocket.CredentialProvider
	Breaker     *resilience.CircuitBreaker
	Observer    metrics.Observer
	Logger      *slog.Logger
}

// Connection drives one USP session: it assigns request ids, serializes
// outbound messages onto the channel and turns inbound messages into
// callbacks.
type Connection struct {
	cfg          Config
	cb           Callbacks
	url          string
	connectionID string

	channel   *websocket.Channel
	threads   scheduler.ThreadService
	worker    *scheduler.Worker
	telemetry *telemetry.Recorder
	breaker   *resilience.CircuitBreaker
	obs       metrics.Observer
	logger    *slog.Logger

	// mu guards the turn state below. Inbound dispatch and callers queueing
	// messages may run on different goroutines.
	mu              sync.Mutex
	speechRequestID string
	contextSent     bool
	audioOffset     uint64
	activeRequests  map[string]struct{}
	audioStreams    map[string]string
	audioStartedAt  map[string]time.Time
	hypothesisSeen  map[string]bool
	// eventRequests holds event and agent ids, oldest first.
	eventRequests []string

	started     atomic.Bool
	connected   atomic.Bool
	destroyed   atomic.Bool
	workPending atomic.Bool

	now func() time.Time
}

// NewConnection validates the configuration and builds a closed connection.
func NewConnection(opts Options) (*Connection, error) {
	cfg := opts.Config.withDefaults()
	target, err := cfg.BuildURL()
	if err != nil {
		return nil, err
	}
	connectionID := cfg.ConnectionID
	if connectionID == "" {
		connectionID = protocol.NewRequestID()
	}
	if _, err := uuid.Parse(connectionID); err != nil {
		return nil, errorsx.New(errorsx.ReasonBadRequest, "usp: invalid connection id %q", connectionID)
	}
	obs := opts.Observer
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	c := &Connection{
		cfg:            cfg,
		cb:             opts.Callbacks,
		url:            target,
		connectionID:   connectionID,
		threads:        opts.ThreadService,
		breaker:        opts.Breaker,
		obs:            obs,
		logger:         logging.NewComponentLogger(opts.Logger, "usp_connection").With(slog.String("connection_id", connectionID)),
		activeRequests: make(map[string]struct{}),
		audioStreams:   make(map[string]string),
		audioStartedAt: make(map[string]time.Time),
		hypothesisSeen: make(map[string]bool),
		now:            time.Now,
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(cfg.RateLimitThreshold, cfg.RateLimitCooldown)
	}
	if c.threads == nil {
		c.worker = scheduler.NewWorker(0, opts.Logger)
		c.threads = c.worker
	}
	c.telemetry = telemetry.NewRecorder(c.sendTelemetry, opts.Logger)

	creds := opts.Credentials
	if creds == nil {
		creds = websocket.StaticCredentials(cfg.Credentials())
	}
	resolver := opts.Resolver
	if resolver == nil && cfg.ResolveDNS {
		resolver = websocket.SystemResolver()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.NewGorillaDialer(cfg.HandshakeTimeout)
	}
	header := http.Header{}
	header.Set(protocol.HeaderConnectionID, connectionID)
	c.channel, err = websocket.NewChannel(websocket.Options{
		URL:         target,
		Dialer:      dialer,
		Resolver:    resolver,
		Credentials: creds,
		Header:      header,
		Persistent:  cfg.IsPersistent(),
		Wake:        c.scheduleWork,
		Observer:    obs,
		Logger:      opts.Logger,
	}, channelHandler{c})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConnectionID returns the id sent on the upgrade request.
func (c *Connection) ConnectionID() string { return c.connectionID }

// URL returns the endpoint the connection opens.
func (c *Connection) URL() string { return c.url }

// IsConnected reports whether the socket is open.
func (c *Connection) IsConnected() bool { return c.connected.Load() }

// State returns the channel state.
func (c *Connection) State() websocket.State { return c.channel.State() }

// SpeechRequestID returns the request id of the current turn, if any.
func (c *Connection) SpeechRequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speechRequestID
}

// Connect starts opening the socket and the polling loop. Calling it again
// is only allowed once a failed open has returned the channel to closed.
func (c *Connection) Connect() error {
	if c.destroyed.Load() {
		return logicError(ErrClosed)
	}
	if !c.breaker.Allow() {
		return errorsx.Wrap(ErrCircuitOpen, errorsx.ReasonCircuitOpen)
	}
	first := c.started.CompareAndSwap(false, true)
	if !first && c.channel.State() != websocket.StateClosed {
		return logicError(ErrAlreadyConnected)
	}
	if !first {
		c.abandonTurns("reconnect")
	}
	c.logger.Info("usp_connecting", slog.String("url", redact.URL(c.url)), slog.Bool("reconnect", !first))
	c.telemetry.RecordConnectionEvent(telemetry.KeyStart, protocol.FormatTimestamp(c.now()))
	c.telemetry.RecordConnectionEvent(telemetry.KeyID, c.connectionID)
	if err := c.channel.Connect(); err != nil {
		if first {
			c.started.Store(false)
		}
		return err
	}
	if first {
		c.threads.ExecuteAfter(c.poll, c.cfg.PollingInterval)
	}
	return nil
}

// Disconnect closes the socket, drops telemetry of unfinished turns and stops
// callbacks. It blocks for at most the close handshake bound and must not be
// called from a callback.
func (c *Connection) Disconnect() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	c.channel.Disconnect()
	c.connected.Store(false)
	c.abandonTurns("disconnect")
	if n := c.telemetry.DropAll(); n > 0 {
		c.logger.Debug("usp_telemetry_dropped", slog.Int("turns", n))
	}
	if c.worker != nil {
		c.worker.Stop()
	}
	c.logger.Info("usp_disconnected")
}

// QueueAudioSegment sends one chunk of the current turn's audio. The first
// chunk of a turn allocates its request id. An empty chunk ends the audio.
func (c *Connection) QueueAudioSegment(chunk audio.Chunk) error {
	if chunk.IsEnd() {
		return c.QueueAudioEnd()
	}
	if err := c.checkUsable(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.audioOffset == 0 {
		if c.speechRequestID == "" {
			c.beginTurnLocked(protocol.NewRequestID())
		}
		id := c.speechRequestID
		c.audioStartedAt[id] = c.now()
		c.telemetry.RecordTimestamp(id, telemetry.CategoryAudioStart, telemetry.KeyStart)
		if !chunk.CapturedAt.IsZero() {
			c.telemetry.RecordEvent(id, telemetry.CategoryMicrophone, telemetry.KeyStart, protocol.FormatTimestamp(chunk.CapturedAt))
		}
	}
	id := c.speechRequestID
	c.audioOffset += uint64(len(chunk.Data))
	c.mu.Unlock()

	return c.write(protocol.NewBinaryMessage(protocol.PathAudio, id, protocol.ContentTypeWave, chunk.Data))
}

// QueueAudioEnd terminates the turn's audio with an empty audio message. It
// does nothing when no audio was sent.
func (c *Connection) QueueAudioEnd() error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.audioOffset == 0 {
		c.mu.Unlock()
		return nil
	}
	id := c.speechRequestID
	c.audioOffset = 0
	c.mu.Unlock()

	c.telemetry.RecordTimestamp(id, telemetry.CategoryMicrophone, telemetry.KeyEnd)
	return c.write(protocol.NewBinaryMessage(protocol.PathAudio, id, protocol.ContentTypeWave, []byte{}))
}

// QueueMessage sends payload on path. The request id is chosen by message
// type; requestID, when set, overrides freshly minted ids. It returns the
// request id used.
func (c *Connection) QueueMessage(path string, payload []byte, typ MessageType, requestID string, binary bool) (string, error) {
	if payload == nil {
		return "", logicError(ErrNilPayload)
	}
	if path == "" {
		return "", logicError(ErrEmptyPath)
	}
	if err := c.checkUsable(); err != nil {
		return "", err
	}
	if requestID != "" && !protocol.ValidRequestID(requestID) {
		return "", errorsx.New(errorsx.ReasonLogic, "usp: invalid request id %q", requestID)
	}
	id, err := c.assignRequestID(typ, requestID)
	if err != nil {
		return "", err
	}

	contentType := protocol.ContentTypeJSON
	switch {
	case typ == MessageSsml:
		contentType = protocol.ContentTypeSSML
	case binary:
		contentType = protocol.ContentTypeOctet
	}
	var msg *protocol.Message
	if binary {
		msg = protocol.NewBinaryMessage(path, id, contentType, payload)
	} else {
		msg = protocol.NewTextMessage(path, id, contentType, payload)
	}
	return id, c.write(msg)
}

// SendJSON marshals v and queues it as a text message.
func (c *Connection) SendJSON(path string, v any, typ MessageType) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonLogic)
	}
	return c.QueueMessage(path, payload, typ, "", false)
}

// RecordTelemetryEvent attaches a diagnostic event to the current turn, or to
// the connection when no turn is active.
func (c *Connection) RecordTelemetryEvent(category telemetry.Category, key string, value any) bool {
	return c.telemetry.RecordEvent(c.SpeechRequestID(), category, key, value)
}

func (c *Connection) assignRequestID(typ MessageType, requested string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fresh := requested
	if fresh == "" {
		fresh = protocol.NewRequestID()
	}
	switch typ {
	case MessageConfig, MessageAgentConfig:
		return fresh, nil
	case MessageContext:
		if c.speechRequestID != "" {
			if c.contextSent {
				return "", logicError(ErrContextAlreadySent)
			}
			return "", logicError(ErrTurnInProgress)
		}
		c.beginTurnLocked(fresh)
		c.contextSent = true
		return fresh, nil
	case MessageSpeechEvent:
		if c.speechRequestID != "" {
			return c.speechRequestID, nil
		}
		// Conversation transcription may send events before any context or
		// audio; such an event opens the turn.
		if c.cfg.Mode == ModeConversationTranscription {
			c.logger.Debug("usp_speech_event_opens_turn", slog.String("request_id", fresh))
			c.beginTurnLocked(fresh)
			return fresh, nil
		}
		return "", logicError(ErrNoActiveTurn)
	case MessageEvent, MessageAgent:
		c.trackEventRequestLocked(fresh)
		return fresh, nil
	case MessageSsml:
		if c.speechRequestID == "" {
			return "", logicError(ErrNoActiveTurn)
		}
		return c.speechRequestID, nil
	}
	return "", errorsx.New(errorsx.ReasonLogic, "usp: unknown message type %d", int(typ))
}

// beginTurnLocked must be called with c.mu held.
func (c *Connection) beginTurnLocked(id string) {
	c.speechRequestID = id
	c.contextSent = false
	c.activeRequests[id] = struct{}{}
	c.telemetry.RegisterNewRequestID(id)
}

// trackEventRequestLocked must be called with c.mu held. Past
// MaxEventRequests the oldest event id is forgotten.
func (c *Connection) trackEventRequestLocked(id string) {
	if _, ok := c.activeRequests[id]; ok {
		return
	}
	c.activeRequests[id] = struct{}{}
	c.eventRequests = append(c.eventRequests, id)
	for len(c.eventRequests) > MaxEventRequests {
		oldest := c.eventRequests[0]
		c.eventRequests = c.eventRequests[1:]
		if oldest == c.speechRequestID {
			continue
		}
		if _, ok := c.activeRequests[oldest]; ok {
			delete(c.activeRequests, oldest)
			c.telemetry.Drop(oldest)
			c.logger.Debug("usp_event_request_expired", slog.String("request_id", oldest))
		}
	}
}

// abandonTurns forgets every open request along with its telemetry.
func (c *Connection) abandonTurns(reason string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.activeRequests))
	for id := range c.activeRequests {
		ids = append(ids, id)
	}
	c.speechRequestID = ""
	c.contextSent = false
	c.audioOffset = 0
	c.activeRequests = make(map[string]struct{})
	c.audioStreams = make(map[string]string)
	c.audioStartedAt = make(map[string]time.Time)
	c.hypothesisSeen = make(map[string]bool)
	c.eventRequests = nil
	c.mu.Unlock()

	for _, id := range ids {
		c.telemetry.Drop(id)
	}
	if len(ids) > 0 {
		c.logger.Info("usp_turns_abandoned", slog.String("reason", reason), slog.Int("requests", len(ids)))
	}
}

func (c *Connection) checkUsable() error {
	if c.destroyed.Load() {
		return logicError(ErrClosed)
	}
	if !c.started.Load() {
		return logicError(ErrNotConnected)
	}
	return nil
}

func (c *Connection) write(msg *protocol.Message) error {
	data, err := msg.Serialize()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonLogic)
	}
	if err := c.channel.Enqueue(websocket.Packet{
		Binary:    msg.Binary,
		Data:      data,
		Path:      msg.Path,
		RequestID: msg.RequestID,
	}); err != nil {
		return err
	}
	c.scheduleWork()
	return nil
}

func (c *Connection) sendTelemetry(requestID string, payload []byte) {
	if c.destroyed.Load() {
		return
	}
	metrics.Record(c.obs, metrics.EventTelemetryFlush, float64(len(payload)), nil)
	if err := c.write(protocol.NewTextMessage(protocol.PathTelemetry, requestID, protocol.ContentTypeJSON, payload)); err != nil {
		c.logger.Warn("usp_telemetry_send_failed", slog.String("request_id", requestID), slog.String("error", err.Error()))
	}
}

func (c *Connection) scheduleWork() {
	if c.destroyed.Load() {
		return
	}
	if c.workPending.CompareAndSwap(false, true) {
		c.threads.Execute(c.doWork)
	}
}

func (c *Connection) doWork() {
	c.workPending.Store(false)
	if c.destroyed.Load() {
		return
	}
	c.channel.DoWork()
}

func (c *Connection) poll() {
	if c.destroyed.Load() {
		return
	}
	c.channel.DoWork()
	c.threads.ExecuteAfter(c.poll, c.cfg.PollingInterval)
}

func (c *Connection) onConnected(at time.Time) {
	c.connected.Store(true)
	c.breaker.OnSuccess()
	c.telemetry.RecordConnectionEvent(telemetry.KeyEnd, protocol.FormatTimestamp(at))
	c.logger.Info("usp_connected")
	if c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}
}

func (c *Connection) onDisconnected() {
	c.connected.Store(false)
	if c.destroyed.Load() {
		return
	}
	c.abandonTurns("peer_closed")
	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected()
	}
}

func (c *Connection) onTransportError(te *websocket.TransportError) {
	c.breaker.OnError(te)
	c.telemetry.RecordConnectionEvent(telemetry.KeyError, te.Error())
	if c.destroyed.Load() {
		return
	}
	if c.cb.OnError != nil {
		c.cb.OnError(transportError(te))
	}
}

// channelHandler adapts the websocket handler interface without exporting
// the methods on Connection.
type channelHandler struct{ c *Connection }

func (h channelHandler) OnConnected(at time.Time)                { h.c.onConnected(at) }
func (h channelHandler) OnTextData(data []byte)                  { h.c.onFrame(data, false) }
func (h channelHandler) OnBinaryData(data []byte)                { h.c.onFrame(data, true) }
func (h channelHandler) OnDisconnected()                         { h.c.onDisconnected() }
func (h channelHandler) OnError(err *websocket.TransportError)   { h.c.onTransportError(err) }
func (h channelHandler) OnStateChanged(from, to websocket.State) {}
