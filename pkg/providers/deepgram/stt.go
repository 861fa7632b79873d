package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/harunnryd/speechsdk/pkg/audio"
	"github.com/harunnryd/speechsdk/pkg/configutil"
	"github.com/harunnryd/speechsdk/pkg/errorsx"
	"github.com/harunnryd/speechsdk/pkg/logging"
	"github.com/harunnryd/speechsdk/pkg/protocol"
	"github.com/harunnryd/speechsdk/pkg/resilience"
	"github.com/harunnryd/speechsdk/pkg/usp"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var (
	ErrConnectFailed = errors.New("deepgram: connection failed")
	ErrNotConnected  = errors.New("deepgram: not connected")
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	ConnectRetries int    `mapstructure:"connect_retries"`
}

var configSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "language", "encoding", "sample_rate", "interim", "vad_events", "utterance_end_ms", "connect_retries"},
}

// DecodeConfig builds a Config from a settings map.
func DecodeConfig(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.ValidateSettings(settings, configSchema); err != nil {
		return cfg, errorsx.Wrap(err, errorsx.ReasonBadRequest)
	}
	if err := configutil.DecodeSettings(settings, &cfg); err != nil {
		return cfg, errorsx.Wrap(err, errorsx.ReasonBadRequest)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	return c
}

// Backend recognizes speech through Deepgram's live API and reports results
// through the same callbacks as a usp.Connection. One turn spans the audio
// between the first chunk and the end-of-stream chunk.
type Backend struct {
	cfg    Config
	cb     usp.Callbacks
	logger *slog.Logger
	retry  resilience.RetryPolicy

	mu         sync.Mutex
	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	requestID  string
	metaLogged bool
	closed     bool
}

func New(cfg Config, cb usp.Callbacks, logger *slog.Logger) *Backend {
	cfg = cfg.withDefaults()
	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 3
	}
	return &Backend{
		cfg:    cfg,
		cb:     cb,
		logger: logging.NewComponentLogger(logger, "deepgram_stt"),
		retry:  resilience.NewRetryPolicy(retries, 200*time.Millisecond),
	}
}

// Connect opens the live websocket and starts streaming the audio pipe.
func (b *Backend) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.dgClient != nil {
		b.mu.Unlock()
		return errorsx.Wrap(usp.ErrAlreadyConnected, errorsx.ReasonLogic)
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.pipeReader, b.pipeWriter = io.Pipe()
	b.mu.Unlock()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          b.cfg.Model,
		Language:       b.cfg.Language,
		Encoding:       b.cfg.Encoding,
		SampleRate:     b.cfg.SampleRate,
		InterimResults: b.cfg.Interim,
		VadEvents:      b.cfg.VADEvents,
		SmartFormat:    true,
	}
	if b.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", b.cfg.UtteranceEndMS)
	}

	b.logger.Info("deepgram_connecting",
		slog.String("model", b.cfg.Model),
		slog.Bool("vad_events", b.cfg.VADEvents),
		slog.Int("sample_rate", b.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(ctx, b.cfg.APIKey, clientOptions, transcriptOptions, &callback{b: b})
	if err != nil {
		cancel()
		b.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonBadRequest)
	}

	err = b.retry.Do(ctx, func() error {
		if !dgClient.Connect() {
			b.logger.Warn("deepgram_connect_failed")
			return ErrConnectFailed
		}
		return nil
	})
	if err != nil {
		cancel()
		b.emitError(errorsx.ReasonServiceUnavailable, err)
		return errorsx.Wrap(err, errorsx.ReasonServiceUnavailable)
	}

	b.mu.Lock()
	b.dgClient = dgClient
	reader := b.pipeReader
	b.mu.Unlock()

	go func() {
		if err := dgClient.Stream(reader); err != nil && ctx.Err() == nil {
			b.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// QueueAudioSegment writes one chunk to the stream. The first chunk of a
// turn starts it; an empty chunk ends the audio.
func (b *Backend) QueueAudioSegment(c audio.Chunk) error {
	b.mu.Lock()
	if b.dgClient == nil || b.closed {
		b.mu.Unlock()
		return errorsx.Wrap(ErrNotConnected, errorsx.ReasonLogic)
	}
	w := b.pipeWriter
	if c.IsEnd() {
		b.mu.Unlock()
		return w.Close()
	}
	started := ""
	if b.requestID == "" {
		b.requestID = protocol.NewRequestID()
		started = b.requestID
	}
	b.mu.Unlock()

	if started != "" && b.cb.OnTurnStart != nil {
		b.cb.OnTurnStart(usp.TurnStart{RequestID: started})
	}
	if _, err := w.Write(c.Data); err != nil {
		b.logger.Error("deepgram_audio_write_failed", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonRuntime)
	}
	return nil
}

// Disconnect stops streaming and ends any open turn.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	dgClient, cancel, w := b.dgClient, b.cancel, b.pipeWriter
	b.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	if dgClient != nil {
		dgClient.Stop()
	}
	if cancel != nil {
		cancel()
	}
	b.endTurn()
	b.logger.Info("deepgram_disconnected")
}

// RequestID returns the id of the open turn, if any.
func (b *Backend) RequestID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requestID
}

func (b *Backend) endTurn() {
	b.mu.Lock()
	id := b.requestID
	b.requestID = ""
	b.mu.Unlock()
	if id != "" && b.cb.OnTurnEnd != nil {
		b.cb.OnTurnEnd(usp.TurnEnd{RequestID: id})
	}
}

func (b *Backend) emitError(reason errorsx.ReasonCode, err error) {
	if b.cb.OnError == nil {
		return
	}
	b.cb.OnError(&usp.Error{Reason: reason, RequestID: b.RequestID(), Transport: true, Err: err})
}

// secondsToTicks converts Deepgram's second offsets to 100ns ticks.
func secondsToTicks(s float64) usp.Ticks {
	return usp.TicksFromDuration(time.Duration(math.Round(s * float64(time.Second))))
}

type callback struct {
	b *Backend
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.b.logger.Info("deepgram_connection_opened")
	if c.b.cb.OnConnected != nil {
		c.b.cb.OnConnected()
	}
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	res := usp.SpeechResult{
		RequestID: c.b.RequestID(),
		Offset:    secondsToTicks(mr.Start),
		Duration:  secondsToTicks(mr.Duration),
		Text:      alt.Transcript,
		Language:  c.b.cfg.Language,
		ResultID:  mr.Metadata.RequestID,
	}
	if !mr.IsFinal {
		if c.b.cb.OnSpeechHypothesis != nil {
			c.b.cb.OnSpeechHypothesis(usp.SpeechHypothesis{SpeechResult: res})
		}
		return nil
	}
	c.b.logger.Debug("deepgram_final", slog.Bool("speech_final", mr.SpeechFinal))
	if c.b.cb.OnSpeechPhrase != nil {
		c.b.cb.OnSpeechPhrase(usp.SpeechPhrase{
			SpeechResult: res,
			Status:       usp.StatusSuccess,
			NBest:        []usp.NBestEntry{{Confidence: alt.Confidence, Lexical: alt.Transcript, Display: alt.Transcript}},
		})
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.b.mu.Lock()
	first := !c.b.metaLogged
	c.b.metaLogged = true
	c.b.mu.Unlock()
	if first {
		c.b.logger.Info("deepgram_metadata_received", slog.String("deepgram_request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	if c.b.cb.OnSpeechStartDetected != nil {
		c.b.cb.OnSpeechStartDetected(usp.SpeechStartDetected{
			RequestID: c.b.RequestID(),
			Offset:    secondsToTicks(ssr.Timestamp),
		})
	}
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	if c.b.cb.OnSpeechEndDetected != nil {
		c.b.cb.OnSpeechEndDetected(usp.SpeechEndDetected{
			RequestID: c.b.RequestID(),
			Offset:    secondsToTicks(ur.LastWordEnd),
		})
	}
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.b.logger.Info("deepgram_connection_closed")
	c.b.endTurn()
	if c.b.cb.OnDisconnected != nil {
		c.b.cb.OnDisconnected()
	}
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.b.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.b.emitError(errorsx.ReasonRuntime, fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.b.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var (
	_ audio.Sink                        = (*Backend)(nil)
	_ msginterfaces.LiveMessageCallback = (*callback)(nil)
)
