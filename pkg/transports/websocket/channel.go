package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/harunnryd/speechsdk/pkg/errorsx"
	"github.com/harunnryd/speechsdk/pkg/logging"
	"github.com/harunnryd/speechsdk/pkg/metrics"
	"github.com/harunnryd/speechsdk/pkg/redact"
)

const (
	// MaxSendsPerWork caps outbound packets written per DoWork pass so a
	// burst of sends cannot starve inbound processing.
	MaxSendsPerWork = 20
	// CloseRetryCount and CloseRetryInterval bound the graceful close wait.
	CloseRetryCount    = 100
	CloseRetryInterval = 10 * time.Millisecond
	// TokenRefreshInterval forces a reconnect of persistent channels.
	TokenRefreshInterval = 9*time.Minute + 30*time.Second

	defaultResolveTimeout = 10 * time.Second
	defaultEventBuffer    = 256
)

// Packet is one serialized frame waiting to be written.
type Packet struct {
	Binary    bool
	Data      []byte
	Path      string
	RequestID string
}

// Handler receives channel notifications. All methods except OnStateChanged
// are invoked from DoWork; OnStateChanged runs on whichever goroutine moved
// the state.
type Handler interface {
	OnConnected(at time.Time)
	OnTextData(data []byte)
	OnBinaryData(data []byte)
	OnStateChanged(from, to State)
	OnDisconnected()
	OnError(err *TransportError)
}

// Options configures a Channel.
type Options struct {
	URL         string
	Dialer      Dialer
	Resolver    Resolver
	Credentials CredentialProvider
	// Header is attached to every upgrade request in addition to credentials.
	Header http.Header
	// Persistent channels rotate credentials by reconnecting.
	Persistent     bool
	ResolveTimeout time.Duration
	// Wake is called when background I/O completes and DoWork should run.
	Wake     func()
	Observer metrics.Observer
	Logger   *slog.Logger
}

type eventKind int

const (
	evResolved eventKind = iota
	evOpened
	evFrame
	evClosed
	evReadFailed
)

type event struct {
	kind      eventKind
	gen       uint64
	frameType int
	data      []byte
	sock      Socket
	resp      *http.Response
	creds     Credentials
	started   time.Time
	err       error
}

// Channel owns one websocket connection and its outbound queue. Its state
// machine advances only when DoWork is called.
type Channel struct {
	opts    Options
	handler Handler
	logger  *slog.Logger
	host    string

	state atomic.Int32

	queueMu sync.Mutex
	queue   []Packet

	workMu sync.Mutex

	sockMu      sync.Mutex
	sock        Socket
	gen         uint64
	openedWith  Credentials
	connectedAt time.Time
	resetAt     time.Time

	isOpen atomic.Bool

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	now   func() time.Time
	sleep func(time.Duration)
}

// NewChannel creates a closed channel.
func NewChannel(opts Options, handler Handler) (*Channel, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Host == "" {
		return nil, errorsx.New(errorsx.ReasonLogic, "websocket: invalid url %q", redact.URL(opts.URL))
	}
	if handler == nil {
		return nil, errorsx.New(errorsx.ReasonLogic, "websocket: handler required")
	}
	if opts.Dialer == nil {
		opts.Dialer = NewGorillaDialer(0)
	}
	if opts.Credentials == nil {
		opts.Credentials = StaticCredentials{}
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = defaultResolveTimeout
	}
	return &Channel{
		opts:    opts,
		handler: handler,
		logger:  logging.NewComponentLogger(opts.Logger, "usp_websocket"),
		host:    u.Hostname(),
		events:  make(chan event, defaultEventBuffer),
		done:    make(chan struct{}),
		now:     time.Now,
		sleep:   time.Sleep,
	}, nil
}

// State returns the current state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// IsOpen reports whether the underlying socket is open.
func (c *Channel) IsOpen() bool {
	return c.isOpen.Load()
}

// ConnectedAt returns when the current socket was opened.
func (c *Channel) ConnectedAt() time.Time {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return c.connectedAt
}

// Connect starts the open sequence. The work happens in subsequent DoWork
// calls.
func (c *Channel) Connect() error {
	if c.state.CompareAndSwap(int32(StateClosed), int32(StateNetworkCheck)) {
		c.notifyState(StateClosed, StateNetworkCheck)
		c.wake()
		return nil
	}
	if c.State() == StateDestroying {
		return errorsx.Wrap(ErrDestroyed, errorsx.ReasonLogic)
	}
	return errorsx.Wrap(ErrAlreadyStarted, errorsx.ReasonLogic)
}

// Enqueue appends a packet to the outbound FIFO.
func (c *Channel) Enqueue(p Packet) error {
	if c.State() == StateDestroying {
		return errorsx.Wrap(ErrDestroyed, errorsx.ReasonLogic)
	}
	c.queueMu.Lock()
	c.queue = append(c.queue, p)
	c.queueMu.Unlock()
	return nil
}

// Pending returns the number of queued outbound packets.
func (c *Channel) Pending() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// DoWork processes completed I/O and advances the state machine one step.
func (c *Channel) DoWork() {
	c.workMu.Lock()
	defer c.workMu.Unlock()

	c.drainEvents()

	switch c.State() {
	case StateClosed:
		if n := c.discardQueue(); n > 0 {
			c.logger.Debug("ws_stale_packets_dropped", slog.Int("count", n))
		}
	case StateNetworkCheck:
		c.startNetworkCheck()
	case StateNetworkCheckComplete:
		c.startOpen(StateNetworkCheckComplete)
	case StateConnected:
		if c.needsRotation() {
			c.startReset()
			return
		}
		c.sendQueued()
	case StateResetting:
		c.checkResetTimeout()
	case StateNetworkChecking, StateOpening, StateDestroying:
	}
}

// Disconnect tears the channel down. It waits a bounded time for the close
// handshake, then force-closes. Errors are suppressed from this point on.
func (c *Channel) Disconnect() {
	c.forceState(StateDestroying)
	c.workMu.Lock()
	sock := c.socket()
	c.workMu.Unlock()

	if sock != nil && c.isOpen.Load() {
		deadline := c.now().Add(CloseRetryCount * CloseRetryInterval)
		if err := sock.WriteControl(CloseFrame, gws.FormatCloseMessage(gws.CloseNormalClosure, ""), deadline); err != nil {
			c.logger.Debug("ws_close_handshake_failed", slog.String("error", err.Error()))
		} else {
			for i := 0; i < CloseRetryCount && c.isOpen.Load(); i++ {
				c.DoWork()
				if !c.isOpen.Load() {
					break
				}
				c.sleep(CloseRetryInterval)
			}
		}
		if c.isOpen.Load() {
			c.logger.Warn("ws_close_forced")
		}
	}

	c.closeOnce.Do(func() { close(c.done) })
	c.workMu.Lock()
	c.destroySocket()
	c.discardEvents()
	c.workMu.Unlock()
	if n := c.discardQueue(); n > 0 {
		c.logger.Debug("ws_packets_dropped_on_destroy", slog.Int("count", n))
	}
}

func (c *Channel) drainEvents() {
	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ev)
		default:
			return
		}
	}
}

func (c *Channel) discardEvents() {
	for {
		select {
		case ev := <-c.events:
			if ev.sock != nil {
				_ = ev.sock.Close()
			}
		default:
			return
		}
	}
}

func (c *Channel) handleEvent(ev event) {
	c.sockMu.Lock()
	current := c.gen
	c.sockMu.Unlock()
	if ev.gen != current {
		if ev.sock != nil {
			_ = ev.sock.Close()
		}
		return
	}
	switch ev.kind {
	case evResolved:
		c.onResolved(ev)
	case evOpened:
		c.onOpened(ev)
	case evFrame:
		c.onFrame(ev)
	case evClosed, evReadFailed:
		c.onSocketClosed(ev)
	}
}

func (c *Channel) startNetworkCheck() {
	if c.opts.Resolver == nil {
		c.startOpen(StateNetworkCheck)
		return
	}
	if !c.changeState(StateNetworkCheck, StateNetworkChecking) {
		return
	}
	gen := c.nextGen()
	resolver := c.opts.Resolver
	host := c.host
	timeout := c.opts.ResolveTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := resolver.LookupHost(ctx, host)
		c.post(event{kind: evResolved, gen: gen, err: err})
	}()
}

func (c *Channel) onResolved(ev event) {
	if c.State() != StateNetworkChecking {
		return
	}
	if ev.err != nil {
		c.changeState(StateNetworkChecking, StateClosed)
		c.raise(&TransportError{Op: OpResolve, Reason: errorsx.ReasonConnection, Err: ev.err})
		return
	}
	c.changeState(StateNetworkChecking, StateNetworkCheckComplete)
	c.startOpen(StateNetworkCheckComplete)
}

func (c *Channel) startOpen(from State) {
	if !c.changeState(from, StateOpening) {
		return
	}
	gen := c.nextGen()
	creds := c.opts.Credentials.Credentials()
	header := creds.Header()
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	dialer := c.opts.Dialer
	target := c.opts.URL
	started := c.now()
	c.logger.Debug("ws_opening", slog.String("url", redact.URL(target)))
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		sock, resp, err := dialer.DialContext(ctx, target, header)
		c.post(event{kind: evOpened, gen: gen, sock: sock, resp: resp, err: err, creds: creds, started: started})
	}()
}

func (c *Channel) onOpened(ev event) {
	if c.State() != StateOpening {
		if ev.sock != nil {
			_ = ev.sock.Close()
		}
		return
	}
	if ev.err != nil || ev.sock == nil {
		c.changeState(StateOpening, StateClosed)
		c.raise(classifyOpenError(c.host, ev.resp, ev.err))
		return
	}
	at := c.now()
	c.sockMu.Lock()
	c.sock = ev.sock
	c.openedWith = ev.creds
	c.connectedAt = at
	gen := c.gen
	c.sockMu.Unlock()
	c.isOpen.Store(true)
	metrics.Record(c.opts.Observer, metrics.EventOpenLatency, float64(at.Sub(ev.started).Milliseconds()), nil)
	c.changeState(StateOpening, StateConnected)
	go c.readLoop(gen, ev.sock)
	c.logger.Info("ws_connected", slog.String("host", c.host))
	c.handler.OnConnected(at)
}

func (c *Channel) readLoop(gen uint64, sock Socket) {
	for {
		mt, data, err := sock.ReadMessage()
		if err != nil {
			kind := evReadFailed
			var ce *gws.CloseError
			if errors.As(err, &ce) {
				kind = evClosed
			}
			c.post(event{kind: kind, gen: gen, err: err})
			return
		}
		if !c.post(event{kind: evFrame, gen: gen, frameType: mt, data: data}) {
			return
		}
	}
}

func (c *Channel) onFrame(ev event) {
	state := c.State()
	if state == StateDestroying {
		return
	}
	switch ev.frameType {
	case TextFrame:
		metrics.Record(c.opts.Observer, metrics.EventFrameReceived, float64(len(ev.data)), map[string]string{"type": "text"})
		c.handler.OnTextData(ev.data)
	case BinaryFrame:
		metrics.Record(c.opts.Observer, metrics.EventFrameReceived, float64(len(ev.data)), map[string]string{"type": "binary"})
		c.handler.OnBinaryData(ev.data)
	default:
		c.logger.Warn("ws_unknown_frame_type",
			slog.Int("frame_type", ev.frameType),
			slog.String("reason", string(errorsx.ReasonProtocolViolation)))
	}
}

func (c *Channel) onSocketClosed(ev event) {
	c.isOpen.Store(false)
	c.destroySocket()
	switch c.State() {
	case StateDestroying:
		c.logger.Debug("ws_closed_during_destroy")
	case StateResetting:
		c.logger.Info("ws_reset_complete")
		c.changeState(StateResetting, StateNetworkCheck)
		c.wake()
	default:
		prev := c.State()
		c.changeState(prev, StateClosed)
		c.handler.OnDisconnected()
		c.raise(closeError(ev.err))
	}
}

func (c *Channel) needsRotation() bool {
	if !c.opts.Persistent {
		return false
	}
	c.sockMu.Lock()
	opened := c.openedWith
	at := c.connectedAt
	c.sockMu.Unlock()
	if c.opts.Credentials.Credentials() != opened {
		c.logger.Info("ws_credentials_rotated")
		return true
	}
	if c.now().Sub(at) > TokenRefreshInterval {
		c.logger.Info("ws_token_refresh_due", slog.Duration("open_for", c.now().Sub(at)))
		return true
	}
	return false
}

func (c *Channel) startReset() {
	if !c.changeState(StateConnected, StateResetting) {
		return
	}
	c.sockMu.Lock()
	sock := c.sock
	c.resetAt = c.now()
	c.sockMu.Unlock()
	if sock == nil {
		c.finishReset()
		return
	}
	deadline := c.now().Add(CloseRetryCount * CloseRetryInterval)
	if err := sock.WriteControl(CloseFrame, gws.FormatCloseMessage(gws.CloseNormalClosure, "credential refresh"), deadline); err != nil {
		c.logger.Debug("ws_reset_close_failed", slog.String("error", err.Error()))
		c.finishReset()
	}
}

func (c *Channel) checkResetTimeout() {
	c.sockMu.Lock()
	started := c.resetAt
	c.sockMu.Unlock()
	if c.now().Sub(started) >= CloseRetryCount*CloseRetryInterval {
		c.logger.Warn("ws_reset_close_timeout")
		c.finishReset()
	}
}

func (c *Channel) finishReset() {
	c.isOpen.Store(false)
	c.destroySocket()
	c.changeState(StateResetting, StateNetworkCheck)
	c.wake()
}

func (c *Channel) sendQueued() {
	sock := c.socket()
	if sock == nil {
		return
	}
	for i := 0; i < MaxSendsPerWork; i++ {
		p, ok := c.dequeue()
		if !ok {
			return
		}
		frameType := TextFrame
		kind := "text"
		if p.Binary {
			frameType = BinaryFrame
			kind = "binary"
		}
		if err := sock.WriteMessage(frameType, p.Data); err != nil {
			metrics.Record(c.opts.Observer, metrics.EventSendFailed, 1, map[string]string{"path": p.Path})
			c.raise(&TransportError{Op: OpSend, Reason: errorsx.ReasonConnection, Err: err})
			return
		}
		metrics.Record(c.opts.Observer, metrics.EventFrameSent, float64(len(p.Data)), map[string]string{"type": kind, "path": p.Path})
	}
	if c.Pending() > 0 {
		c.wake()
	}
}

func (c *Channel) dequeue() (Packet, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return Packet{}, false
	}
	p := c.queue[0]
	c.queue[0] = Packet{}
	c.queue = c.queue[1:]
	return p, true
}

func (c *Channel) discardQueue() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	n := len(c.queue)
	c.queue = nil
	return n
}

// raise reports a transport error unless the channel is being destroyed.
func (c *Channel) raise(err *TransportError) {
	if c.State() == StateDestroying {
		c.logger.Debug("ws_error_suppressed", slog.String("op", err.Op), slog.String("error", err.Error()))
		return
	}
	attrs := []any{slog.String("op", err.Op), slog.String("reason", string(err.Reason)), slog.String("error", redact.Text(err.Error()))}
	if err.HTTPStatus != 0 {
		attrs = append(attrs, slog.String("http_status", strconv.Itoa(err.HTTPStatus)))
	}
	c.logger.Error("ws_transport_error", attrs...)
	c.handler.OnError(err)
}

// changeState moves from -> to with a compare-and-swap. On mismatch the
// transition is forced and logged. Destroying is never left.
func (c *Channel) changeState(from, to State) bool {
	if c.state.CompareAndSwap(int32(from), int32(to)) {
		c.notifyState(from, to)
		return true
	}
	actual := c.State()
	if actual == StateDestroying {
		return false
	}
	c.logger.Warn("ws_state_mismatch",
		slog.String("expected", from.String()),
		slog.String("actual", actual.String()),
		slog.String("target", to.String()))
	c.state.Store(int32(to))
	c.notifyState(actual, to)
	return true
}

func (c *Channel) forceState(to State) {
	prev := State(c.state.Swap(int32(to)))
	if prev != to {
		c.notifyState(prev, to)
	}
}

func (c *Channel) notifyState(from, to State) {
	metrics.Record(c.opts.Observer, metrics.EventStateChange, 1, map[string]string{"from": from.String(), "to": to.String()})
	c.logger.Debug("ws_state_changed", slog.String("from", from.String()), slog.String("to", to.String()))
	c.handler.OnStateChanged(from, to)
}

// post hands a background result to DoWork. Nothing stays buffered once done
// is closed; a socket carried by a refused event is closed here.
func (c *Channel) post(ev event) bool {
	select {
	case <-c.done:
		closeEventSocket(ev)
		return false
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
		closeEventSocket(ev)
		return false
	}
	// Disconnect may have drained between the check and the send.
	select {
	case <-c.done:
		c.discardEvents()
		return false
	default:
	}
	c.wake()
	return true
}

func closeEventSocket(ev event) {
	if ev.sock != nil {
		_ = ev.sock.Close()
	}
}

func (c *Channel) wake() {
	if c.opts.Wake != nil {
		c.opts.Wake()
	}
}

func (c *Channel) nextGen() uint64 {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	c.gen++
	return c.gen
}

func (c *Channel) socket() Socket {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	return c.sock
}

func (c *Channel) destroySocket() {
	c.sockMu.Lock()
	sock := c.sock
	c.sock = nil
	c.gen++
	c.sockMu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
	c.isOpen.Store(false)
}
