package websocket_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/harunnryd/speechsdk/pkg/errorsx"
	"github.com/harunnryd/speechsdk/pkg/logging"
	"github.com/harunnryd/speechsdk/pkg/metrics"
	"github.com/harunnryd/speechsdk/pkg/resilience"
	"github.com/harunnryd/speechsdk/pkg/transports/mock"
	"github.com/harunnryd/speechsdk/pkg/transports/websocket"
)

type recordingHandler struct {
	mu        sync.Mutex
	calls     []string
	texts     [][]byte
	binaries  [][]byte
	errs      []*websocket.TransportError
	states    []websocket.State
	connected int
}

func (h *recordingHandler) OnConnected(time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected++
	h.calls = append(h.calls, "connected")
}

func (h *recordingHandler) OnTextData(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.texts = append(h.texts, data)
}

func (h *recordingHandler) OnBinaryData(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.binaries = append(h.binaries, data)
}

func (h *recordingHandler) OnStateChanged(_, to websocket.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, to)
}

func (h *recordingHandler) OnDisconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "disconnected")
}

func (h *recordingHandler) OnError(err *websocket.TransportError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
	h.calls = append(h.calls, "error")
}

func (h *recordingHandler) snapshot() (calls []string, errs []*websocket.TransportError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...), append([]*websocket.TransportError(nil), h.errs...)
}

func (h *recordingHandler) counts() (texts, binaries int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.texts), len(h.binaries)
}

func newChannel(t *testing.T, opts websocket.Options) (*websocket.Channel, *recordingHandler) {
	t.Helper()
	if opts.URL == "" {
		opts.URL = "wss://westus.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	h := &recordingHandler{}
	ch, err := websocket.NewChannel(opts, h)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	return ch, h
}

// pump runs DoWork until cond holds or the deadline passes.
func pump(t *testing.T, ch *websocket.Channel, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ch.DoWork()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached; state=%s", ch.State())
}

func connect(t *testing.T, ch *websocket.Channel) {
	t.Helper()
	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	pump(t, ch, func() bool { return ch.State() == websocket.StateConnected })
}

func TestConnectReachesConnected(t *testing.T) {
	dialer := mock.NewDialer()
	resolver := &mock.Resolver{}
	ch, h := newChannel(t, websocket.Options{
		Dialer:      dialer,
		Resolver:    resolver,
		Credentials: websocket.StaticCredentials{SubscriptionKey: "key-123", AuthToken: "tok"},
		Header:      http.Header{"X-ConnectionId": []string{"abc"}},
	})
	connect(t, ch)

	if !ch.IsOpen() {
		t.Fatalf("expected channel to be open")
	}
	if got := resolver.Lookups(); len(got) != 1 || got[0] != "westus.stt.speech.microsoft.com" {
		t.Fatalf("unexpected lookups: %v", got)
	}
	hdr := dialer.Header(0)
	if hdr.Get(websocket.HeaderSubscriptionKey) != "key-123" || hdr.Get(websocket.HeaderAuthorization) != "Bearer tok" {
		t.Fatalf("unexpected upgrade headers: %v", hdr)
	}
	if hdr.Get("X-ConnectionId") != "abc" {
		t.Fatalf("expected extra header on upgrade")
	}
	want := []websocket.State{websocket.StateNetworkCheck, websocket.StateNetworkChecking,
		websocket.StateNetworkCheckComplete, websocket.StateOpening, websocket.StateConnected}
	h.mu.Lock()
	states := append([]websocket.State(nil), h.states...)
	h.mu.Unlock()
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
	if err := ch.Connect(); !errorsx.HasReason(err, errorsx.ReasonLogic) {
		t.Fatalf("expected logic error on second connect, got %v", err)
	}
}

func TestConnectSkipsNetworkCheckWithoutResolver(t *testing.T) {
	ch, h := newChannel(t, websocket.Options{Dialer: mock.NewDialer()})
	connect(t, ch)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.states {
		if s == websocket.StateNetworkChecking {
			t.Fatalf("expected network check to be skipped")
		}
	}
}

func TestResolveFailureReturnsToClosed(t *testing.T) {
	ch, h := newChannel(t, websocket.Options{
		Dialer:   mock.NewDialer(),
		Resolver: &mock.Resolver{Err: errors.New("no such host")},
	})
	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	pump(t, ch, func() bool { _, errs := h.snapshot(); return len(errs) > 0 })
	calls, errs := h.snapshot()
	if ch.State() != websocket.StateClosed || ch.IsOpen() {
		t.Fatalf("expected closed, got %s", ch.State())
	}
	if errs[0].Op != websocket.OpResolve || errs[0].Reason != errorsx.ReasonConnection {
		t.Fatalf("unexpected error: %+v", errs[0])
	}
	for _, c := range calls {
		if c == "disconnected" {
			t.Fatalf("expected no disconnect for a never-opened channel")
		}
	}
}

func TestOpenFailureClassifiesHTTPStatus(t *testing.T) {
	dialer := mock.NewDialer()
	dialer.FailNext(http.StatusUnauthorized, nil)
	ch, h := newChannel(t, websocket.Options{Dialer: dialer})
	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	pump(t, ch, func() bool { _, errs := h.snapshot(); return len(errs) > 0 })
	_, errs := h.snapshot()
	if errs[0].HTTPStatus != http.StatusUnauthorized || errs[0].Reason != errorsx.ReasonAuthentication {
		t.Fatalf("unexpected error: %+v", errs[0])
	}
	if ch.State() != websocket.StateClosed {
		t.Fatalf("expected closed after open failure, got %s", ch.State())
	}
	connect(t, ch)
}

func TestOpenFailureRateLimited(t *testing.T) {
	dialer := mock.NewDialer()
	dialer.FailNextWithHeader(http.StatusTooManyRequests, http.Header{"Retry-After": []string{"5"}}, nil)
	ch, h := newChannel(t, websocket.Options{Dialer: dialer})
	_ = ch.Connect()
	pump(t, ch, func() bool { _, errs := h.snapshot(); return len(errs) > 0 })
	_, errs := h.snapshot()
	if errs[0].Reason != errorsx.ReasonTooManyRequests || !resilience.IsRateLimit(errs[0]) {
		t.Fatalf("expected rate limit error, got %+v", errs[0])
	}
	var rl resilience.RateLimitError
	if !errors.As(errs[0], &rl) || rl.RetryAfter != 5*time.Second {
		t.Fatalf("expected retry-after of 5s, got %+v", rl)
	}
}

func TestGenericOpenFailure(t *testing.T) {
	dialer := mock.NewDialer()
	dialer.FailNext(0, nil)
	ch, h := newChannel(t, websocket.Options{Dialer: dialer})
	_ = ch.Connect()
	pump(t, ch, func() bool { _, errs := h.snapshot(); return len(errs) > 0 })
	_, errs := h.snapshot()
	if errs[0].HTTPStatus != 0 || errs[0].Reason != errorsx.ReasonConnection || !errors.Is(errs[0], mock.ErrDialRefused) {
		t.Fatalf("unexpected error: %+v", errs[0])
	}
}

func TestSendsAreCappedPerWork(t *testing.T) {
	dialer := mock.NewDialer()
	obs := metrics.NewMemoryObserver()
	ch, _ := newChannel(t, websocket.Options{Dialer: dialer, Observer: obs})
	connect(t, ch)
	for i := 0; i < 45; i++ {
		if err := ch.Enqueue(websocket.Packet{Data: []byte{byte(i)}, Path: "audio", Binary: true}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	ch.DoWork()
	sock := dialer.Last()
	if got := len(sock.Written()); got != websocket.MaxSendsPerWork {
		t.Fatalf("expected %d frames after one pass, got %d", websocket.MaxSendsPerWork, got)
	}
	ch.DoWork()
	ch.DoWork()
	written := sock.Written()
	if len(written) != 45 {
		t.Fatalf("expected all 45 frames, got %d", len(written))
	}
	for i, f := range written {
		if f.Type != gws.BinaryMessage || f.Data[0] != byte(i) {
			t.Fatalf("frame %d out of order or wrong type: %+v", i, f)
		}
	}
	if n := len(obs.Named(metrics.EventFrameSent)); n != 45 {
		t.Fatalf("expected 45 sent events, got %d", n)
	}
}

func TestSendFailureKeepsConnection(t *testing.T) {
	dialer := mock.NewDialer()
	ch, h := newChannel(t, websocket.Options{Dialer: dialer})
	connect(t, ch)
	dialer.Last().FailWrites(errors.New("broken pipe"))
	_ = ch.Enqueue(websocket.Packet{Data: []byte("x")})
	ch.DoWork()
	_, errs := h.snapshot()
	if len(errs) != 1 || errs[0].Op != websocket.OpSend {
		t.Fatalf("expected send error, got %+v", errs)
	}
	if ch.State() != websocket.StateConnected {
		t.Fatalf("expected to stay connected, got %s", ch.State())
	}
}

func TestInboundFramesDispatched(t *testing.T) {
	dialer := mock.NewDialer()
	ch, h := newChannel(t, websocket.Options{Dialer: dialer})
	connect(t, ch)
	sock := dialer.Last()
	sock.Push(gws.TextMessage, []byte("hello"))
	sock.Push(gws.PingMessage, []byte("odd"))
	sock.Push(gws.BinaryMessage, []byte{1, 2})
	pump(t, ch, func() bool { texts, bins := h.counts(); return texts == 1 && bins == 1 })
	_, errs := h.snapshot()
	if len(errs) != 0 {
		t.Fatalf("unknown frame type must not raise errors, got %+v", errs)
	}
}

func TestStateClosedDiscardsQueue(t *testing.T) {
	ch, _ := newChannel(t, websocket.Options{Dialer: mock.NewDialer()})
	_ = ch.Enqueue(websocket.Packet{Data: []byte("stale")})
	ch.DoWork()
	if ch.Pending() != 0 {
		t.Fatalf("expected stale packets to be dropped")
	}
}

func TestPeerCloseFiresDisconnectBeforeError(t *testing.T) {
	dialer := mock.NewDialer()
	ch, h := newChannel(t, websocket.Options{Dialer: dialer})
	connect(t, ch)
	dialer.Last().PeerClose(gws.CloseTryAgainLater)
	pump(t, ch, func() bool { return ch.State() == websocket.StateClosed })
	calls, errs := h.snapshot()
	if len(calls) < 3 || calls[len(calls)-2] != "disconnected" || calls[len(calls)-1] != "error" {
		t.Fatalf("expected disconnected then error, got %v", calls)
	}
	if errs[0].CloseCode != gws.CloseTryAgainLater || errs[0].Reason != errorsx.ReasonServiceUnavailable {
		t.Fatalf("unexpected close error: %+v", errs[0])
	}
	if ch.IsOpen() {
		t.Fatalf("expected socket closed")
	}
}

func TestDisconnectPerformsCloseHandshake(t *testing.T) {
	dialer := mock.NewDialer()
	ch, h := newChannel(t, websocket.Options{Dialer: dialer})
	connect(t, ch)
	ch.Disconnect()

	sock := dialer.Last()
	if ch.State() != websocket.StateDestroying {
		t.Fatalf("expected destroying, got %s", ch.State())
	}
	if !sock.IsClosed() || ch.IsOpen() {
		t.Fatalf("expected socket destroyed")
	}
	controls := sock.Controls()
	if len(controls) != 1 || controls[0].Type != gws.CloseMessage {
		t.Fatalf("expected one close frame, got %+v", controls)
	}
	calls, _ := h.snapshot()
	for _, c := range calls {
		if c == "error" || c == "disconnected" {
			t.Fatalf("expected teardown to stay silent, got %v", calls)
		}
	}
	if err := ch.Enqueue(websocket.Packet{}); !errors.Is(err, websocket.ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
	if err := ch.Connect(); !errors.Is(err, websocket.ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed on connect, got %v", err)
	}
}

func TestDisconnectForcesCloseWhenPeerSilent(t *testing.T) {
	dialer := mock.NewDialer()
	ch, h := newChannel(t, websocket.Options{Dialer: dialer})
	connect(t, ch)
	sock := dialer.Last()
	sock.SetEchoClose(false)
	sleeps := 0
	websocket.SetClock(ch, time.Now, func(time.Duration) { sleeps++ })
	ch.Disconnect()
	if sleeps != websocket.CloseRetryCount {
		t.Fatalf("expected %d polls, got %d", websocket.CloseRetryCount, sleeps)
	}
	if !sock.IsClosed() {
		t.Fatalf("expected forced close")
	}
	_, errs := h.snapshot()
	if len(errs) != 0 {
		t.Fatalf("expected errors suppressed during destroy, got %+v", errs)
	}
}

func TestLateDialAfterDisconnectIsClosed(t *testing.T) {
	ch, _ := newChannel(t, websocket.Options{Dialer: mock.NewDialer()})
	ch.Disconnect()

	late := mock.NewSocket()
	if websocket.PostOpened(ch, late) {
		t.Fatalf("expected result posted after disconnect to be refused")
	}
	if !late.IsClosed() {
		t.Fatalf("expected late socket to be closed")
	}
	if n := websocket.Buffered(ch); n != 0 {
		t.Fatalf("expected nothing buffered, got %d", n)
	}
}

func TestCredentialRotationReconnects(t *testing.T) {
	dialer := mock.NewDialer()
	var mu sync.Mutex
	token := "first"
	creds := websocket.CredentialFunc(func() websocket.Credentials {
		mu.Lock()
		defer mu.Unlock()
		return websocket.Credentials{AuthToken: token}
	})
	ch, h := newChannel(t, websocket.Options{Dialer: dialer, Credentials: creds, Persistent: true})
	connect(t, ch)
	_ = ch.Enqueue(websocket.Packet{Data: []byte("queued")})

	mu.Lock()
	token = "second"
	mu.Unlock()
	ch.DoWork()
	if ch.State() != websocket.StateResetting {
		t.Fatalf("expected resetting, got %s", ch.State())
	}
	pump(t, ch, func() bool { return dialer.Dials() == 2 && ch.State() == websocket.StateConnected })
	if got := dialer.Header(1).Get(websocket.HeaderAuthorization); got != "Bearer second" {
		t.Fatalf("expected rotated token on reopen, got %q", got)
	}
	pump(t, ch, func() bool { return len(dialer.Last().Written()) == 1 })
	calls, _ := h.snapshot()
	for _, c := range calls {
		if c == "disconnected" || c == "error" {
			t.Fatalf("expected reset to be transparent, got %v", calls)
		}
	}
}

func TestTokenRefreshIntervalForcesReset(t *testing.T) {
	dialer := mock.NewDialer()
	ch, _ := newChannel(t, websocket.Options{Dialer: dialer, Persistent: true})
	connect(t, ch)
	opened := ch.ConnectedAt()
	websocket.SetClock(ch, func() time.Time { return opened.Add(websocket.TokenRefreshInterval + time.Second) }, time.Sleep)
	ch.DoWork()
	if ch.State() != websocket.StateResetting {
		t.Fatalf("expected resetting after refresh interval, got %s", ch.State())
	}
}

func TestOneShotChannelNeverRotates(t *testing.T) {
	dialer := mock.NewDialer()
	ch, _ := newChannel(t, websocket.Options{Dialer: dialer})
	connect(t, ch)
	opened := ch.ConnectedAt()
	websocket.SetClock(ch, func() time.Time { return opened.Add(time.Hour) }, time.Sleep)
	ch.DoWork()
	if ch.State() != websocket.StateConnected {
		t.Fatalf("expected one-shot channel to stay connected, got %s", ch.State())
	}
}

func TestGorillaEndToEnd(t *testing.T) {
	upgrader := gws.Upgrader{}
	gotKey := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey <- r.Header.Get(websocket.HeaderSubscriptionKey)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch, h := newChannel(t, websocket.Options{
		URL:         url,
		Dialer:      websocket.NewGorillaDialer(time.Second),
		Credentials: websocket.StaticCredentials{SubscriptionKey: "secret"},
	})
	connect(t, ch)
	if key := <-gotKey; key != "secret" {
		t.Fatalf("expected subscription key on upgrade, got %q", key)
	}
	_ = ch.Enqueue(websocket.Packet{Data: []byte("ping")})
	pump(t, ch, func() bool { texts, _ := h.counts(); return texts == 1 })
	h.mu.Lock()
	got := string(h.texts[0])
	h.mu.Unlock()
	if got != "echo:ping" {
		t.Fatalf("unexpected echo %q", got)
	}
	ch.Disconnect()
	if ch.IsOpen() {
		t.Fatalf("expected closed after disconnect")
	}
}

func TestNewChannelRejectsBadURL(t *testing.T) {
	_, err := websocket.NewChannel(websocket.Options{URL: "::nope"}, &recordingHandler{})
	if !errorsx.HasReason(err, errorsx.ReasonLogic) {
		t.Fatalf("expected logic error, got %v", err)
	}
}
