package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/harunnryd/speechsdk/pkg/errorsx"
	"github.com/harunnryd/speechsdk/pkg/resilience"
)

// Operations that can fail on a channel.
const (
	OpResolve = "dns"
	OpOpen    = "open"
	OpSend    = "send"
	OpReceive = "receive"
	OpClose   = "close"
)

var (
	ErrAlreadyStarted = errors.New("websocket: channel already started")
	ErrDestroyed      = errors.New("websocket: channel destroyed")
)

// TransportError describes a failure of the underlying connection.
type TransportError struct {
	Op         string
	Reason     errorsx.ReasonCode
	HTTPStatus int
	// CloseCode is set when the peer closed the socket.
	CloseCode int
	Err       error
}

func (e *TransportError) Error() string {
	msg := "websocket " + e.Op + " failed"
	if e.HTTPStatus != 0 {
		msg += " (http " + strconv.Itoa(e.HTTPStatus) + ")"
	}
	if e.CloseCode != 0 {
		msg += " (close " + strconv.Itoa(e.CloseCode) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func classifyOpenError(endpoint string, resp *http.Response, err error) *TransportError {
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols && resp.StatusCode != 0 {
		te := &TransportError{
			Op:         OpOpen,
			Reason:     errorsx.FromHTTPStatus(resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Err:        err,
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			te.Err = resilience.RateLimitError{Endpoint: endpoint, RetryAfter: retryAfter(resp)}
		}
		return te
	}
	if err == nil {
		err = errors.New("open failed")
	}
	return &TransportError{Op: OpOpen, Reason: errorsx.ReasonConnection, Err: err}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func closeError(err error) *TransportError {
	te := &TransportError{Op: OpReceive, Reason: errorsx.ReasonConnection, Err: err}
	var ce *gws.CloseError
	if errors.As(err, &ce) {
		te.CloseCode = ce.Code
		te.Err = fmt.Errorf("peer closed: %s", ce.Text)
		if ce.Code == gws.CloseTryAgainLater {
			te.Reason = errorsx.ReasonServiceUnavailable
		}
	}
	return te
}
