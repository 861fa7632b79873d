package websocket

import (
	"context"
	"net"
	"net/http"
	"time"

	gws "github.com/gorilla/websocket"
)

// Frame types carried by a Socket, matching RFC 6455 opcodes.
const (
	TextFrame   = gws.TextMessage
	BinaryFrame = gws.BinaryMessage
	CloseFrame  = gws.CloseMessage
)

// Socket is the subset of a websocket connection the channel drives.
// ReadMessage is only called from the channel's reader goroutine and
// WriteMessage only from the work loop. WriteControl and Close may be called
// concurrently with both.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens sockets. The response is returned on upgrade failures so the
// status code can be classified.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Socket, *http.Response, error)
}

// Resolver performs the network check before opening. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// SystemResolver returns the process-wide DNS resolver.
func SystemResolver() Resolver {
	return net.DefaultResolver
}

// GorillaDialer opens sockets with gorilla/websocket.
type GorillaDialer struct {
	dialer *gws.Dialer
}

// NewGorillaDialer returns a dialer honouring proxy environment variables.
func NewGorillaDialer(handshakeTimeout time.Duration) *GorillaDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 30 * time.Second
	}
	return &GorillaDialer{dialer: &gws.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  handshakeTimeout,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: false,
	}}
}

func (d *GorillaDialer) DialContext(ctx context.Context, url string, header http.Header) (Socket, *http.Response, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}
