package mock

import (
	"context"
	"net/http"
	"sync"

	gws "github.com/gorilla/websocket"
	"github.com/harunnryd/speechsdk/pkg/transports/websocket"
)

type failure struct {
	status int
	header http.Header
	err    error
}

// Dialer hands out in-memory sockets and records every upgrade request.
type Dialer struct {
	mu       sync.Mutex
	sockets  []*Socket
	urls     []string
	headers  []http.Header
	failures []failure
}

func NewDialer() *Dialer {
	return &Dialer{}
}

// FailNext makes the next dial fail. A non-zero status produces an upgrade
// rejection with that HTTP status.
func (d *Dialer) FailNext(status int, err error) {
	d.FailNextWithHeader(status, nil, err)
}

func (d *Dialer) FailNextWithHeader(status int, header http.Header, err error) {
	if err == nil {
		err = ErrDialRefused
		if status != 0 {
			err = gws.ErrBadHandshake
		}
	}
	d.mu.Lock()
	d.failures = append(d.failures, failure{status: status, header: header, err: err})
	d.mu.Unlock()
}

func (d *Dialer) DialContext(ctx context.Context, url string, header http.Header) (websocket.Socket, *http.Response, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header.Clone())
	if len(d.failures) > 0 {
		f := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		if f.status == 0 {
			return nil, nil, f.err
		}
		h := f.header
		if h == nil {
			h = http.Header{}
		}
		return nil, &http.Response{StatusCode: f.status, Header: h}, f.err
	}
	if err := ctx.Err(); err != nil {
		d.mu.Unlock()
		return nil, nil, err
	}
	sock := NewSocket()
	d.sockets = append(d.sockets, sock)
	d.mu.Unlock()
	return sock, &http.Response{StatusCode: http.StatusSwitchingProtocols}, nil
}

// Dials returns the number of dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// Header returns the upgrade headers of dial attempt i.
func (d *Dialer) Header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.headers) {
		return nil
	}
	return d.headers[i]
}

// URL returns the target of dial attempt i.
func (d *Dialer) URL(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.urls) {
		return ""
	}
	return d.urls[i]
}

// Last returns the most recently opened socket.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// Resolver is a scripted DNS resolver.
type Resolver struct {
	mu    sync.Mutex
	Err   error
	hosts []string
}

func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, host)
	if r.Err != nil {
		return nil, r.Err
	}
	return []string{"127.0.0.1"}, nil
}

// Lookups returns the hosts looked up so far.
func (r *Resolver) Lookups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.hosts))
	copy(out, r.hosts)
	return out
}
