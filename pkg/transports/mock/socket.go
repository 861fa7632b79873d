package mock

import (
	"errors"
	"net"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
)

// Frame is one frame written to or queued on a Socket.
type Frame struct {
	Type int
	Data []byte
}

// Socket is an in-memory websocket connection for tests. Frames pushed with
// Push are returned by ReadMessage; frames written by the client are kept for
// inspection.
type Socket struct {
	inbound   chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []Frame
	controls []Frame
	writeErr error
	// EchoClose makes a written close frame come back as a peer close.
	echoClose bool
}

func NewSocket() *Socket {
	return &Socket{
		inbound:   make(chan Frame, 256),
		closed:    make(chan struct{}),
		echoClose: true,
	}
}

func (s *Socket) ReadMessage() (int, []byte, error) {
	select {
	case f := <-s.inbound:
		if f.Type == gws.CloseMessage {
			code := gws.CloseNormalClosure
			if len(f.Data) >= 2 {
				code = int(f.Data[0])<<8 | int(f.Data[1])
			}
			return 0, nil, &gws.CloseError{Code: code}
		}
		return f.Type, f.Data, nil
	case <-s.closed:
		return 0, nil, net.ErrClosed
	}
}

func (s *Socket) WriteMessage(messageType int, data []byte) error {
	if s.IsClosed() {
		return net.ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.written = append(s.written, Frame{Type: messageType, Data: buf})
	return nil
}

func (s *Socket) WriteControl(messageType int, data []byte, _ time.Time) error {
	if s.IsClosed() {
		return net.ErrClosed
	}
	s.mu.Lock()
	s.controls = append(s.controls, Frame{Type: messageType, Data: data})
	echo := s.echoClose
	s.mu.Unlock()
	if messageType == gws.CloseMessage && echo {
		s.Push(gws.CloseMessage, data)
	}
	return nil
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Push queues an inbound frame.
func (s *Socket) Push(messageType int, data []byte) {
	select {
	case s.inbound <- Frame{Type: messageType, Data: data}:
	case <-s.closed:
	}
}

// PeerClose simulates the service closing the connection with code.
func (s *Socket) PeerClose(code int) {
	s.Push(gws.CloseMessage, gws.FormatCloseMessage(code, ""))
}

// SetEchoClose controls whether a client close frame is acknowledged.
func (s *Socket) SetEchoClose(v bool) {
	s.mu.Lock()
	s.echoClose = v
	s.mu.Unlock()
}

// FailWrites makes every subsequent WriteMessage return err.
func (s *Socket) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// Written returns a copy of the data frames written so far.
func (s *Socket) Written() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.written))
	copy(out, s.written)
	return out
}

// Controls returns the control frames written so far.
func (s *Socket) Controls() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.controls))
	copy(out, s.controls)
	return out
}

func (s *Socket) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ErrDialRefused is returned by a Dialer told to fail without a status.
var ErrDialRefused = errors.New("mock: dial refused")
