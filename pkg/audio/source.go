package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Source yields audio chunks until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Chunk, error)
}

// ErrQueueClosed is returned when pushing to a closed queue.
var ErrQueueClosed = errors.New("audio: queue closed")

// BlockingQueue is a bounded FIFO of chunks. Producers block once capacity
// chunks are held, which throttles capture to the rate the consumer drains.
type BlockingQueue struct {
	ch        chan Chunk
	closed    chan struct{}
	closeOnce sync.Once
}

func NewBlockingQueue(capacity int) *BlockingQueue {
	if capacity <= 0 {
		capacity = 32
	}
	return &BlockingQueue{
		ch:     make(chan Chunk, capacity),
		closed: make(chan struct{}),
	}
}

// Push blocks until there is room, the queue is closed or ctx is done.
func (q *BlockingQueue) Push(ctx context.Context, c Chunk) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- c:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the oldest chunk. After Close it drains what is left and then
// returns io.EOF.
func (q *BlockingQueue) Next(ctx context.Context) (Chunk, error) {
	select {
	case c := <-q.ch:
		return c, nil
	default:
	}
	select {
	case c := <-q.ch:
		return c, nil
	case <-q.closed:
		select {
		case c := <-q.ch:
			return c, nil
		default:
			return Chunk{}, io.EOF
		}
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Len returns the number of chunks held.
func (q *BlockingQueue) Len() int {
	return len(q.ch)
}

func (q *BlockingQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// ReaderSource slices an io.Reader into fixed-size chunks, for example raw
// PCM read from a file.
type ReaderSource struct {
	r      io.Reader
	size   int
	userID string
	now    func() time.Time
}

func NewReaderSource(r io.Reader, chunkSize int, userID string) *ReaderSource {
	if chunkSize <= 0 {
		chunkSize = 3200
	}
	return &ReaderSource{r: r, size: chunkSize, userID: userID, now: time.Now}
}

func (s *ReaderSource) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	buf := acquireBuf(s.size)
	n, err := io.ReadFull(s.r, buf)
	if n > 0 {
		return Chunk{Data: buf[:n], CapturedAt: s.now(), UserID: s.userID, pooled: true}, nil
	}
	releaseBuf(buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return Chunk{}, err
}
