package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

type recordingSink struct {
	sizes []int
	err   error
}

func (s *recordingSink) QueueAudioSegment(c Chunk) error {
	s.sizes = append(s.sizes, len(c.Data))
	return s.err
}

func TestReaderSourceSlicesInput(t *testing.T) {
	src := NewReaderSource(bytes.NewReader(make([]byte, 7000)), 3200, "user-1")
	var sizes []int
	for {
		c, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if c.UserID != "user-1" || c.CapturedAt.IsZero() {
			t.Fatalf("expected metadata on chunk, got %+v", c)
		}
		sizes = append(sizes, len(c.Data))
		c.Release()
	}
	if len(sizes) != 3 || sizes[0] != 3200 || sizes[1] != 3200 || sizes[2] != 600 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
}

func TestPumpSendsEndOfStream(t *testing.T) {
	sink := &recordingSink{}
	src := NewReaderSource(bytes.NewReader(make([]byte, 6400)), 3200, "")
	n, err := Pump(context.Background(), src, sink, PumpOptions{})
	if err != nil {
		t.Fatalf("pump: %v", err)
	}
	if n != 6400 {
		t.Fatalf("expected 6400 bytes sent, got %d", n)
	}
	if len(sink.sizes) != 3 || sink.sizes[2] != 0 {
		t.Fatalf("expected two chunks and a sentinel, got %v", sink.sizes)
	}
}

func TestPumpStopsOnSinkError(t *testing.T) {
	boom := errors.New("boom")
	sink := &recordingSink{err: boom}
	src := NewReaderSource(bytes.NewReader(make([]byte, 6400)), 3200, "")
	if _, err := Pump(context.Background(), src, sink, PumpOptions{}); !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if len(sink.sizes) != 1 {
		t.Fatalf("expected pump to stop after first failure, got %v", sink.sizes)
	}
}

func TestBlockingQueueBlocksProducerAtCapacity(t *testing.T) {
	q := NewBlockingQueue(2)
	ctx := context.Background()
	_ = q.Push(ctx, NewChunk([]byte{1}, time.Time{}, ""))
	_ = q.Push(ctx, NewChunk([]byte{2}, time.Time{}, ""))

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Push(blocked, NewChunk([]byte{3}, time.Time{}, "")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected producer to block, got %v", err)
	}

	c, err := q.Next(ctx)
	if err != nil || c.Data[0] != 1 {
		t.Fatalf("expected FIFO order, got %v %v", c.Data, err)
	}
	if err := q.Push(ctx, NewChunk([]byte{3}, time.Time{}, "")); err != nil {
		t.Fatalf("expected room after pop, got %v", err)
	}
}

func TestBlockingQueueDrainsAfterClose(t *testing.T) {
	q := NewBlockingQueue(4)
	ctx := context.Background()
	_ = q.Push(ctx, NewChunkFromPool([]byte("abc"), time.Now(), ""))
	q.Close()
	if err := q.Push(ctx, NewChunk([]byte("x"), time.Time{}, "")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	c, err := q.Next(ctx)
	if err != nil || string(c.Data) != "abc" {
		t.Fatalf("expected queued chunk, got %q %v", c.Data, err)
	}
	if !c.Release() {
		t.Fatalf("expected pooled chunk to release")
	}
	if _, err := q.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestChunkEndOfStream(t *testing.T) {
	if !EndOfStream().IsEnd() || NewChunk([]byte{0}, time.Time{}, "").IsEnd() {
		t.Fatalf("unexpected end-of-stream detection")
	}
	if EndOfStream().Release() {
		t.Fatalf("sentinel is not pooled")
	}
}
