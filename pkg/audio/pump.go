package audio

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sink consumes audio chunks. A zero-length chunk ends the turn.
type Sink interface {
	QueueAudioSegment(c Chunk) error
}

// PumpOptions tunes Pump.
type PumpOptions struct {
	// Pace sleeps this long between chunks to emulate real-time capture.
	Pace time.Duration
}

// Pump forwards chunks from src to sink until src is exhausted, then sends
// the end-of-stream sentinel. It returns the number of audio bytes sent.
func Pump(ctx context.Context, src Source, sink Sink, opts PumpOptions) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sent := 0
	for {
		c, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return sent, sink.QueueAudioSegment(EndOfStream())
		}
		if err != nil {
			return sent, err
		}
		if c.IsEnd() {
			c.Release()
			continue
		}
		err = sink.QueueAudioSegment(c)
		sent += len(c.Data)
		c.Release()
		if err != nil {
			return sent, err
		}
		if opts.Pace > 0 {
			timer := time.NewTimer(opts.Pace)
			select {
			case <-ctx.Done():
				timer.Stop()
				return sent, ctx.Err()
			case <-timer.C:
			}
		}
	}
}
