package audio

import (
	"sync"
	"time"
)

// Chunk is one slice of captured audio. A zero-length chunk marks the end of
// the stream.
type Chunk struct {
	Data       []byte
	CapturedAt time.Time
	UserID     string
	pooled     bool
}

func NewChunk(data []byte, capturedAt time.Time, userID string) Chunk {
	return Chunk{Data: data, CapturedAt: capturedAt, UserID: userID}
}

// NewChunkFromPool copies data into a pooled buffer. Call Release once the
// chunk has been consumed.
func NewChunkFromPool(data []byte, capturedAt time.Time, userID string) Chunk {
	buf := acquireBuf(len(data))
	copy(buf, data)
	return Chunk{Data: buf, CapturedAt: capturedAt, UserID: userID, pooled: true}
}

// EndOfStream returns the end-of-stream sentinel.
func EndOfStream() Chunk {
	return Chunk{}
}

func (c Chunk) IsEnd() bool {
	return len(c.Data) == 0
}

// Release returns a pooled buffer. It reports whether anything was released.
func (c Chunk) Release() bool {
	if !c.pooled {
		return false
	}
	releaseBuf(c.Data)
	return true
}

var bufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func acquireBuf(size int) []byte {
	b := bufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func releaseBuf(b []byte) {
	bufPool.Put(b[:0])
}
