package recording

import (
	"bytes"
	"sync"
)

// chunkBuffer receives container bytes and hands them out in drains.
type chunkBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newChunkBuffer() *chunkBuffer {
	return &chunkBuffer{closed: make(chan struct{})}
}

func (b *chunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *chunkBuffer) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// Drain returns everything written since the last drain.
func (b *chunkBuffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	b.buf.Reset()
	return out
}
