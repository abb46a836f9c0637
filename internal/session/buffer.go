package session

import (
	"io"
	"sync"
)

// DefaultBufferCapacity is the per-session output buffer byte budget.
const DefaultBufferCapacity = 10 * 1024 * 1024

// OutputBuffer is a bounded ring of rendered chunks. When appending
// would exceed the byte budget, oldest whole chunks are dropped first.
// Replay is FIFO. The buffer is mutated only via its owning session's
// registry; external readers snapshot under the registry lock, which
// is always acquired before this mutex.
type OutputBuffer struct {
	mu       sync.Mutex
	capacity int
	chunks   [][]byte
	total    int
	dropped  uint64
}

// NewOutputBuffer creates a buffer with the given byte budget.
// A budget below 1 falls back to DefaultBufferCapacity.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity < 1 {
		capacity = DefaultBufferCapacity
	}
	return &OutputBuffer{capacity: capacity}
}

// Append records a chunk, evicting oldest chunks until it fits. A
// chunk larger than the whole budget evicts everything and is itself
// dropped.
func (b *OutputBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.total+len(chunk) > b.capacity && len(b.chunks) > 0 {
		b.total -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		b.dropped++
	}
	if len(chunk) > b.capacity {
		b.dropped++
		return
	}

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.chunks = append(b.chunks, cp)
	b.total += len(cp)
}

// Replay writes buffered chunks in order to w without consuming them.
func (b *OutputBuffer) Replay(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, chunk := range b.chunks {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// Reset discards all buffered chunks. The dropped counter is not
// reset; it is monotonic for the buffer's lifetime.
func (b *OutputBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.total = 0
}

// Len returns the current buffered byte count.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Dropped returns the count of chunks evicted or rejected so far. The
// counter has no consumer-defined policy attached; it exists for
// observability.
func (b *OutputBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
