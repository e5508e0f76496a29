package logging

import (
	"bytes"
	"os"
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer holding the most recent
// log output. It implements io.Writer and overwrites old data when full.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 2 * 1024 * 1024
	}
	return &RingBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. Data wraps around when the buffer is full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n >= rb.size {
		// keep only the tail that fits
		copy(rb.buf, p[n-rb.size:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	space := rb.size - rb.pos
	if n <= space {
		copy(rb.buf[rb.pos:], p)
		rb.pos += n
		if rb.pos == rb.size {
			rb.pos = 0
			rb.full = true
		}
	} else {
		copy(rb.buf[rb.pos:], p[:space])
		copy(rb.buf, p[space:])
		rb.pos = n - space
		rb.full = true
	}

	return n, nil
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return rb.size
	}
	return rb.pos
}

// Bytes returns the buffer contents in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		out := make([]byte, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}

	out := make([]byte, rb.size)
	copy(out, rb.buf[rb.pos:])
	copy(out[rb.size-rb.pos:], rb.buf[:rb.pos])
	return out
}

// Lines returns the buffered records as whole lines. Once the buffer has
// wrapped, the first line is usually the tail of an overwritten record and
// is dropped so every remaining line parses as JSON.
func (rb *RingBuffer) Lines() []byte {
	rb.mu.Lock()
	wrapped := rb.full
	rb.mu.Unlock()

	data := rb.Bytes()
	if !wrapped {
		return data
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[i+1:]
	}
	return nil
}

// DumpToFile writes the buffered log lines to path. Screen text can end up
// in debug logs, so the file is private to the user.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Lines(), 0o600)
}
