package executor

import (
	"bytes"
	"sync"
)

const truncationMarker = "\n...[truncated]"

// boundedBuffer keeps the first limit bytes written and silently drops the rest.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated = b.truncated || len(p) > 0
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	// Report the full length so the writer never sees a short write.
	return len(p), nil
}

// String returns the kept bytes, marked when output was dropped.
func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

// truncatedStreams names the buffers that dropped output.
func truncatedStreams(stdout, stderr *boundedBuffer) []string {
	var out []string
	if stdout.Truncated() {
		out = append(out, "stdout")
	}
	if stderr.Truncated() {
		out = append(out, "stderr")
	}
	return out
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
