package dongle

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// scriptedPort answers each write with the next canned reply, delivered in
// fixed size chunks. Everything written is recorded.
type scriptedPort struct {
	mu      sync.Mutex
	replies []string
	pending []byte
	chunk   int
	readErr error
	written bytes.Buffer
	closed  bool
}

func newScriptedPort(chunk int, replies ...string) *scriptedPort {
	if chunk <= 0 {
		chunk = readChunk
	}
	return &scriptedPort{replies: replies, chunk: chunk}
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		if p.readErr != nil {
			return 0, p.readErr
		}
		return 0, io.EOF
	}
	n := min(p.chunk, len(b), len(p.pending))
	copy(b, p.pending[:n])
	p.pending = p.pending[n:]
	return n, nil
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if len(p.replies) > 0 {
		p.pending = append(p.pending, p.replies[0]...)
		p.replies = p.replies[1:]
	}
	return p.written.Write(b)
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *scriptedPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *scriptedPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// chunkReader yields data in fixed size pieces and then io.EOF.
type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(b []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.chunk, len(b), len(r.data))
	copy(b, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}
