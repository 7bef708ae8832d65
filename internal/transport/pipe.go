package transport

import (
	"io"
	"sync"
	"time"
)

// pipeBuf is one direction of an in-memory link: an unbounded byte queue
// with serial-style timed reads.
type pipeBuf struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	notify chan struct{}
}

func newPipeBuf() *pipeBuf {
	return &pipeBuf{notify: make(chan struct{}, 1)}
}

func (b *pipeBuf) write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

// read pops buffered bytes, waiting up to timeout for data to arrive.
// A zero timeout blocks until data or close.
func (b *pipeBuf) read(p []byte, timeout time.Duration) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		b.mu.Lock()
		if len(b.data) > 0 {
			n := copy(p, b.data)
			b.data = b.data[n:]
			b.mu.Unlock()
			return n, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return 0, io.EOF
		}

		select {
		case <-b.notify:
		case <-deadline:
			return 0, nil
		}
	}
}

func (b *pipeBuf) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *pipeBuf) flush() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}

// PipeEnd is one side of an in-memory duplex link. Unlike net.Pipe the
// link is buffered, so a write never waits for the peer to read; that
// matches how a UART with driver buffers behaves.
type PipeEnd struct {
	rd, wr *pipeBuf

	mu      sync.Mutex
	timeout time.Duration
}

// Pipe returns two connected transport ends, used to run a host against
// the device simulator without hardware.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := newPipeBuf()
	b := newPipeBuf()
	return &PipeEnd{rd: a, wr: b}, &PipeEnd{rd: b, wr: a}
}

// Read pops bytes written by the peer, honoring the read timeout.
func (p *PipeEnd) Read(buf []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()
	return p.rd.read(buf, timeout)
}

// Write pushes bytes to the peer.
func (p *PipeEnd) Write(buf []byte) (int, error) {
	return p.wr.write(buf)
}

// Close shuts both directions; the peer observes EOF.
func (p *PipeEnd) Close() error {
	p.rd.close()
	p.wr.close()
	return nil
}

// SetReadTimeout bounds subsequent reads.
func (p *PipeEnd) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return nil
}

// Flush discards unread input.
func (p *PipeEnd) Flush() error {
	p.rd.flush()
	return nil
}
