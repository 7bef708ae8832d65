package ota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"

	"github.com/bigbag/turmass-flasher/internal/frame"
	"github.com/bigbag/turmass-flasher/internal/message"
	"github.com/bigbag/turmass-flasher/internal/transport"
)

// ErrTimeout reports that no valid frame arrived within the step bound.
var ErrTimeout = errors.New("timeout waiting for frame")

// pollInterval is the transport read granularity; it bounds how late a
// cancellation can be observed.
const pollInterval = 20 * time.Millisecond

// Link sends and receives protocol messages over a transport. It owns
// the stream decoder, so exactly one goroutine may use it.
type Link struct {
	tr  transport.Transport
	dec *frame.Decoder
	log logging.LeveledLogger
}

// NewLink wraps a transport for message traffic.
func NewLink(tr transport.Transport, log logging.LeveledLogger) *Link {
	return &Link{tr: tr, dec: frame.NewDecoder(), log: log}
}

// Send writes one message as a single frame.
func (l *Link) Send(m message.Message) error {
	wire := m.Frame().Encode()
	l.log.Tracef("tx %s (%d bytes)", message.OpName(m.Op()), len(wire))
	if _, err := l.tr.Write(wire); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	return nil
}

// SendText writes raw handshake text, bypassing the frame layer.
func (l *Link) SendText(s string) error {
	l.log.Tracef("tx text %q", s)
	if _, err := l.tr.Write([]byte(s)); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	return nil
}

// ReadText reads whatever raw bytes arrive within the timeout. Used only
// during the plaintext handshake, before frame traffic starts.
func (l *Link) ReadText(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.tr.SetReadTimeout(pollInterval); err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		n, err := l.tr.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, fmt.Errorf("transport read: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

// Recv waits up to timeout for the next well-formed frame and decodes it
// to a typed message. Invalid frames are logged and skipped; the decoder
// resynchronizes on the next start marker. Decode failures (unknown
// opcode, bad payload) are returned to the caller: in an active role
// they are fatal.
func (l *Link) Recv(ctx context.Context, timeout time.Duration) (message.Message, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 512)
	for {
		// Drain frames already buffered before touching the transport.
		for {
			f, err := l.dec.Next()
			if err != nil {
				l.log.Debugf("rx %v, resyncing", err)
				continue
			}
			if f == nil {
				break
			}
			if sk := l.dec.Skipped(); len(sk) > 0 {
				l.log.Debugf("rx skipped %d undecodable bytes", len(sk))
			}
			m, err := message.Decode(f)
			if err != nil {
				return nil, err
			}
			l.log.Tracef("rx %s addr=0x%08X len=%d", message.OpName(f.Opcode), f.Address, len(f.Data))
			return m, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		if err := l.tr.SetReadTimeout(pollInterval); err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		n, err := l.tr.Read(buf)
		if n > 0 {
			l.dec.Feed(buf[:n])
		}
		if err != nil && n == 0 {
			return nil, fmt.Errorf("transport read: %w", err)
		}
	}
}

// Flush drops unread transport input and any partial frame.
func (l *Link) Flush() error {
	l.dec.Reset()
	l.dec.Skipped()
	return l.tr.Flush()
}

// Transport exposes the underlying stream, e.g. for baud changes.
func (l *Link) Transport() transport.Transport {
	return l.tr
}
