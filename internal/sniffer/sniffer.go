// Package sniffer passively reconstructs a burn conversation from the
// raw byte stream of a serial tap. It never writes to the transport and
// drives no state transitions, so it can sit alongside a live host and
// device. Corrupt stretches are reported inline as raw segments instead
// of stopping the stream.
package sniffer

import (
	"context"
	"time"

	"github.com/pion/logging"

	"github.com/bigbag/turmass-flasher/internal/frame"
	"github.com/bigbag/turmass-flasher/internal/message"
	"github.com/bigbag/turmass-flasher/internal/transport"
)

// Event is one observation, in stream order: either a decoded message or
// a raw segment that did not decode (noise, handshake text, corrupt
// frames, unknown opcodes).
type Event struct {
	Offset int64 // stream offset of the first byte
	Time   time.Time

	// Msg is set for well-formed traffic, along with its direction
	// guess.
	Msg message.Message
	Dir message.Direction

	// Raw holds undecodable bytes. For a valid frame whose payload
	// failed message decode, Err says why.
	Raw []byte
	Err error
}

// Config tunes the observer.
type Config struct {
	// StallTimeout abandons a partial frame when the line goes quiet,
	// flushing its bytes as a raw segment.
	StallTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

const defaultStallTimeout = 500 * time.Millisecond

// Sniffer decodes a transport's read side into events.
type Sniffer struct {
	cfg Config
	log logging.LeveledLogger
}

// New builds a sniffer.
func New(cfg Config) *Sniffer {
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Sniffer{cfg: cfg, log: cfg.LoggerFactory.NewLogger("sniffer")}
}

// Observe streams events until the transport closes or the context is
// cancelled, then closes the channel. The transport is only read.
func (s *Sniffer) Observe(ctx context.Context, tr transport.Transport) <-chan Event {
	out := make(chan Event, 16)
	go s.observe(ctx, tr, out)
	return out
}

func (s *Sniffer) observe(ctx context.Context, tr transport.Transport, out chan<- Event) {
	defer close(out)

	dec := frame.NewDecoder()
	buf := make([]byte, 512)
	lastByte := time.Now()

	// flushRaw emits the skipped run that ended tail bytes before the
	// decoder's current offset.
	flushRaw := func(tail int64) {
		if sk := dec.Skipped(); len(sk) > 0 {
			s.emit(ctx, out, Event{
				Offset: dec.Offset() - tail - int64(len(sk)),
				Time:   time.Now(),
				Raw:    sk,
			})
		}
	}

	for {
		// Drain everything decodable before reading more.
		for {
			f, err := dec.Next()
			if err != nil {
				s.log.Debugf("%v", err)
				continue
			}
			if f == nil {
				break
			}
			wireLen := int64(frame.HeaderSize + len(f.Data) + frame.CRCSize)
			frameStart := dec.Offset() - wireLen
			flushRaw(wireLen)

			ev := Event{Offset: frameStart, Time: time.Now(), Dir: message.DirectionOf(f.Opcode)}
			m, derr := message.Decode(f)
			if derr != nil {
				// Keep the bytes; unknown traffic is still evidence.
				ev.Raw = f.Encode()
				ev.Err = derr
			} else {
				ev.Msg = m
			}
			if !s.emit(ctx, out, ev) {
				return
			}
		}

		if ctx.Err() != nil {
			dec.Reset()
			flushRaw(0)
			return
		}

		if err := tr.SetReadTimeout(50 * time.Millisecond); err != nil {
			return
		}
		n, err := tr.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			lastByte = time.Now()
		}
		if err != nil && n == 0 {
			// Stream over: whatever is buffered will never complete.
			dec.Reset()
			flushRaw(0)
			return
		}
		if n == 0 && dec.Pending() > 0 && time.Since(lastByte) > s.cfg.StallTimeout {
			s.log.Debugf("stalled partial frame, flushing %d bytes", dec.Pending())
			dec.Reset()
			flushRaw(0)
		}
	}
}

// emit delivers an event unless the observer is being torn down.
func (s *Sniffer) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
