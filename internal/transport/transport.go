// Package transport abstracts the duplex byte stream a burn session runs
// over. The protocol core never sees datagram boundaries; it reassembles
// frames from whatever fragments Read returns.
package transport

import (
	"io"
	"time"
)

// Transport is a single-owner duplex byte stream. Read follows serial
// port semantics: it returns (0, nil) when the configured read timeout
// expires with no data.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds every subsequent Read.
	SetReadTimeout(d time.Duration) error

	// Flush discards unread input, e.g. line noise after a reset.
	Flush() error
}

// BaudSetter is implemented by transports whose line rate can change
// mid-session. The in-memory pipe does not; the host skips the baud
// change step in that case.
type BaudSetter interface {
	SetBaudRate(rate int) error
}
