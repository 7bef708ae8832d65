// Package frame implements the TurMass burn protocol wire framing.
//
// A frame on the wire is:
//
//	[SOM][opcode][address x4 LE][length x2 LE][data...][crc16 x2 LE]
//
// The CRC is CRC-16/CCITT-FALSE over everything between the start marker
// and the CRC field itself.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	// StartMarker opens every frame on the wire.
	StartMarker = 0xA5

	// HeaderSize is marker + opcode + address + length.
	HeaderSize = 8

	// CRCSize is the width of the trailing CRC field.
	CRCSize = 2

	// MaxDataLen bounds the length field. Anything larger is treated as
	// a corrupt header, not a giant frame.
	MaxDataLen = 1024
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Frame is one decoded unit of the wire format.
type Frame struct {
	Opcode  byte
	Address uint32
	Data    []byte
}

// Encode serializes the frame to its wire representation.
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Data)+CRCSize)
	buf[0] = StartMarker
	buf[1] = f.Opcode
	binary.LittleEndian.PutUint32(buf[2:6], f.Address)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(f.Data)))
	copy(buf[HeaderSize:], f.Data)

	crc := crc16.Checksum(buf[1:HeaderSize+len(f.Data)], crcTable)
	binary.LittleEndian.PutUint16(buf[HeaderSize+len(f.Data):], crc)
	return buf
}

// Error reasons reported by the decoder.
const (
	ReasonBadCRC    = "crc mismatch"
	ReasonBadLength = "length field out of range"
)

// Error describes one invalid frame found in the stream. It is reported
// as a value so callers can keep decoding past it.
type Error struct {
	Offset int64 // stream offset of the rejected start marker
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid frame at offset %d: %s", e.Offset, e.Reason)
}

// Decoder reassembles frames from a raw byte stream. Input arrives in
// arbitrary fragments via Feed; Next pops complete frames. The decoder
// never gives up on the stream: after a bad frame it scans forward for
// the next start marker.
type Decoder struct {
	buf     []byte
	skipped []byte
	base    int64 // stream offset of buf[0]
}

// NewDecoder returns a decoder positioned at stream offset zero.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw bytes from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Offset returns the stream offset of the next unconsumed byte.
func (d *Decoder) Offset() int64 {
	return d.base
}

// Skipped returns and clears the bytes discarded since the last frame:
// garbage between frames, handshake text, or the remains of corrupt
// frames. The returned slice ends at the offset reported by Offset.
func (d *Decoder) Skipped() []byte {
	s := d.skipped
	d.skipped = nil
	return s
}

// Reset abandons any partial frame, moving buffered bytes into the
// skipped run. Used when the inter-byte timeout fires on a stalled
// stream.
func (d *Decoder) Reset() {
	d.skipped = append(d.skipped, d.buf...)
	d.base += int64(len(d.buf))
	d.buf = nil
}

// Pending reports how many bytes are buffered awaiting a complete frame.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Next attempts to decode one frame from the buffered bytes.
//
// Returns (frame, nil) on success, (nil, nil) when more input is needed,
// or (nil, *Error) when a start marker was found but the frame behind it
// is invalid. After an *Error the decoder has already consumed the bad
// marker, so calling Next again resumes the scan for the next marker.
func (d *Decoder) Next() (*Frame, error) {
	// Scan to the next start marker, moving garbage into skipped.
	i := 0
	for i < len(d.buf) && d.buf[i] != StartMarker {
		i++
	}
	if i > 0 {
		d.discard(i)
	}
	if len(d.buf) < HeaderSize {
		return nil, nil
	}

	dataLen := int(binary.LittleEndian.Uint16(d.buf[6:8]))
	if dataLen > MaxDataLen {
		err := &Error{Offset: d.base, Reason: ReasonBadLength}
		d.discard(1)
		return nil, err
	}

	total := HeaderSize + dataLen + CRCSize
	if len(d.buf) < total {
		return nil, nil
	}

	want := binary.LittleEndian.Uint16(d.buf[HeaderSize+dataLen : total])
	got := crc16.Checksum(d.buf[1:HeaderSize+dataLen], crcTable)
	if got != want {
		err := &Error{Offset: d.base, Reason: ReasonBadCRC}
		d.discard(1)
		return nil, err
	}

	f := &Frame{
		Opcode:  d.buf[1],
		Address: binary.LittleEndian.Uint32(d.buf[2:6]),
		Data:    append([]byte(nil), d.buf[HeaderSize:HeaderSize+dataLen]...),
	}
	d.consume(total)
	return f, nil
}

// discard moves n bytes into the skipped run.
func (d *Decoder) discard(n int) {
	d.skipped = append(d.skipped, d.buf[:n]...)
	d.consume(n)
}

func (d *Decoder) consume(n int) {
	d.buf = d.buf[n:]
	d.base += int64(n)
}
