package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	f := &Frame{Opcode: 0x02, Address: 0x00001100, Data: []byte{0xDE, 0xAD}}
	raw := f.Encode()

	if got, want := len(raw), HeaderSize+2+CRCSize; got != want {
		t.Fatalf("encoded length = %d, want %d", got, want)
	}
	if raw[0] != StartMarker {
		t.Errorf("first byte = 0x%02X, want start marker 0x%02X", raw[0], StartMarker)
	}
	if raw[1] != 0x02 {
		t.Errorf("opcode byte = 0x%02X, want 0x02", raw[1])
	}
	// address, little endian
	if !bytes.Equal(raw[2:6], []byte{0x00, 0x11, 0x00, 0x00}) {
		t.Errorf("address bytes = % X", raw[2:6])
	}
	// length, little endian
	if !bytes.Equal(raw[6:8], []byte{0x02, 0x00}) {
		t.Errorf("length bytes = % X", raw[6:8])
	}
	if !bytes.Equal(raw[8:10], []byte{0xDE, 0xAD}) {
		t.Errorf("data bytes = % X", raw[8:10])
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"empty data", Frame{Opcode: 0x00, Address: 0}},
		{"single byte", Frame{Opcode: 0x05, Address: 0xFFFFFFFF, Data: []byte{0x01}},
		},
		{"chunk sized", Frame{Opcode: 0x02, Address: 0x1F00, Data: bytes.Repeat([]byte{0xA5}, 256)}},
		{"max data", Frame{Opcode: 0x08, Address: 0x2FF00, Data: make([]byte, MaxDataLen)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dec := NewDecoder()
			dec.Feed(tc.frame.Encode())
			got, err := dec.Next()
			if err != nil {
				t.Fatalf("Next() error: %v", err)
			}
			if got == nil {
				t.Fatal("Next() returned no frame")
			}
			if got.Opcode != tc.frame.Opcode {
				t.Errorf("opcode = 0x%02X, want 0x%02X", got.Opcode, tc.frame.Opcode)
			}
			if got.Address != tc.frame.Address {
				t.Errorf("address = 0x%08X, want 0x%08X", got.Address, tc.frame.Address)
			}
			if !bytes.Equal(got.Data, tc.frame.Data) {
				t.Errorf("data mismatch: got %d bytes, want %d", len(got.Data), len(tc.frame.Data))
			}
			if dec.Pending() != 0 {
				t.Errorf("decoder has %d pending bytes after decoding", dec.Pending())
			}
		})
	}
}

// Flipping any single byte of a frame must fail the CRC check (or the
// length check when the mutation lands on the length field).
func TestCorruptionDetected(t *testing.T) {
	f := &Frame{Opcode: 0x02, Address: 0x1100, Data: []byte{1, 2, 3, 4}}
	clean := f.Encode()

	// Skip byte 0: flipping the marker makes the frame invisible, not
	// invalid, which is covered by TestResync.
	for i := 1; i < len(clean); i++ {
		raw := append([]byte(nil), clean...)
		raw[i] ^= 0xFF

		dec := NewDecoder()
		dec.Feed(raw)
		for {
			got, err := dec.Next()
			if got == nil && err == nil {
				break
			}
			if got != nil && got.Opcode == f.Opcode && got.Address == f.Address && bytes.Equal(got.Data, f.Data) {
				t.Errorf("byte %d: corrupted frame decoded as the original", i)
				break
			}
		}
	}
}

func TestResync(t *testing.T) {
	good := (&Frame{Opcode: 0x00, Address: 0}).Encode()
	bad := (&Frame{Opcode: 0x02, Address: 0x100, Data: []byte{9, 9}}).Encode()
	bad[len(bad)-1] ^= 0xFF // break the CRC
	tail := (&Frame{Opcode: 0x04, Address: 0x200, Data: []byte{7}}).Encode()

	dec := NewDecoder()
	dec.Feed(good)
	dec.Feed(bad)
	dec.Feed(tail)

	f, err := dec.Next()
	if err != nil || f == nil || f.Opcode != 0x00 {
		t.Fatalf("first frame: got %v, %v", f, err)
	}

	// The corrupt frame surfaces as an *Error, then scanning resumes.
	var sawErr bool
	for {
		f, err = dec.Next()
		if f != nil {
			break
		}
		if err == nil {
			t.Fatal("decoder gave up before finding the trailing frame")
		}
		var fe *Error
		if errors.As(err, &fe) && fe.Reason == ReasonBadCRC {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("corrupt frame was not reported")
	}
	if f.Opcode != 0x04 || !bytes.Equal(f.Data, []byte{7}) {
		t.Errorf("trailing frame = %+v", f)
	}
	if sk := dec.Skipped(); len(sk) == 0 {
		t.Error("no skipped bytes recorded for the corrupt frame")
	}
}

func TestFragmentedFeed(t *testing.T) {
	f := &Frame{Opcode: 0x02, Address: 0x1F00, Data: bytes.Repeat([]byte{0x55}, 256)}
	raw := f.Encode()

	dec := NewDecoder()
	for i := 0; i < len(raw); i++ {
		dec.Feed(raw[i : i+1])
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("byte %d: unexpected error %v", i, err)
		}
		if i < len(raw)-1 {
			if got != nil {
				t.Fatalf("frame completed early at byte %d", i)
			}
			continue
		}
		if got == nil {
			t.Fatal("frame not decoded after final byte")
		}
		if !bytes.Equal(got.Data, f.Data) {
			t.Error("data mismatch after fragmented feed")
		}
	}
}

func TestBadLengthRejected(t *testing.T) {
	f := &Frame{Opcode: 0x02, Address: 0x100, Data: []byte{1}}
	raw := f.Encode()
	raw[6] = 0xFF // length = 0x4FF > MaxDataLen
	raw[7] = 0x04

	dec := NewDecoder()
	dec.Feed(raw)
	got, err := dec.Next()
	if got != nil {
		t.Fatal("frame with oversized length decoded")
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Reason != ReasonBadLength {
		t.Fatalf("error = %v, want bad length", err)
	}
}

func TestGarbageBetweenFrames(t *testing.T) {
	garbage := []byte("TurMass.TurMass.")
	f := &Frame{Opcode: 0x00, Address: 0}
	raw := f.Encode()

	dec := NewDecoder()
	dec.Feed(garbage)
	dec.Feed(raw)

	got, err := dec.Next()
	if err != nil || got == nil {
		t.Fatalf("Next() = %v, %v", got, err)
	}
	if sk := dec.Skipped(); !bytes.Equal(sk, garbage) {
		t.Errorf("skipped = %q, want %q", sk, garbage)
	}
	if want := int64(len(garbage) + len(raw)); dec.Offset() != want {
		t.Errorf("offset = %d, want %d", dec.Offset(), want)
	}
}

func TestReset(t *testing.T) {
	f := &Frame{Opcode: 0x02, Address: 0x100, Data: []byte{1, 2, 3}}
	raw := f.Encode()

	dec := NewDecoder()
	dec.Feed(raw[:5]) // partial header
	if got, err := dec.Next(); got != nil || err != nil {
		t.Fatalf("partial frame: Next() = %v, %v", got, err)
	}

	dec.Reset()
	if dec.Pending() != 0 {
		t.Errorf("pending = %d after reset", dec.Pending())
	}
	if sk := dec.Skipped(); !bytes.Equal(sk, raw[:5]) {
		t.Errorf("skipped = % X, want the abandoned partial frame", sk)
	}

	// A fresh frame after reset decodes normally.
	dec.Feed(raw)
	got, err := dec.Next()
	if err != nil || got == nil {
		t.Fatalf("frame after reset: Next() = %v, %v", got, err)
	}
}
