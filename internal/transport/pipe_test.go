package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPipeCarriesBytes(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	if _, err := a.Write([]byte("TurMass.")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte("TurMass.")) {
		t.Errorf("read %q", buf[:n])
	}
}

// Writes must not block on an unread peer; a UART with driver buffers
// does not couple the two sides either.
func TestPipeWriteNeverBlocks(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := a.Write(make([]byte, 512)); err != nil {
				t.Errorf("write %d: %v", i, err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on unread data")
	}
}

func TestPipeReadTimeout(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	if err := b.SetReadTimeout(20 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	n, err := b.Read(make([]byte, 16))
	if n != 0 || err != nil {
		t.Fatalf("Read() = %d, %v; want the serial timeout convention (0, nil)", n, err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("read returned before the timeout")
	}
}

func TestPipeClose(t *testing.T) {
	a, b := Pipe()

	a.Write([]byte{1, 2})
	a.Close()

	// Buffered bytes drain before EOF surfaces.
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if err != nil || n != 2 {
		t.Fatalf("Read() = %d, %v", n, err)
	}
	if _, err := b.Read(buf); err != io.EOF {
		t.Errorf("read after close = %v, want EOF", err)
	}
	if _, err := b.Write([]byte{3}); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("write to closed pipe = %v", err)
	}
}

func TestPipeFlush(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	a.Write([]byte{1, 2, 3})
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	b.SetReadTimeout(10 * time.Millisecond)
	if n, _ := b.Read(make([]byte, 16)); n != 0 {
		t.Errorf("flushed pipe still had %d bytes", n)
	}
}
