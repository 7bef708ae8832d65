// Package device simulates a TurMass chip in bootloader mode: it beacons
// for a host, validates every request against the shared state machine
// and replies the way real silicon does. Fault injection for exercising
// host retry logic is explicit configuration, never hidden behavior.
package device

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/bigbag/turmass-flasher/internal/firmware"
	"github.com/bigbag/turmass-flasher/internal/message"
	"github.com/bigbag/turmass-flasher/internal/ota"
	"github.com/bigbag/turmass-flasher/internal/transport"
)

// FaultPlan enumerates the failures the simulator injects. Chunk indexes
// are 1-based and count chunk writes as received, retries included; a
// triggered fault is consumed, so the host's retry sees normal behavior.
type FaultPlan struct {
	// Mute answers the handshake but never any frame, so every host
	// step times out.
	Mute bool

	// DropAckAtChunk swallows the ack for the Nth chunk write.
	DropAckAtChunk int

	// WrongOffsetAtChunk acks the Nth chunk write with a wrong offset.
	WrongOffsetAtChunk int

	// CorruptFrameAtChunk sends the Nth chunk ack with a broken CRC.
	CorruptFrameAtChunk int

	// FailEraseCount answers the first N erase requests with a failure
	// status.
	FailEraseCount int

	// FailVerifyCount answers the first N CRC checks with a wrong CRC.
	FailVerifyCount int

	// DropDisconnectAck swallows the disconnect ack, as chips that
	// reset early do.
	DropDisconnectAck bool
}

// Config parameterizes one simulated device.
type Config struct {
	ChipType     uint32
	MaxChunkSize uint16
	FlashSize    uint32

	// BeaconInterval is the idle beacon period.
	BeaconInterval time.Duration

	// EraseLatency delays every erase ack, like real flash does.
	EraseLatency time.Duration

	Faults FaultPlan

	LoggerFactory logging.LoggerFactory
}

const (
	// DefaultChipType is the type/version word real chips report.
	DefaultChipType = 0x00020101

	defaultBeaconInterval = 50 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.ChipType == 0 {
		c.ChipType = DefaultChipType
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = firmware.DefaultChunkSize
	}
	if c.FlashSize == 0 {
		c.FlashSize = firmware.MaxImageSize
	}
	if c.BeaconInterval == 0 {
		c.BeaconInterval = defaultBeaconInterval
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c
}

// Stats counts traffic per request opcode, safe for concurrent reads
// while the simulator runs.
type Stats struct {
	mu       sync.Mutex
	requests map[byte]int
}

func (s *Stats) record(op byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests == nil {
		s.requests = make(map[byte]int)
	}
	s.requests[op]++
}

// Count returns how many requests with the opcode arrived so far.
func (s *Stats) Count(op byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[op]
}

// Device is one simulated chip bound to one transport.
type Device struct {
	cfg   Config
	sess  *ota.Session
	link  *ota.Link
	log   logging.LeveledLogger
	stats Stats

	flash    []byte
	ramBytes int
	chunkN   int
	faults   FaultPlan
}

// New builds a simulator with blank (unerased) flash.
func New(cfg Config) *Device {
	cfg = cfg.withDefaults()
	return &Device{
		cfg:    cfg,
		sess:   ota.NewSession(),
		log:    cfg.LoggerFactory.NewLogger("device"),
		flash:  make([]byte, firmware.FlashWindow),
		faults: cfg.Faults,
	}
}

// Stats exposes the request counters.
func (d *Device) Stats() *Stats {
	return &d.stats
}

// Flash returns the simulated flash contents, for test assertions.
func (d *Device) Flash() []byte {
	return d.flash
}

// State returns the session state the simulator ended in.
func (d *Device) State() ota.State {
	return d.sess.State
}

// Run serves one burn conversation until disconnect, transport close or
// cancellation. A request illegal for the current state ends the run
// with a ViolationError.
func (d *Device) Run(ctx context.Context, tr transport.Transport) error {
	d.link = ota.NewLink(tr, d.cfg.LoggerFactory.NewLogger("link"))
	d.log.Infof("session %s: simulating chip 0x%08X, flash %d bytes",
		d.sess.ID, d.cfg.ChipType, d.cfg.FlashSize)

	if err := d.handshake(ctx); err != nil {
		return err
	}
	return d.serve(ctx)
}

// handshake beacons until a host greets, then confirms.
func (d *Device) handshake(ctx context.Context) error {
	var seen strings.Builder
	for {
		if err := d.link.SendText(message.BeaconText); err != nil {
			return err
		}
		chunk, err := d.link.ReadText(ctx, d.cfg.BeaconInterval)
		if err != nil {
			if errors.Is(err, ota.ErrTimeout) {
				continue
			}
			return err
		}
		seen.Write(chunk)
		if strings.Contains(seen.String(), message.GreetText) {
			if err := d.link.SendText(message.ConfirmText); err != nil {
				return err
			}
			d.log.Infof("host connected")
			return nil
		}
	}
}

func (d *Device) serve(ctx context.Context) error {
	for {
		msg, err := d.link.Recv(ctx, time.Second)
		if err != nil {
			switch {
			case errors.Is(err, ota.ErrTimeout):
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
				// Host hung up; fine after a finished conversation.
				if d.sess.State.Terminal() {
					return nil
				}
				d.sess.Abort()
				return nil
			default:
				return err
			}
		}
		d.sess.Touch()
		d.stats.record(msg.Op())

		if d.faults.Mute {
			continue
		}

		if _, err := d.sess.Advance(msg.Op()); err != nil {
			d.log.Errorf("%v", err)
			return err
		}

		reply, err := d.handle(ctx, msg)
		if err != nil {
			return err
		}
		if reply == nil {
			continue // ack deliberately dropped
		}
		if err := d.send(reply); err != nil {
			return err
		}
		if d.sess.State == ota.StateSuccess {
			d.log.Infof("session finished")
			return nil
		}
	}
}

// handle builds the reply for one legal request, applying the fault
// plan. A nil reply with nil error means the ack is dropped.
func (d *Device) handle(ctx context.Context, msg message.Message) (message.Message, error) {
	switch m := msg.(type) {
	case message.Hello:
		return message.HelloAck{
			ChipType:     d.cfg.ChipType,
			MaxChunkSize: d.cfg.MaxChunkSize,
			FlashSize:    d.cfg.FlashSize,
		}, nil

	case message.RAMWrite:
		d.ramBytes += len(m.Data)
		return message.RAMWriteAck{Address: m.Address}, nil

	case message.Execute:
		return message.ExecuteDone{Address: m.Address}, nil

	case message.BaudChange:
		// Ack at the old rate, then switch.
		if err := d.send(message.BaudChangeAck{Rate: m.Rate}); err != nil {
			return nil, err
		}
		if bs, ok := d.link.Transport().(transport.BaudSetter); ok {
			if err := bs.SetBaudRate(int(m.Rate)); err != nil {
				return nil, err
			}
			d.log.Infof("link speed now %d baud", m.Rate)
		}
		return nil, nil

	case message.Erase:
		if d.faults.FailEraseCount > 0 {
			d.faults.FailEraseCount--
			return message.EraseAck{Kind: m.Kind, Address: m.Address, OK: false}, nil
		}
		if d.cfg.EraseLatency > 0 {
			select {
			case <-time.After(d.cfg.EraseLatency):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		d.erase(m)
		return message.EraseAck{Kind: m.Kind, Address: m.Address, OK: true}, nil

	case message.ChunkWrite:
		return d.handleChunk(m)

	case message.CRCCheck:
		crc := d.flashCRC(m.Address, m.Size)
		if d.faults.FailVerifyCount > 0 {
			d.faults.FailVerifyCount--
			crc = ^crc
		}
		return message.CRCCheckAck{CRC: crc}, nil

	case message.Read:
		end := int(m.Address) + int(m.Count)
		if end > len(d.flash) {
			return nil, fmt.Errorf("read beyond flash: 0x%08X+%d", m.Address, m.Count)
		}
		return message.ReadAck{Address: m.Address, Data: d.flash[m.Address:end]}, nil

	case message.Disconnect:
		if d.faults.DropDisconnectAck {
			return nil, nil
		}
		return message.DisconnectAck{}, nil

	default:
		// Legal per the table but not something a device consumes.
		return nil, fmt.Errorf("unhandled message %s", message.OpName(msg.Op()))
	}
}

func (d *Device) handleChunk(m message.ChunkWrite) (message.Message, error) {
	d.chunkN++
	n := d.chunkN

	if d.faults.DropAckAtChunk == n {
		d.faults.DropAckAtChunk = 0
		d.log.Infof("fault: dropping ack for chunk %d", n)
		d.writeChunk(m)
		return nil, nil
	}
	if d.faults.WrongOffsetAtChunk == n {
		d.faults.WrongOffsetAtChunk = 0
		d.log.Infof("fault: wrong-offset ack for chunk %d", n)
		return message.ChunkWriteAck{Offset: m.Offset + uint32(len(m.Data)), OK: true}, nil
	}
	if d.faults.CorruptFrameAtChunk == n {
		d.faults.CorruptFrameAtChunk = 0
		d.log.Infof("fault: corrupt ack frame for chunk %d", n)
		d.writeChunk(m)
		wire := message.ChunkWriteAck{Offset: m.Offset, OK: true}.Frame().Encode()
		wire[len(wire)-1] ^= 0xFF
		_, err := d.link.Transport().Write(wire)
		return nil, err
	}

	if int(m.Offset)+len(m.Data) > len(d.flash) || len(m.Data) > int(d.cfg.MaxChunkSize) {
		return message.ChunkWriteAck{Offset: m.Offset, OK: false}, nil
	}
	d.writeChunk(m)
	return message.ChunkWriteAck{Offset: m.Offset, OK: true}, nil
}

func (d *Device) writeChunk(m message.ChunkWrite) {
	copy(d.flash[m.Offset:], m.Data)
}

func (d *Device) erase(m message.Erase) {
	var size int
	switch m.Kind {
	case message.EraseSector:
		size = 0x1000
	case message.EraseBlock32:
		size = 0x8000
	case message.EraseBlock64:
		size = firmware.EraseBlockSize
	case message.EraseChip:
		size = len(d.flash)
	}
	start := int(m.Address)
	end := start + size
	if start > len(d.flash) {
		return
	}
	if end > len(d.flash) {
		end = len(d.flash)
	}
	for i := start; i < end; i++ {
		d.flash[i] = 0xFF
	}
}

// flashCRC computes the CRC the CALC_CRC32 ack reports. The request
// addresses flash through the bus window, same as the hex file does.
func (d *Device) flashCRC(addr, size uint32) uint32 {
	off := addr
	if off >= firmware.BusOffset {
		off -= firmware.BusOffset
	}
	end := int(off) + int(size)
	if end > len(d.flash) {
		end = len(d.flash)
	}
	if int(off) >= end {
		return 0
	}
	return crc32.ChecksumIEEE(d.flash[off:end])
}

func (d *Device) send(m message.Message) error {
	return d.link.Send(m)
}
