// Package message maps raw frames to typed burn protocol messages.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bigbag/turmass-flasher/internal/frame"
)

// Burn protocol opcodes. Requests originate from the host, acks from the
// device. The values are fixed by the ROM bootloader.
const (
	OpGetType           = 0x00
	OpSendType          = 0x01
	OpWrite             = 0x02
	OpWriteAck          = 0x03
	OpWriteRAM          = 0x04
	OpWriteRAMAck       = 0x05
	OpRead              = 0x08
	OpReadAck           = 0x09
	OpSectorErase       = 0x0C
	OpSectorEraseAck    = 0x0D
	OpChipErase         = 0x0E
	OpChipEraseAck      = 0x0F
	OpDisconnect        = 0x10
	OpDisconnectAck     = 0x11
	OpChangeBaudrate    = 0x12
	OpChangeBaudrateAck = 0x13
	OpExecuteCode       = 0x15
	OpExecuteCodeEnd    = 0x17
	OpCalcCRC32         = 0x19
	OpCalcCRC32Ack      = 0x1A
	OpBlock32KErase     = 0x1B
	OpBlock32KEraseAck  = 0x1C
	OpBlock64KErase     = 0x1D
	OpBlock64KEraseAck  = 0x1E
)

// Plaintext handshake tokens exchanged before any frame traffic. The
// device beacons while waiting for a host; the host answers and the
// device confirms.
const (
	BeaconText  = "TurMass."
	GreetText   = "TaoLink."
	ConfirmText = "ok"
)

// Decode failure classes. An unknown opcode is distinct from a known
// opcode with a malformed payload so the sniffer can still log raw bytes
// for unrecognized traffic.
var (
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrBadPayload    = errors.New("bad payload")
)

// Message is a typed protocol unit. Frame produces the wire frame that
// carries it.
type Message interface {
	Op() byte
	Frame() *frame.Frame
}

// Hello requests the device type and capabilities (GetType).
type Hello struct{}

func (Hello) Op() byte { return OpGetType }

func (Hello) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpGetType}
}

// HelloAck is the capability reply (SendType): chip type plus the limits
// every later step must respect.
type HelloAck struct {
	ChipType     uint32
	MaxChunkSize uint16
	FlashSize    uint32
}

func (HelloAck) Op() byte { return OpSendType }

func (m HelloAck) Frame() *frame.Frame {
	data := make([]byte, 6)
	binary.LittleEndian.PutUint16(data[0:2], m.MaxChunkSize)
	binary.LittleEndian.PutUint32(data[2:6], m.FlashSize)
	return &frame.Frame{Opcode: OpSendType, Address: m.ChipType, Data: data}
}

// ChunkWrite programs one chunk of flash at Offset.
type ChunkWrite struct {
	Offset uint32
	Data   []byte
}

func (ChunkWrite) Op() byte { return OpWrite }

func (m ChunkWrite) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpWrite, Address: m.Offset, Data: m.Data}
}

// ChunkWriteAck acknowledges the chunk written at Offset.
type ChunkWriteAck struct {
	Offset uint32
	OK     bool
}

func (ChunkWriteAck) Op() byte { return OpWriteAck }

func (m ChunkWriteAck) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpWriteAck, Address: m.Offset, Data: []byte{statusByte(m.OK)}}
}

// RAMWrite loads a piece of the bootstrap patch into device RAM.
type RAMWrite struct {
	Address uint32
	Data    []byte
}

func (RAMWrite) Op() byte { return OpWriteRAM }

func (m RAMWrite) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpWriteRAM, Address: m.Address, Data: m.Data}
}

// RAMWriteAck acknowledges a RAM load.
type RAMWriteAck struct {
	Address uint32
}

func (RAMWriteAck) Op() byte { return OpWriteRAMAck }

func (m RAMWriteAck) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpWriteRAMAck, Address: m.Address}
}

// Read asks for Count bytes of flash starting at Address.
type Read struct {
	Address uint32
	Count   uint16
}

func (Read) Op() byte { return OpRead }

func (m Read) Frame() *frame.Frame {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, m.Count)
	return &frame.Frame{Opcode: OpRead, Address: m.Address, Data: data}
}

// ReadAck returns the requested flash bytes.
type ReadAck struct {
	Address uint32
	Data    []byte
}

func (ReadAck) Op() byte { return OpReadAck }

func (m ReadAck) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpReadAck, Address: m.Address, Data: m.Data}
}

// EraseKind selects which erase command a request uses.
type EraseKind byte

const (
	EraseSector  EraseKind = OpSectorErase
	EraseChip    EraseKind = OpChipErase
	EraseBlock32 EraseKind = OpBlock32KErase
	EraseBlock64 EraseKind = OpBlock64KErase
)

// Erase requests erasure of the region selected by Kind at Address.
type Erase struct {
	Kind    EraseKind
	Address uint32
}

func (m Erase) Op() byte { return byte(m.Kind) }

func (m Erase) Frame() *frame.Frame {
	return &frame.Frame{Opcode: byte(m.Kind), Address: m.Address}
}

// EraseAck acknowledges an erase request of the same kind.
type EraseAck struct {
	Kind    EraseKind
	Address uint32
	OK      bool
}

func (m EraseAck) Op() byte { return byte(m.Kind) + 1 }

func (m EraseAck) Frame() *frame.Frame {
	return &frame.Frame{Opcode: m.Op(), Address: m.Address, Data: []byte{statusByte(m.OK)}}
}

// BaudChange switches the link speed; Rate rides in the address field.
type BaudChange struct {
	Rate uint32
}

func (BaudChange) Op() byte { return OpChangeBaudrate }

func (m BaudChange) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpChangeBaudrate, Address: m.Rate}
}

// BaudChangeAck confirms the link speed switch, sent at the new rate.
type BaudChangeAck struct {
	Rate uint32
}

func (BaudChangeAck) Op() byte { return OpChangeBaudrateAck }

func (m BaudChangeAck) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpChangeBaudrateAck, Address: m.Rate}
}

// Execute jumps to code at Address (the loaded patch or the freshly
// programmed application).
type Execute struct {
	Address uint32
}

func (Execute) Op() byte { return OpExecuteCode }

func (m Execute) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpExecuteCode, Address: m.Address}
}

// ExecuteDone reports that the jump target is up and serving.
type ExecuteDone struct {
	Address uint32
}

func (ExecuteDone) Op() byte { return OpExecuteCodeEnd }

func (m ExecuteDone) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpExecuteCodeEnd, Address: m.Address}
}

// CRCCheck asks the device to CRC32 Size bytes of flash at Address.
type CRCCheck struct {
	Address uint32
	Size    uint32
}

func (CRCCheck) Op() byte { return OpCalcCRC32 }

func (m CRCCheck) Frame() *frame.Frame {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], m.Size)
	return &frame.Frame{Opcode: OpCalcCRC32, Address: m.Address, Data: data}
}

// CRCCheckAck carries the device-computed CRC in the address field.
type CRCCheckAck struct {
	CRC uint32
}

func (CRCCheckAck) Op() byte { return OpCalcCRC32Ack }

func (m CRCCheckAck) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpCalcCRC32Ack, Address: m.CRC}
}

// Disconnect ends the session.
type Disconnect struct{}

func (Disconnect) Op() byte { return OpDisconnect }

func (Disconnect) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpDisconnect}
}

// DisconnectAck confirms session end. Real chips often reset before it
// reaches the wire.
type DisconnectAck struct{}

func (DisconnectAck) Op() byte { return OpDisconnectAck }

func (DisconnectAck) Frame() *frame.Frame {
	return &frame.Frame{Opcode: OpDisconnectAck}
}

func statusByte(ok bool) byte {
	if ok {
		return 0x00
	}
	return 0x01
}

func statusOK(data []byte) bool {
	// Older bootloaders ack with an empty payload, newer ones carry an
	// explicit status byte.
	return len(data) == 0 || data[0] == 0x00
}

// Decode turns a CRC-validated frame into a typed message. It returns an
// error wrapping ErrUnknownOpcode for opcodes outside the protocol and
// ErrBadPayload for known opcodes whose payload does not fit the layout.
func Decode(f *frame.Frame) (Message, error) {
	switch f.Opcode {
	case OpGetType:
		return Hello{}, nil
	case OpSendType:
		if len(f.Data) != 6 {
			return nil, payloadErr(f, "want 6 capability bytes")
		}
		return HelloAck{
			ChipType:     f.Address,
			MaxChunkSize: binary.LittleEndian.Uint16(f.Data[0:2]),
			FlashSize:    binary.LittleEndian.Uint32(f.Data[2:6]),
		}, nil
	case OpWrite:
		if len(f.Data) == 0 {
			return nil, payloadErr(f, "empty chunk")
		}
		return ChunkWrite{Offset: f.Address, Data: f.Data}, nil
	case OpWriteAck:
		return ChunkWriteAck{Offset: f.Address, OK: statusOK(f.Data)}, nil
	case OpWriteRAM:
		if len(f.Data) == 0 {
			return nil, payloadErr(f, "empty chunk")
		}
		return RAMWrite{Address: f.Address, Data: f.Data}, nil
	case OpWriteRAMAck:
		return RAMWriteAck{Address: f.Address}, nil
	case OpRead:
		if len(f.Data) != 2 {
			return nil, payloadErr(f, "want 2-byte count")
		}
		return Read{Address: f.Address, Count: binary.LittleEndian.Uint16(f.Data)}, nil
	case OpReadAck:
		return ReadAck{Address: f.Address, Data: f.Data}, nil
	case OpSectorErase, OpChipErase, OpBlock32KErase, OpBlock64KErase:
		return Erase{Kind: EraseKind(f.Opcode), Address: f.Address}, nil
	case OpSectorEraseAck, OpChipEraseAck, OpBlock32KEraseAck, OpBlock64KEraseAck:
		return EraseAck{Kind: EraseKind(f.Opcode - 1), Address: f.Address, OK: statusOK(f.Data)}, nil
	case OpDisconnect:
		return Disconnect{}, nil
	case OpDisconnectAck:
		return DisconnectAck{}, nil
	case OpChangeBaudrate:
		return BaudChange{Rate: f.Address}, nil
	case OpChangeBaudrateAck:
		return BaudChangeAck{Rate: f.Address}, nil
	case OpExecuteCode:
		return Execute{Address: f.Address}, nil
	case OpExecuteCodeEnd:
		return ExecuteDone{Address: f.Address}, nil
	case OpCalcCRC32:
		if len(f.Data) != 8 {
			return nil, payloadErr(f, "want 8 bytes (size + reserved)")
		}
		return CRCCheck{Address: f.Address, Size: binary.LittleEndian.Uint32(f.Data[0:4])}, nil
	case OpCalcCRC32Ack:
		return CRCCheckAck{CRC: f.Address}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, f.Opcode)
	}
}

func payloadErr(f *frame.Frame, detail string) error {
	return fmt.Errorf("%w: op 0x%02X: %s (%d bytes)", ErrBadPayload, f.Opcode, detail, len(f.Data))
}

// Direction says which side of the link normally sends an opcode. The
// sniffer uses it to label traffic it did not originate.
type Direction int

const (
	DirUnknown Direction = iota
	DirHostToDevice
	DirDeviceToHost
)

func (d Direction) String() string {
	switch d {
	case DirHostToDevice:
		return "host->dev"
	case DirDeviceToHost:
		return "dev->host"
	default:
		return "unknown"
	}
}

// DirectionOf infers the sender role for an opcode.
func DirectionOf(op byte) Direction {
	switch op {
	case OpGetType, OpWrite, OpWriteRAM, OpRead, OpSectorErase, OpChipErase,
		OpBlock32KErase, OpBlock64KErase, OpDisconnect, OpChangeBaudrate,
		OpExecuteCode, OpCalcCRC32:
		return DirHostToDevice
	case OpSendType, OpWriteAck, OpWriteRAMAck, OpReadAck, OpSectorEraseAck,
		OpChipEraseAck, OpBlock32KEraseAck, OpBlock64KEraseAck,
		OpDisconnectAck, OpChangeBaudrateAck, OpExecuteCodeEnd, OpCalcCRC32Ack:
		return DirDeviceToHost
	default:
		return DirUnknown
	}
}

// OpName returns a short mnemonic for logs and sniffer output.
func OpName(op byte) string {
	switch op {
	case OpGetType:
		return "GET_TYPE"
	case OpSendType:
		return "SEND_TYPE"
	case OpWrite:
		return "WRITE"
	case OpWriteAck:
		return "WRITE_ACK"
	case OpWriteRAM:
		return "WRITE_RAM"
	case OpWriteRAMAck:
		return "WRITE_RAM_ACK"
	case OpRead:
		return "READ"
	case OpReadAck:
		return "READ_ACK"
	case OpSectorErase:
		return "SECTOR_ERASE"
	case OpSectorEraseAck:
		return "SECTOR_ERASE_ACK"
	case OpChipErase:
		return "CHIP_ERASE"
	case OpChipEraseAck:
		return "CHIP_ERASE_ACK"
	case OpDisconnect:
		return "DISCONNECT"
	case OpDisconnectAck:
		return "DISCONNECT_ACK"
	case OpChangeBaudrate:
		return "CHANGE_BAUDRATE"
	case OpChangeBaudrateAck:
		return "CHANGE_BAUDRATE_ACK"
	case OpExecuteCode:
		return "EXECUTE_CODE"
	case OpExecuteCodeEnd:
		return "EXECUTE_CODE_END"
	case OpCalcCRC32:
		return "CALC_CRC32"
	case OpCalcCRC32Ack:
		return "CALC_CRC32_ACK"
	case OpBlock32KErase:
		return "BLOCK32K_ERASE"
	case OpBlock32KEraseAck:
		return "BLOCK32K_ERASE_ACK"
	case OpBlock64KErase:
		return "BLOCK64K_ERASE"
	case OpBlock64KEraseAck:
		return "BLOCK64K_ERASE_ACK"
	default:
		return fmt.Sprintf("OP_%02X", op)
	}
}
