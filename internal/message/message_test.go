package message

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/bigbag/turmass-flasher/internal/frame"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"hello", Hello{}},
		{"hello ack", HelloAck{ChipType: 0x00020101, MaxChunkSize: 256, FlashSize: 0x2FFF8}},
		{"chunk write", ChunkWrite{Offset: 0x1F00, Data: []byte{1, 2, 3}}},
		{"chunk write ack ok", ChunkWriteAck{Offset: 0x1F00, OK: true}},
		{"chunk write ack fail", ChunkWriteAck{Offset: 0x1F00, OK: false}},
		{"ram write", RAMWrite{Address: 0x20080400, Data: []byte{0xAA}}},
		{"ram write ack", RAMWriteAck{Address: 0x20080400}},
		{"read", Read{Address: 0x2FF00, Count: 8}},
		{"read ack", ReadAck{Address: 0x2FF00, Data: []byte{1, 4, 0x23, 0}}},
		{"sector erase", Erase{Kind: EraseSector, Address: 0x1000}},
		{"chip erase", Erase{Kind: EraseChip}},
		{"block64 erase", Erase{Kind: EraseBlock64, Address: 0x20000}},
		{"erase ack ok", EraseAck{Kind: EraseBlock64, Address: 0x20000, OK: true}},
		{"erase ack fail", EraseAck{Kind: EraseSector, Address: 0x1000, OK: false}},
		{"baud change", BaudChange{Rate: 921600}},
		{"baud change ack", BaudChangeAck{Rate: 921600}},
		{"execute", Execute{Address: 0x20080400}},
		{"execute done", ExecuteDone{Address: 0x20080400}},
		{"crc check", CRCCheck{Address: 0, Size: 0x4000}},
		{"crc check ack", CRCCheckAck{CRC: 0xDEADBEEF}},
		{"disconnect", Disconnect{}},
		{"disconnect ack", DisconnectAck{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := tc.msg.Frame()
			if f.Opcode != tc.msg.Op() {
				t.Errorf("frame opcode 0x%02X does not match Op() 0x%02X", f.Opcode, tc.msg.Op())
			}
			got, err := Decode(f)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.msg) {
				t.Errorf("Decode() = %#v, want %#v", got, tc.msg)
			}
		})
	}
}

func TestDecodeThroughWire(t *testing.T) {
	// A message must survive the full path: encode, frame on the wire,
	// decode the frame, decode the message.
	msg := ChunkWrite{Offset: 0x1E00, Data: bytes.Repeat([]byte{0x5A}, 256)}
	dec := frame.NewDecoder()
	dec.Feed(msg.Frame().Encode())
	f, err := dec.Next()
	if err != nil || f == nil {
		t.Fatalf("frame decode: %v, %v", f, err)
	}
	got, err := Decode(f)
	if err != nil {
		t.Fatalf("message decode: %v", err)
	}
	cw, ok := got.(ChunkWrite)
	if !ok {
		t.Fatalf("decoded %T, want ChunkWrite", got)
	}
	if cw.Offset != msg.Offset || !bytes.Equal(cw.Data, msg.Data) {
		t.Errorf("decoded %+v", cw)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	_, err := Decode(&frame.Frame{Opcode: 0x42})
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("error = %v, want ErrUnknownOpcode", err)
	}
}

func TestDecodeBadPayload(t *testing.T) {
	tests := []struct {
		name  string
		frame frame.Frame
	}{
		{"send type too short", frame.Frame{Opcode: OpSendType, Data: []byte{1, 2}}},
		{"empty chunk write", frame.Frame{Opcode: OpWrite, Address: 0x100}},
		{"empty ram write", frame.Frame{Opcode: OpWriteRAM, Address: 0x20080400}},
		{"read without count", frame.Frame{Opcode: OpRead, Address: 0x100}},
		{"crc check short", frame.Frame{Opcode: OpCalcCRC32, Data: []byte{0, 0, 0, 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(&tc.frame)
			if !errors.Is(err, ErrBadPayload) {
				t.Errorf("error = %v, want ErrBadPayload", err)
			}
			if errors.Is(err, ErrUnknownOpcode) {
				t.Error("bad payload misreported as unknown opcode")
			}
		})
	}
}

func TestAckStatusCompat(t *testing.T) {
	// Acks with no payload count as success; a nonzero status byte does
	// not.
	got, err := Decode(&frame.Frame{Opcode: OpWriteAck, Address: 0x100})
	if err != nil {
		t.Fatal(err)
	}
	if ack := got.(ChunkWriteAck); !ack.OK {
		t.Error("bare ack decoded as failure")
	}

	got, err = Decode(&frame.Frame{Opcode: OpWriteAck, Address: 0x100, Data: []byte{0x01}})
	if err != nil {
		t.Fatal(err)
	}
	if ack := got.(ChunkWriteAck); ack.OK {
		t.Error("explicit failure status decoded as success")
	}
}

func TestDirectionOf(t *testing.T) {
	requests := []byte{OpGetType, OpWrite, OpWriteRAM, OpRead, OpSectorErase,
		OpChipErase, OpBlock32KErase, OpBlock64KErase, OpDisconnect,
		OpChangeBaudrate, OpExecuteCode, OpCalcCRC32}
	for _, op := range requests {
		if DirectionOf(op) != DirHostToDevice {
			t.Errorf("%s: direction = %s, want host->dev", OpName(op), DirectionOf(op))
		}
		// Every request opcode has its ack at op+1 except execute, whose
		// ack is OpExecuteCodeEnd.
		ack := op + 1
		if op == OpExecuteCode {
			ack = OpExecuteCodeEnd
		}
		if DirectionOf(ack) != DirDeviceToHost {
			t.Errorf("%s: direction = %s, want dev->host", OpName(ack), DirectionOf(ack))
		}
	}
	if DirectionOf(0x42) != DirUnknown {
		t.Error("unassigned opcode has a direction")
	}
}

func TestOpNameUnknown(t *testing.T) {
	if got := OpName(0x42); got != "OP_42" {
		t.Errorf("OpName(0x42) = %q", got)
	}
}
