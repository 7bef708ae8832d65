package ota

import (
	"errors"
	"testing"

	"github.com/bigbag/turmass-flasher/internal/message"
)

func TestHappyPathTransitions(t *testing.T) {
	// The canonical burn: hello, patch load, boot patch, baud switch,
	// erase, write chunks, verify, boot application, disconnect.
	steps := []struct {
		op      byte
		replyOp byte
		next    State
	}{
		{message.OpGetType, message.OpSendType, StateNegotiating},
		{message.OpWriteRAM, message.OpWriteRAMAck, StateNegotiating},
		{message.OpExecuteCode, message.OpExecuteCodeEnd, StateNegotiating},
		{message.OpChangeBaudrate, message.OpChangeBaudrateAck, StateNegotiating},
		{message.OpBlock64KErase, message.OpBlock64KEraseAck, StateErasing},
		{message.OpBlock64KErase, message.OpBlock64KEraseAck, StateErasing},
		{message.OpWrite, message.OpWriteAck, StateTransferring},
		{message.OpWrite, message.OpWriteAck, StateTransferring},
		{message.OpCalcCRC32, message.OpCalcCRC32Ack, StateVerifying},
		{message.OpRead, message.OpReadAck, StateVerifying},
		{message.OpExecuteCode, message.OpExecuteCodeEnd, StateFinalizing},
		{message.OpDisconnect, message.OpDisconnectAck, StateSuccess},
	}

	s := NewSession()
	for i, step := range steps {
		r, err := s.Advance(step.op)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, message.OpName(step.op), err)
		}
		if r.ReplyOp != step.replyOp {
			t.Errorf("step %d (%s): reply = %s, want %s",
				i, message.OpName(step.op), message.OpName(r.ReplyOp), message.OpName(step.replyOp))
		}
		if s.State != step.next {
			t.Errorf("step %d (%s): state = %s, want %s",
				i, message.OpName(step.op), s.State, step.next)
		}
	}
	if !s.State.Terminal() {
		t.Errorf("final state %s is not terminal", s.State)
	}
}

func TestRestartAfterFailedVerify(t *testing.T) {
	s := &Session{State: StateVerifying}
	r, err := s.Advance(message.OpGetType)
	if err != nil {
		t.Fatal(err)
	}
	if r.ReplyOp != message.OpSendType || s.State != StateNegotiating {
		t.Errorf("restart: reply %s, state %s", message.OpName(r.ReplyOp), s.State)
	}
}

func TestSkipVerify(t *testing.T) {
	s := &Session{State: StateTransferring}
	if _, err := s.Advance(message.OpExecuteCode); err != nil {
		t.Fatal(err)
	}
	if s.State != StateFinalizing {
		t.Errorf("state = %s, want finalizing", s.State)
	}
}

func TestViolationsAreFatal(t *testing.T) {
	tests := []struct {
		name  string
		state State
		op    byte
	}{
		{"write before hello", StateIdle, message.OpWrite},
		{"erase before hello", StateIdle, message.OpChipErase},
		{"write before erase", StateNegotiating, message.OpWrite},
		{"hello mid erase", StateErasing, message.OpGetType},
		{"erase mid transfer", StateTransferring, message.OpBlock64KErase},
		{"write after verify started", StateVerifying, message.OpWrite},
		{"write while finalizing", StateFinalizing, message.OpWrite},
		{"ack opcode as request", StateTransferring, message.OpWriteAck},
		{"anything after success", StateSuccess, message.OpGetType},
		{"anything after fatal", StateFatal, message.OpGetType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &Session{State: tc.state}
			_, err := s.Advance(tc.op)
			var ve *ViolationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want ViolationError", err)
			}
			if ve.State != tc.state || ve.Op != tc.op {
				t.Errorf("violation = %+v", ve)
			}
			if s.State != StateFatal {
				t.Errorf("state after violation = %s, want fatal", s.State)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for s := StateIdle; s <= StateFatal; s++ {
		want := s == StateSuccess || s == StateAborted || s == StateFatal
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
		if want {
			if _, ok := rules[s]; ok {
				t.Errorf("terminal state %s has transition rules", s)
			}
		}
	}
}

func TestAbortAndFail(t *testing.T) {
	s := &Session{State: StateTransferring}
	s.Abort()
	if s.State != StateAborted {
		t.Errorf("state = %s after abort", s.State)
	}
	// Terminal states stick.
	s.Fail()
	if s.State != StateAborted {
		t.Errorf("Fail() overwrote terminal state: %s", s.State)
	}

	s = &Session{State: StateSuccess}
	s.Abort()
	if s.State != StateSuccess {
		t.Errorf("Abort() overwrote success: %s", s.State)
	}
}

func TestEveryRuleReplyMatchesRequestDirection(t *testing.T) {
	for state, row := range rules {
		for op, r := range row {
			if message.DirectionOf(op) != message.DirHostToDevice {
				t.Errorf("%s: request %s is not host-originated", state, message.OpName(op))
			}
			if message.DirectionOf(r.ReplyOp) != message.DirDeviceToHost {
				t.Errorf("%s: reply %s is not device-originated", state, message.OpName(r.ReplyOp))
			}
		}
	}
}
