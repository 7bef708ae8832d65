// Package ota holds the burn conversation state machine shared by the
// host driver and the device simulator. Legality of every exchange lives
// in one table keyed by (state, request opcode) so both roles stay
// consistent by construction.
package ota

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bigbag/turmass-flasher/internal/message"
)

// State of one burn conversation.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateErasing
	StateTransferring
	StateVerifying
	StateFinalizing
	StateSuccess
	StateAborted
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateErasing:
		return "erasing"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateFinalizing:
		return "finalizing"
	case StateSuccess:
		return "success"
	case StateAborted:
		return "aborted"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateAborted || s == StateFatal
}

// Rule is the outcome of a legal request exchange: the ack the device
// owes and the state both sides are in once that ack lands.
type Rule struct {
	ReplyOp byte
	Next    State
}

// rules maps (current state, request opcode) to its Rule. A request that
// starts the next phase carries that phase as Next; requests missing from
// a state's row are protocol violations there.
var rules = map[State]map[byte]Rule{
	StateIdle: {
		message.OpGetType: {message.OpSendType, StateNegotiating},
	},
	StateNegotiating: {
		message.OpGetType:        {message.OpSendType, StateNegotiating},
		message.OpWriteRAM:       {message.OpWriteRAMAck, StateNegotiating},
		message.OpExecuteCode:    {message.OpExecuteCodeEnd, StateNegotiating},
		message.OpChangeBaudrate: {message.OpChangeBaudrateAck, StateNegotiating},
		message.OpSectorErase:    {message.OpSectorEraseAck, StateErasing},
		message.OpChipErase:      {message.OpChipEraseAck, StateErasing},
		message.OpBlock32KErase:  {message.OpBlock32KEraseAck, StateErasing},
		message.OpBlock64KErase:  {message.OpBlock64KEraseAck, StateErasing},
	},
	StateErasing: {
		message.OpSectorErase:   {message.OpSectorEraseAck, StateErasing},
		message.OpChipErase:     {message.OpChipEraseAck, StateErasing},
		message.OpBlock32KErase: {message.OpBlock32KEraseAck, StateErasing},
		message.OpBlock64KErase: {message.OpBlock64KEraseAck, StateErasing},
		message.OpWrite:         {message.OpWriteAck, StateTransferring},
	},
	StateTransferring: {
		message.OpWrite:     {message.OpWriteAck, StateTransferring},
		message.OpCalcCRC32: {message.OpCalcCRC32Ack, StateVerifying},
		// Hosts may boot without verifying.
		message.OpExecuteCode: {message.OpExecuteCodeEnd, StateFinalizing},
	},
	StateVerifying: {
		message.OpCalcCRC32: {message.OpCalcCRC32Ack, StateVerifying},
		message.OpRead:      {message.OpReadAck, StateVerifying},
		// Host restarts the whole transfer here after a failed verify.
		message.OpGetType:     {message.OpSendType, StateNegotiating},
		message.OpExecuteCode: {message.OpExecuteCodeEnd, StateFinalizing},
	},
	StateFinalizing: {
		message.OpExecuteCode: {message.OpExecuteCodeEnd, StateFinalizing},
		message.OpDisconnect:  {message.OpDisconnectAck, StateSuccess},
	},
}

// Lookup returns the rule for a request opcode in the given state.
func Lookup(s State, op byte) (Rule, bool) {
	r, ok := rules[s][op]
	return r, ok
}

// ViolationError reports a request that is illegal for the current
// state. It always ends the session: either the peer does not conform
// or a driver is broken.
type ViolationError struct {
	State State
	Op    byte
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s not legal in state %s", message.OpName(e.Op), e.State)
}

// Session is the mutable context of one burn conversation, owned by a
// single role driver.
type Session struct {
	ID    uuid.UUID
	State State

	// Negotiated during hello.
	ChunkSize int
	FlashSize uint32

	// Progress bookkeeping.
	BytesSent  int
	TotalBytes int
	Restarts   int

	LastRecv time.Time
}

// NewSession returns a fresh session in Idle.
func NewSession() *Session {
	return &Session{ID: uuid.New(), State: StateIdle}
}

// Advance validates a request opcode against the current state and, if
// legal, moves the session to the rule's next state. The returned rule
// names the ack that completes the exchange.
func (s *Session) Advance(op byte) (Rule, error) {
	r, ok := Lookup(s.State, op)
	if !ok {
		err := &ViolationError{State: s.State, Op: op}
		s.State = StateFatal
		return Rule{}, err
	}
	s.State = r.Next
	return r, nil
}

// Abort moves the session to Aborted unless it already finished.
func (s *Session) Abort() {
	if !s.State.Terminal() {
		s.State = StateAborted
	}
}

// Fail moves the session to Fatal unless it already finished.
func (s *Session) Fail() {
	if !s.State.Terminal() {
		s.State = StateFatal
	}
}

// Touch records frame arrival time for stall detection.
func (s *Session) Touch() {
	s.LastRecv = time.Now()
}
