// Package host drives a burn session as the active initiator: it owns
// the request/response loop, the retry and restart policy, and the
// progress reporting.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"

	"github.com/bigbag/turmass-flasher/internal/firmware"
	"github.com/bigbag/turmass-flasher/internal/message"
	"github.com/bigbag/turmass-flasher/internal/ota"
	"github.com/bigbag/turmass-flasher/internal/transport"
)

// ProgressFunc reports transfer progress. It runs on its own goroutine
// and never blocks protocol timing; intermediate values may be dropped.
type ProgressFunc func(sent, total int)

// Config tunes one host run. Zero values pick the defaults below.
type Config struct {
	// ChunkSize is the transfer chunk hint; the negotiated device
	// maximum wins if smaller.
	ChunkSize int

	// PerStepTimeout bounds each request/response exchange.
	PerStepTimeout time.Duration

	// MaxRetriesPerStep is how many times a timed-out or failed step is
	// retried; a step is attempted MaxRetriesPerStep+1 times in total.
	MaxRetriesPerStep int

	// MaxFullRestarts bounds restarts from negotiation after a failed
	// full-image verify.
	MaxFullRestarts int

	// HandshakeTimeout bounds the wait for the device beacon.
	HandshakeTimeout time.Duration

	// Patch is the RAM bootstrap uploaded before flashing. Empty skips
	// the upload.
	Patch []byte

	// TargetBaud switches the link rate after negotiation. Zero, or a
	// transport without baud control, skips the switch.
	TargetBaud int

	// OptionPage controls writing the tail/option page after the image.
	OptionPage bool

	// SkipVerify skips the CRC check (and the tail read-back).
	SkipVerify bool

	Progress ProgressFunc

	LoggerFactory logging.LoggerFactory
}

const (
	defaultPerStepTimeout   = 500 * time.Millisecond
	defaultHandshakeTimeout = 30 * time.Second
	defaultRetries          = 2
)

func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = firmware.DefaultChunkSize
	}
	if c.PerStepTimeout == 0 {
		c.PerStepTimeout = defaultPerStepTimeout
	}
	if c.MaxRetriesPerStep == 0 {
		c.MaxRetriesPerStep = defaultRetries
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c
}

// Outcome is the terminal result of a run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAborted
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAborted:
		return "aborted"
	default:
		return "fatal"
	}
}

// Result is what a run leaves behind for the operator.
type Result struct {
	Outcome  Outcome
	State    ota.State // machine state when the run ended
	Reason   string
	Err      error
	Sent     int
	Total    int
	Restarts int
	Elapsed  time.Duration
}

// Errors the driver maps to terminal outcomes.
var (
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	errVerifyMismatch   = errors.New("image verification mismatch")
)

// OffsetError reports a chunk ack that names the wrong flash offset.
// Strict ordering makes this unrecoverable.
type OffsetError struct {
	Want, Got uint32
}

func (e *OffsetError) Error() string {
	return fmt.Sprintf("chunk ack for offset 0x%08X, expected 0x%08X", e.Got, e.Want)
}

type host struct {
	cfg  Config
	link *ota.Link
	sess *ota.Session
	im   *firmware.Image
	log  logging.LeveledLogger

	progressCh chan [2]int
	progressWg chan struct{}
}

// Run drives a complete burn of the image over the transport and reports
// the terminal outcome. The transport stays open; the caller closes it.
func Run(ctx context.Context, tr transport.Transport, im *firmware.Image, cfg Config) *Result {
	cfg = cfg.withDefaults()
	h := &host{
		cfg:  cfg,
		sess: ota.NewSession(),
		im:   im,
		log:  cfg.LoggerFactory.NewLogger("host"),
	}
	h.link = ota.NewLink(tr, cfg.LoggerFactory.NewLogger("link"))
	h.startProgress()
	defer h.stopProgress()

	start := time.Now()
	res := h.run(ctx)
	res.Elapsed = time.Since(start)
	res.State = h.sess.State
	res.Sent = h.sess.BytesSent
	res.Total = h.sess.TotalBytes
	res.Restarts = h.sess.Restarts
	return res
}

func (h *host) run(ctx context.Context) *Result {
	h.log.Infof("session %s: image %d bytes at 0x%08X, crc 0x%08X",
		h.sess.ID, h.im.Size(), h.im.Start, h.im.CRC32())

	if err := h.handshake(ctx); err != nil {
		return h.fail(err, "handshake failed")
	}

	for {
		err := h.pass(ctx, h.sess.Restarts == 0)
		if err == nil {
			break
		}
		if errors.Is(err, errVerifyMismatch) {
			if h.sess.Restarts >= h.cfg.MaxFullRestarts {
				h.sess.Abort()
				return &Result{
					Outcome: OutcomeAborted,
					Reason:  fmt.Sprintf("verify failed after %d full attempts", h.sess.Restarts+1),
					Err:     err,
				}
			}
			h.sess.Restarts++
			h.log.Warnf("verify failed, restarting transfer (attempt %d)", h.sess.Restarts+1)
			continue
		}
		return h.fail(err, "burn failed")
	}

	if err := h.finalize(ctx); err != nil {
		return h.fail(err, "finalize failed")
	}
	return &Result{Outcome: OutcomeSuccess, Reason: "image programmed and booted"}
}

// fail maps an error to its terminal outcome: cancellation aborts,
// everything else is fatal.
func (h *host) fail(err error, reason string) *Result {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		h.sess.Abort()
		return &Result{Outcome: OutcomeAborted, Reason: "cancelled by operator", Err: err}
	}
	h.sess.Fail()
	return &Result{Outcome: OutcomeFatal, Reason: reason, Err: err}
}

// pass runs one full programming attempt: negotiate, erase, transfer,
// verify. Preparation steps that survive a restart (patch upload, baud
// switch) only run on the first pass.
func (h *host) pass(ctx context.Context, first bool) error {
	if err := h.stepHello(ctx); err != nil {
		return err
	}
	if first {
		if err := h.stepPatch(ctx); err != nil {
			return err
		}
		if err := h.stepBaud(ctx); err != nil {
			return err
		}
	}
	if err := h.stepErase(ctx); err != nil {
		return err
	}
	if err := h.stepProgram(ctx); err != nil {
		return err
	}
	if h.cfg.SkipVerify {
		return nil
	}
	return h.stepVerify(ctx)
}

// handshake waits for the device beacon and answers it. The device only
// speaks frames once it has seen the greeting and confirmed.
func (h *host) handshake(ctx context.Context) error {
	deadline := time.Now().Add(h.cfg.HandshakeTimeout)
	var seen []byte
	greeted := false

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("no device beacon: %w", ota.ErrTimeout)
		}
		chunk, err := h.link.ReadText(ctx, time.Until(deadline))
		if err != nil {
			return fmt.Errorf("waiting for device: %w", err)
		}
		seen = append(seen, chunk...)

		if !greeted && bytes.Contains(seen, []byte(message.BeaconText)) {
			if err := h.link.SendText(message.GreetText); err != nil {
				return err
			}
			greeted = true
			seen = nil
		}
		if greeted && bytes.Contains(seen, []byte(message.ConfirmText)) {
			h.log.Infof("device connected")
			return nil
		}
	}
}

// exchange performs one request/response step under the retry policy:
// resend on timeout or failure ack, up to MaxRetriesPerStep retries, then
// give up. A reply of the wrong kind is a protocol violation and is never
// retried.
func (h *host) exchange(ctx context.Context, req message.Message) (message.Message, error) {
	rule, ok := ota.Lookup(h.sess.State, req.Op())
	if !ok {
		err := &ota.ViolationError{State: h.sess.State, Op: req.Op()}
		h.sess.Fail()
		return nil, err
	}

	attempts := h.cfg.MaxRetriesPerStep + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			h.log.Debugf("retrying %s (attempt %d/%d)", message.OpName(req.Op()), attempt+1, attempts)
		}
		if err := h.link.Send(req); err != nil {
			return nil, err
		}

		reply, err := h.link.Recv(ctx, h.cfg.PerStepTimeout)
		if err != nil {
			if errors.Is(err, ota.ErrTimeout) {
				continue
			}
			return nil, err
		}
		h.sess.Touch()

		if reply.Op() != rule.ReplyOp {
			err := &ota.ViolationError{State: h.sess.State, Op: reply.Op()}
			h.sess.Fail()
			return nil, err
		}
		if ok, checked := ackStatus(reply); checked && !ok {
			h.log.Warnf("%s reported failure", message.OpName(reply.Op()))
			continue
		}

		if _, err := h.sess.Advance(req.Op()); err != nil {
			return nil, err
		}
		return reply, nil
	}

	return nil, fmt.Errorf("%w: %s after %d attempts",
		ErrRetriesExhausted, message.OpName(req.Op()), attempts)
}

// ackStatus extracts the ok/fail status for acks that carry one.
func ackStatus(m message.Message) (ok, checked bool) {
	switch ack := m.(type) {
	case message.ChunkWriteAck:
		return ack.OK, true
	case message.EraseAck:
		return ack.OK, true
	default:
		return true, false
	}
}

func (h *host) stepHello(ctx context.Context) error {
	reply, err := h.exchange(ctx, message.Hello{})
	if err != nil {
		return err
	}
	caps := reply.(message.HelloAck)
	h.log.Infof("device type 0x%08X, max chunk %d, flash %d bytes",
		caps.ChipType, caps.MaxChunkSize, caps.FlashSize)

	if !h.im.FitsFlash(caps.FlashSize) {
		return fmt.Errorf("image of %d bytes does not fit flash of %d bytes",
			h.im.Size(), caps.FlashSize)
	}

	chunk := h.cfg.ChunkSize
	if int(caps.MaxChunkSize) < chunk {
		chunk = int(caps.MaxChunkSize)
	}
	h.sess.ChunkSize = chunk
	h.sess.FlashSize = caps.FlashSize
	return nil
}

func (h *host) stepPatch(ctx context.Context) error {
	if len(h.cfg.Patch) == 0 {
		return nil
	}

	patch := append([]byte(nil), h.cfg.Patch...)
	if rem := len(patch) % firmware.PatchChunkSize; rem != 0 {
		patch = append(patch, make([]byte, firmware.PatchChunkSize-rem)...)
	}
	h.log.Infof("uploading %d byte patch to 0x%08X", len(patch), uint32(firmware.PatchLoadAddr))

	for i := 0; i < len(patch); i += firmware.PatchChunkSize {
		req := message.RAMWrite{
			Address: firmware.PatchLoadAddr + uint32(i),
			Data:    patch[i : i+firmware.PatchChunkSize],
		}
		if _, err := h.exchange(ctx, req); err != nil {
			return fmt.Errorf("patch upload at 0x%08X: %w", req.Address, err)
		}
	}

	if _, err := h.exchange(ctx, message.Execute{Address: firmware.PatchLoadAddr}); err != nil {
		return fmt.Errorf("patch start: %w", err)
	}
	return nil
}

func (h *host) stepBaud(ctx context.Context) error {
	if h.cfg.TargetBaud == 0 {
		return nil
	}
	bs, ok := h.link.Transport().(transport.BaudSetter)
	if !ok {
		h.log.Debugf("transport has no baud control, staying at current rate")
		return nil
	}

	if _, err := h.exchange(ctx, message.BaudChange{Rate: uint32(h.cfg.TargetBaud)}); err != nil {
		return fmt.Errorf("baud change: %w", err)
	}
	if err := bs.SetBaudRate(h.cfg.TargetBaud); err != nil {
		return err
	}
	h.log.Infof("link speed now %d baud", h.cfg.TargetBaud)
	return nil
}

func (h *host) stepErase(ctx context.Context) error {
	for _, addr := range firmware.EraseBlocks() {
		req := message.Erase{Kind: message.EraseBlock64, Address: addr}
		if _, err := h.exchange(ctx, req); err != nil {
			return fmt.Errorf("erase block 0x%08X: %w", addr, err)
		}
	}
	return nil
}

func (h *host) stepProgram(ctx context.Context) error {
	chunks, err := h.im.Layout(h.sess.ChunkSize)
	if err != nil {
		return err
	}
	if !h.cfg.OptionPage {
		chunks = chunks[:len(chunks)-1]
	}

	total := 0
	for _, c := range chunks {
		total += len(c.Data)
	}
	h.sess.TotalBytes = total
	h.sess.BytesSent = 0
	h.report()

	for _, c := range chunks {
		reply, err := h.exchange(ctx, message.ChunkWrite{Offset: c.Offset, Data: c.Data})
		if err != nil {
			return fmt.Errorf("write chunk at 0x%08X: %w", c.Offset, err)
		}
		ack := reply.(message.ChunkWriteAck)
		if ack.Offset != c.Offset {
			err := &OffsetError{Want: c.Offset, Got: ack.Offset}
			h.sess.Fail()
			return err
		}
		h.sess.BytesSent += len(c.Data)
		h.report()
	}
	return nil
}

func (h *host) stepVerify(ctx context.Context) error {
	reply, err := h.exchange(ctx, message.CRCCheck{
		Address: h.im.Start,
		Size:    uint32(h.im.Size()),
	})
	if err != nil {
		return fmt.Errorf("crc check: %w", err)
	}
	ack := reply.(message.CRCCheckAck)
	if ack.CRC != h.im.CRC32() {
		return fmt.Errorf("%w: device crc 0x%08X, local 0x%08X",
			errVerifyMismatch, ack.CRC, h.im.CRC32())
	}

	if h.cfg.OptionPage {
		tailAddr := uint32(firmware.TailPageAddr + firmware.DefaultChunkSize - len(firmware.TailMagic))
		reply, err := h.exchange(ctx, message.Read{Address: tailAddr, Count: uint16(len(firmware.TailMagic))})
		if err != nil {
			return fmt.Errorf("tail read-back: %w", err)
		}
		got := reply.(message.ReadAck)
		if !bytes.Equal(got.Data, firmware.TailMagic) {
			return fmt.Errorf("%w: option page tail % X", errVerifyMismatch, got.Data)
		}
	}
	return nil
}

// finalize boots the application and closes the conversation. Devices
// regularly reset before the disconnect ack makes it out, so a missing
// ack still counts as success.
func (h *host) finalize(ctx context.Context) error {
	if _, err := h.exchange(ctx, message.Execute{Address: firmware.PatchLoadAddr}); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	if _, err := h.sess.Advance(message.OpDisconnect); err != nil {
		return err
	}
	if err := h.link.Send(message.Disconnect{}); err != nil {
		return err
	}
	if _, err := h.link.Recv(ctx, h.cfg.PerStepTimeout); err != nil && !errors.Is(err, ota.ErrTimeout) {
		// Transport close here means the device already rebooted.
		h.log.Debugf("no disconnect ack: %v", err)
	}
	return nil
}

func (h *host) startProgress() {
	if h.cfg.Progress == nil {
		return
	}
	h.progressCh = make(chan [2]int, 1)
	h.progressWg = make(chan struct{})
	go func() {
		defer close(h.progressWg)
		for v := range h.progressCh {
			h.cfg.Progress(v[0], v[1])
		}
	}()
}

func (h *host) stopProgress() {
	if h.progressCh == nil {
		return
	}
	close(h.progressCh)
	<-h.progressWg
}

// report publishes the latest progress snapshot without blocking; a
// stale unread value is replaced.
func (h *host) report() {
	if h.progressCh == nil {
		return
	}
	v := [2]int{h.sess.BytesSent, h.sess.TotalBytes}
	for {
		select {
		case h.progressCh <- v:
			return
		default:
		}
		select {
		case <-h.progressCh:
		default:
		}
	}
}
