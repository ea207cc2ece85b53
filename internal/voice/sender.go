// Package voice implements the per-call voice sender: a 20ms cadence
// task that reads one microphone sample, encodes it, and emits a VOICE
// PDU for an established call.
package voice

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kryptofon/kryptofon/internal/audiocodec"
	"github.com/kryptofon/kryptofon/internal/audiodevice"
	"github.com/kryptofon/kryptofon/internal/callctx"
	"github.com/kryptofon/kryptofon/internal/pdu"
)

// Sender drives one established call's microphone capture into VOICE
// PDUs, encoded as A-law by default (matching the source engine's
// default outbound codec; LIN16/u-law are available for a future
// negotiated codec but this implementation always sends A-law).
type Sender struct {
	logger *slog.Logger
	device *audiodevice.Device
	call   *callctx.Call
	out    callctx.Sender

	running atomic.Bool
	stop    chan struct{}
}

// New constructs a Sender for one established call.
func New(device *audiodevice.Device, call *callctx.Call, out callctx.Sender, logger *slog.Logger) *Sender {
	return &Sender{
		logger: logger.With("subsystem", "voice-sender"),
		device: device,
		call:   call,
		out:    out,
		stop:   make(chan struct{}),
	}
}

// Send reads one microphone frame and, if capture produced a fresh
// sample, emits it as a VOICE/ALAW PDU. The device timestamp from
// capture is not used in the PDU header — the call context's own
// monotonically increasing nextDueTs is.
func (s *Sender) Send() {
	buf, _, ok := s.device.CaptureOnce()
	if !ok {
		return
	}
	encoded := audiocodec.ConvertFromPCM(audiocodec.TagALAW, buf)
	if err := callctx.SendVoicePDU(s.call, s.out, pdu.SubclassALAW, encoded); err != nil {
		s.logger.Warn("failed to send voice pdu", "error", err)
	}
}

// Run drives Send at the fixed 20ms frame interval until Stop is called,
// adapting sleep duration so that cumulative drift between wall clock
// and the tick cadence does not accumulate.
func (s *Sender) Run() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	interval := time.Duration(audiodevice.FrameIntervalMs) * time.Millisecond
	next := time.Now()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.Send()

		next = next.Add(interval)
		sleep := time.Until(next)
		if sleep > 0 {
			time.Sleep(sleep)
		} else {
			// fell behind: resync to now rather than let drift accumulate
			next = time.Now()
		}
	}
}

// Stop ends the send-tick loop.
func (s *Sender) Stop() {
	if s.running.CompareAndSwap(true, false) {
		close(s.stop)
	}
}
