package voice

import (
	"io"
	"log/slog"
	"testing"

	"github.com/kryptofon/kryptofon/internal/audiodevice"
	"github.com/kryptofon/kryptofon/internal/callctx"
	"github.com/kryptofon/kryptofon/internal/pdu"
)

type fakeHW struct {
	frame []byte
}

func (f *fakeHW) ReadFrame(buf []byte) error {
	copy(buf, f.frame)
	return nil
}
func (f *fakeHW) WriteFrame(buf []byte) error { return nil }

type recordingSender struct {
	sent [][]byte
}

func (r *recordingSender) Send(frame []byte) error {
	r.sent = append(r.sent, frame)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendEmitsVoicePDU(t *testing.T) {
	frame := make([]byte, audiodevice.FrameBytes)
	frame[0] = 0x12
	device := audiodevice.New(&fakeHW{frame: frame})
	call := callctx.New()
	call.Start()
	out := &recordingSender{}

	s := New(device, call, out, testLogger())
	s.Send()

	if len(out.sent) != 1 {
		t.Fatalf("expected 1 pdu sent, got %d", len(out.sent))
	}
	p, err := pdu.Parse(out.sent[0])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Type != pdu.TypeVoice || p.Subclass != pdu.SubclassALAW {
		t.Fatalf("expected VOICE/ALAW pdu, got type=%x subclass=%x", p.Type, p.Subclass)
	}
	if len(p.Payload) != audiodevice.FrameBytes/2 {
		t.Fatalf("expected alaw-encoded payload of %d bytes, got %d", audiodevice.FrameBytes/2, len(p.Payload))
	}
}

func TestSendEmitsPDUForAllZeroFrame(t *testing.T) {
	// CaptureOnce drops a frame only on a non-monotonic timestamp, never
	// on its content: an all-zero hw frame still produces a PDU.
	frame := make([]byte, audiodevice.FrameBytes)
	device := audiodevice.New(&fakeHW{frame: frame})
	call := callctx.New()
	call.Start()
	out := &recordingSender{}

	s := New(device, call, out, testLogger())
	s.Send()
	if len(out.sent) != 1 {
		t.Fatalf("expected first capture to succeed and send, got %d sends", len(out.sent))
	}
}
