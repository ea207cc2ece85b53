package audiodevice

import (
	"sync"
	"testing"
)

type fakeHW struct {
	mu      sync.Mutex
	written [][]byte
	toRead  [][]byte
}

func (f *fakeHW) ReadFrame(buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toRead) == 0 {
		return nil
	}
	copy(buf, f.toRead[0])
	f.toRead = f.toRead[1:]
	return nil
}

func (f *fakeHW) WriteFrame(buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.written = append(f.written, cp)
	return nil
}

func TestSampleSize(t *testing.T) {
	d := New(&fakeHW{})
	if d.SampleSize() != FrameBytes {
		t.Fatalf("expected sample size %d, got %d", FrameBytes, d.SampleSize())
	}
}

func TestWriteBufferedThenPlaybackPrimesBeforeWriting(t *testing.T) {
	hw := &fakeHW{}
	d := New(hw)

	for i := 0; i < (FrameCount+LLBS)/2-1; i++ {
		d.WriteBuffered(make([]byte, FrameBytes), int64(i*FrameIntervalMs))
		if d.PlaybackStep() {
			t.Fatalf("expected playback to stay unprimed before reaching half-ring fill, frame %d", i)
		}
	}
}

func TestWriteBufferedAndPlaybackRoundTrip(t *testing.T) {
	hw := &fakeHW{}
	d := New(hw)

	primeCount := (FrameCount + LLBS) / 2
	for i := 0; i < primeCount+2; i++ {
		frame := make([]byte, FrameBytes)
		frame[0] = byte(i)
		d.WriteBuffered(frame, int64(i*FrameIntervalMs))
	}

	wrote := 0
	for i := 0; i < primeCount+2; i++ {
		if d.PlaybackStep() {
			wrote++
		}
	}
	if wrote == 0 {
		t.Fatalf("expected at least one frame written to hardware once primed")
	}
}

func TestConcealAveragesNeighbors(t *testing.T) {
	d := New(&fakeHW{})
	d.playback[0].data = []byte{100, 100}
	d.playback[2].data = []byte{50, 50}
	out := d.conceal(1)
	if len(out) != FrameBytes {
		t.Fatalf("expected concealed frame of length %d, got %d", FrameBytes, len(out))
	}
	if out[0] != (100>>1)+(50>>1) {
		t.Fatalf("unexpected concealed sample: got %d", out[0])
	}
}

func TestCompensateSkewDropsOneFrameSizeOnModerateSkew(t *testing.T) {
	d := New(&fakeHW{})
	d.lastMicTs = 0

	if got := d.compensateSkew(1000); got != 0 {
		t.Fatalf("expected first call to establish delta0 and return 0, got %d", got)
	}
	// max = (LLBS/2)*FrameIntervalMs = 60ms; pick a diff just over it.
	if got := d.compensateSkew(1000 + 61); got != -1 {
		t.Fatalf("expected moderate skew to drop one frame-size (-1), got %d", got)
	}
}

func TestCompensateSkewDropsTwoFrameSizesOnSevereSkew(t *testing.T) {
	d := New(&fakeHW{})
	d.lastMicTs = 0

	if got := d.compensateSkew(1000); got != 0 {
		t.Fatalf("expected first call to establish delta0 and return 0, got %d", got)
	}
	// LLBS*FrameIntervalMs = 120ms; pick a diff just over it.
	if got := d.compensateSkew(1000 + 121); got != -2 {
		t.Fatalf("expected severe skew to drop two frame-sizes (-2), got %d", got)
	}
}

func TestPlaybackStepDropsExtraSlotOnSevereSkew(t *testing.T) {
	hw := &fakeHW{}
	d := New(hw)

	primeCount := (FrameCount + LLBS) / 2
	for i := 0; i < primeCount+4; i++ {
		frame := make([]byte, FrameBytes)
		frame[0] = byte(i + 1)
		d.WriteBuffered(frame, int64(i*FrameIntervalMs))
	}

	d.lastMicTs = 0
	d.PlaybackStep() // consumes slot 0, establishes skew.delta0 == 0

	before := d.playbackR
	d.lastMicTs = -int64(LLBS*FrameIntervalMs) - 1 // forces diff well past the severe-skew threshold
	d.PlaybackStep()

	if got := d.playbackR - before; got != 2 {
		t.Fatalf("expected severe skew to advance the read cursor by 2 slots, got %d", got)
	}
}

func TestRingFrameCadence(t *testing.T) {
	silentCount := 0
	for i := 0; i < ringOnFrames+ringOffFrames; i++ {
		frame := GenerateRingFrame(i)
		allZero := true
		for _, b := range frame {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			silentCount++
		}
	}
	if silentCount != ringOffFrames {
		t.Fatalf("expected %d silent frames in one cadence cycle, got %d", ringOffFrames, silentCount)
	}
}
