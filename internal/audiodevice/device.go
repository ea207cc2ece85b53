// Package audiodevice implements the jitter-buffered audio device
// abstraction that sits between the call's voice sender/receiver and the
// host's PCM hardware: capture ring, playback ring with clock-skew
// compensation and packet-loss concealment, and a ring-tone generator.
//
// The host audio hardware itself is behind the PCMDevice interface: no
// library in this ecosystem binds to real audio hardware, so this
// boundary is expressed directly against the host, the same way a raw
// net.UDPConn stands in for a transport boundary with no off-the-shelf
// library to wire in.
package audiodevice

import (
	"sync"
	"time"
)

const (
	SampleRate      = 8000
	FrameIntervalMs = 20
	BytesPerSample  = 2
	FrameCount      = 10
	LLBS            = 6
	PlaybackRing    = 2 * FrameCount

	// FrameBytes is the byte length of one 20ms mono 16-bit PCM frame at
	// 8kHz: 8000 * 0.02 * 2 bytes.
	FrameBytes = SampleRate * FrameIntervalMs / 1000 * BytesPerSample
)

// PCMDevice is the host audio hardware boundary: blocking read of one
// frame from the microphone, blocking write of one frame to the
// speaker.
type PCMDevice interface {
	ReadFrame(buf []byte) error
	WriteFrame(buf []byte) error
}

// slot is one entry of either ring: a frame-sized buffer, its
// millisecond timestamp, and whether it has been written this cycle.
type slot struct {
	data    []byte
	ts      int64
	written bool
}

// Device wires a PCMDevice to the capture and playback rings, with
// clock-skew compensation and concealment on the playback path.
// SampleSize is fixed at FrameBytes; there is no variable framing in
// this implementation.
type Device struct {
	hw PCMDevice

	captureMu  sync.Mutex
	capture    [FrameCount]slot
	captureW   int // write cursor into capture ring
	lastMicTs  int64

	playbackMu sync.Mutex
	playback   [PlaybackRing]slot
	playbackW  int // write cursor (writeBuffered target)
	playbackR  int // read cursor (playback loop consumer)
	primed     bool

	skew struct {
		haveDelta0 bool
		delta0     int64
		cumulative int64
	}
}

// New constructs a Device bound to hw. Rings start empty/unprimed.
func New(hw PCMDevice) *Device {
	d := &Device{hw: hw}
	for i := range d.capture {
		d.capture[i].data = make([]byte, FrameBytes)
	}
	for i := range d.playback {
		d.playback[i].data = make([]byte, FrameBytes)
	}
	return d
}

// SampleSize returns the fixed frame byte length used by the PDU codec
// to slice a VOICE payload into one audio sample.
func (d *Device) SampleSize() int { return FrameBytes }

// CaptureOnce reads one frame from the microphone into the next capture
// slot, stamping it with the device clock. Frames whose timestamp is not
// monotonically increasing relative to the last captured frame are
// dropped — the "start-of-capture flush" rule, guarding against a
// hardware clock that jumps backwards right after start.
func (d *Device) CaptureOnce() ([]byte, int64, bool) {
	buf := make([]byte, FrameBytes)
	if err := d.hw.ReadFrame(buf); err != nil {
		return nil, 0, false
	}
	ts := time.Now().UnixMilli()

	d.captureMu.Lock()
	defer d.captureMu.Unlock()

	if ts <= d.lastMicTs {
		return nil, 0, false
	}
	d.lastMicTs = ts

	idx := d.captureW % FrameCount
	d.capture[idx].data = buf
	d.capture[idx].ts = ts
	d.capture[idx].written = true
	d.captureW++

	return buf, ts, true
}

// LastMicTimestamp returns the timestamp of the most recently captured
// frame, used by clock-skew compensation on the playback side.
func (d *Device) LastMicTimestamp() int64 {
	d.captureMu.Lock()
	defer d.captureMu.Unlock()
	return d.lastMicTs
}

// WriteBuffered implements the inbound-voice enqueue policy: compute the
// target ring slot from the frame's timestamp, write into it, and
// reposition the read cursor if the frame is far enough ahead to require
// a catch-up (dropping history rather than blocking on it).
func (d *Device) WriteBuffered(buf []byte, ts int64) {
	d.playbackMu.Lock()
	defer d.playbackMu.Unlock()

	slotIdx := int(ts/FrameIntervalMs) % PlaybackRing
	if slotIdx < 0 {
		slotIdx += PlaybackRing
	}

	d.playback[slotIdx].data = append(d.playback[slotIdx].data[:0], buf...)
	d.playback[slotIdx].ts = ts
	d.playback[slotIdx].written = true

	targetSlot := int(ts / FrameIntervalMs)
	if targetSlot-d.playbackW > PlaybackRing {
		d.playbackR = targetSlot - PlaybackRing/2
	}
	d.playbackW = targetSlot
}

// ringFill reports how many playback slots currently hold unconsumed,
// written data ahead of the read cursor — used to decide when priming
// is complete and when to conceal vs. wait on an empty slot.
func (d *Device) ringFill() int {
	fill := d.playbackW - d.playbackR
	if fill < 0 {
		fill = 0
	}
	if fill > PlaybackRing {
		fill = PlaybackRing
	}
	return fill
}

// PlaybackStep advances the playback loop by exactly one frame:
// concealment/wait decision, clock-skew compensation, and the write to
// hardware. It returns false once per call cycle if it chose to wait
// rather than write (the caller should back off briefly and retry).
func (d *Device) PlaybackStep() bool {
	d.playbackMu.Lock()

	if !d.primed {
		if d.ringFill() < (FrameCount+LLBS)/2 {
			d.playbackMu.Unlock()
			return false
		}
		d.primed = true
	}

	idx := d.playbackR % PlaybackRing
	if idx < 0 {
		idx += PlaybackRing
	}
	s := &d.playback[idx]

	var frame []byte
	var frameTs int64
	if !s.written {
		fill := d.ringFill()
		if fill < LLBS-2 || fill > PlaybackRing-2 {
			frame = d.conceal(idx)
			frameTs = s.ts
		} else {
			d.playbackMu.Unlock()
			return false
		}
	} else {
		frame = append([]byte(nil), s.data...)
		frameTs = s.ts
		s.written = false
	}
	d.playbackR++

	dropOrDup := d.compensateSkew(frameTs)
	d.playbackMu.Unlock()

	switch {
	case dropOrDup <= -2:
		// severe skew: drop this frame plus one more frame-size's worth.
		d.dropNextSlot()
		return true
	case dropOrDup < 0:
		// drop: do not write this frame, pretend consumed.
		return true
	case dropOrDup > 0:
		_ = d.hw.WriteFrame(frame)
		_ = d.hw.WriteFrame(frame)
		return true
	default:
		_ = d.hw.WriteFrame(frame)
		return true
	}
}

// dropNextSlot discards one additional playback slot beyond the frame
// PlaybackStep already withheld from hardware, implementing the "drop
// two frame-sizes' worth" severe clock-skew response.
func (d *Device) dropNextSlot() {
	d.playbackMu.Lock()
	defer d.playbackMu.Unlock()
	idx := d.playbackR % PlaybackRing
	if idx < 0 {
		idx += PlaybackRing
	}
	d.playback[idx].written = false
	d.playbackR++
}

// compensateSkew implements the per-pass clock-skew compensation rule:
// returns -2 to drop two frame-sizes' worth (severe skew), -1 to drop
// one frame-size, +1 to duplicate one frame-size, 0 for a normal single
// write. Must be called with playbackMu held.
func (d *Device) compensateSkew(slotTs int64) int {
	lastMic := d.lastMicTs
	delta := slotTs - lastMic

	if !d.skew.haveDelta0 {
		d.skew.delta0 = delta
		d.skew.haveDelta0 = true
		return 0
	}

	diff := delta - d.skew.delta0
	d.skew.cumulative = diff

	max := int64(LLBS/2) * FrameIntervalMs
	switch {
	case diff > LLBS*FrameIntervalMs:
		return -2 // drop 2 frame-sizes' worth
	case diff > max:
		return -1 // drop 1 frame-size
	case diff < -FrameIntervalMs:
		return 1 // duplicate one frame-size
	default:
		return 0
	}
}

// conceal synthesizes a replacement for a missing slot by averaging the
// previous and next slots sample-wise. This is the source engine's
// documented-imperfect 8-bit-oriented concealment, reproduced as-is; it
// audibly degrades 16-bit samples but is kept for behavioral
// compatibility.
func (d *Device) conceal(idx int) []byte {
	prevIdx := (idx - 1 + PlaybackRing) % PlaybackRing
	nextIdx := (idx + 1) % PlaybackRing
	prev := d.playback[prevIdx].data
	next := d.playback[nextIdx].data

	out := make([]byte, FrameBytes)
	for i := range out {
		var p, n byte
		if i < len(prev) {
			p = prev[i]
		}
		if i < len(next) {
			n = next[i]
		}
		out[i] = (p >> 1) + (n >> 1)
	}
	return out
}

// CumulativeSkew reports the most recently observed clock-skew diff, for
// diagnostics.
func (d *Device) CumulativeSkew() int64 {
	d.playbackMu.Lock()
	defer d.playbackMu.Unlock()
	return d.skew.cumulative
}

// RunPlayback drives PlaybackStep at the fixed 20ms frame interval until
// stop is closed, with the same drift-compensated sleep the voice sender
// uses on the capture side. A false return from PlaybackStep (primer not
// yet filled, or waiting out a momentary gap) is not a distinct error
// state: the next tick arrives on schedule regardless.
func (d *Device) RunPlayback(stop <-chan struct{}) {
	interval := time.Duration(FrameIntervalMs) * time.Millisecond
	next := time.Now()
	for {
		select {
		case <-stop:
			return
		default:
		}

		d.PlaybackStep()

		next = next.Add(interval)
		sleep := time.Until(next)
		if sleep > 0 {
			time.Sleep(sleep)
		} else {
			next = time.Now()
		}
	}
}

