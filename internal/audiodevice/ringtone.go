package audiodevice

import "math"

const (
	ringEnvelopeHz = 25.0
	ringToneHz     = 420.0
	ringLevelDBFS  = -12.0

	ringOnFrames  = 40
	ringOffFrames = 80
)

// GenerateRingFrame synthesizes one FrameBytes-long frame of the ring
// tone at the given frame index within the call: two superposed
// sinusoids (25Hz envelope times 420Hz tone) at -12dBFS. Returns a
// silent frame when frameIndex falls in the off portion of the
// 40-on/80-off cadence.
func GenerateRingFrame(frameIndex int) []byte {
	cycle := frameIndex % (ringOnFrames + ringOffFrames)
	out := make([]byte, FrameBytes)
	if cycle >= ringOnFrames {
		return out // silence during the off portion
	}

	amplitude := math.Pow(10, ringLevelDBFS/20) * 32767
	samplesPerFrame := FrameBytes / BytesPerSample
	frameStartSample := frameIndex * samplesPerFrame

	for i := 0; i < samplesPerFrame; i++ {
		t := float64(frameStartSample+i) / SampleRate
		envelope := math.Sin(2 * math.Pi * ringEnvelopeHz * t)
		tone := math.Sin(2 * math.Pi * ringToneHz * t)
		sample := int16(amplitude * envelope * tone)
		out[2*i] = byte(uint16(sample))
		out[2*i+1] = byte(uint16(sample) >> 8)
	}
	return out
}
