package audio

import (
	"fmt"
	"time"
)

// Format describes the negotiated raw audio format for a call. The media
// transport carries fixed-size PCM frames with no envelope, so both ends must
// derive the exact same frame size from these parameters or framing desyncs.
type Format struct {
	SampleRate    int           // samples per second, e.g. 16000
	SampleWidth   int           // bytes per sample, e.g. 2 for slin16
	FrameDuration time.Duration // audio per frame, e.g. 50ms
}

// FrameBytes returns the number of bytes in one frame.
// 16kHz * 2 bytes * 50ms = 1600 bytes.
func (f Format) FrameBytes() int {
	return f.SampleRate * f.SampleWidth * int(f.FrameDuration/time.Millisecond) / 1000
}

// Name returns the Asterisk format name for the external media channel
// request. Only signed linear PCM is supported; the bridge passes frames
// through verbatim and does no transcoding.
func (f Format) Name() string {
	if f.SampleRate == 8000 {
		return "slin"
	}
	return fmt.Sprintf("slin%d", f.SampleRate/1000)
}

// Validate rejects formats that would produce an empty or fractional frame.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleWidth <= 0 || f.FrameDuration <= 0 {
		return fmt.Errorf("invalid audio format: rate=%d width=%d frame=%s",
			f.SampleRate, f.SampleWidth, f.FrameDuration)
	}
	if (f.SampleRate*f.SampleWidth*int(f.FrameDuration/time.Millisecond))%1000 != 0 {
		return fmt.Errorf("frame duration %s does not yield a whole number of bytes at %dHz",
			f.FrameDuration, f.SampleRate)
	}
	return nil
}
