// Package audio holds helpers for signed 16-bit little-endian PCM.
//
// The voice agent consumes 48 kHz mono and produces 24 kHz mono; browsers
// and decoders hand over whatever they recorded. [Convert] bridges the two.
package audio

import (
	"errors"
	"fmt"
)

// Common formats.
var (
	// AgentInput is the format the voice agent is configured to receive.
	AgentInput = Format{SampleRate: 48000, Channels: 1}

	// AgentOutput is the format the voice agent synthesizes.
	AgentOutput = Format{SampleRate: 24000, Channels: 1}
)

// ErrMisaligned is returned for PCM whose length is not a whole number of
// frames.
var ErrMisaligned = errors.New("audio: pcm length is not frame aligned")

// Format describes the sample rate and channel count of a PCM buffer.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FrameSize is the byte size of one sample across all channels.
func (f Format) FrameSize() int { return 2 * f.Channels }

// Duration is the playback length in milliseconds of n bytes in f.
func (f Format) Duration(n int) int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return n / f.FrameSize() * 1000 / f.SampleRate
}

// Convert resamples and downmixes pcm from one format to another. Mono and
// stereo sources are supported; the target must be mono or match the source
// channel count. Resampling happens after downmixing so only one channel is
// interpolated.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if from.Channels <= 0 || to.Channels <= 0 || from.SampleRate <= 0 || to.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: invalid conversion %s -> %s", from, to)
	}
	if len(pcm)%from.FrameSize() != 0 {
		return nil, ErrMisaligned
	}

	switch {
	case from.Channels == to.Channels:
	case from.Channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	default:
		return nil, fmt.Errorf("audio: unsupported channel conversion %s -> %s", from, to)
	}

	if from.SampleRate == to.SampleRate {
		return pcm, nil
	}
	if to.Channels == 1 {
		return ResampleMono16(pcm, from.SampleRate, to.SampleRate), nil
	}
	return ResampleStereo16(pcm, from.SampleRate, to.SampleRate), nil
}

// Int16sToBytes encodes samples as little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// StereoToMono averages L and R of every 4-byte frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate with linear
// interpolation. Invalid or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := len(pcm) / 2
	dst := int(int64(src) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dst*2)
	ratio := float64(srcRate) / float64(dstRate)

	sample := func(i int) int16 {
		if i >= src {
			i = src - 1
		}
		return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	for i := range dst {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		v := int16(float64(sample(idx))*(1-frac) + float64(sample(idx+1))*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// ResampleStereo16 is [ResampleMono16] for interleaved stereo.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	left, right := split(pcm)
	left = ResampleMono16(left, srcRate, dstRate)
	right = ResampleMono16(right, srcRate, dstRate)

	out := make([]byte, len(left)*2)
	for i := 0; i+1 < len(left); i += 2 {
		out[i*2], out[i*2+1] = left[i], left[i+1]
		out[i*2+2], out[i*2+3] = right[i], right[i+1]
	}
	return out
}

func split(stereo []byte) (left, right []byte) {
	frames := len(stereo) / 4
	left = make([]byte, frames*2)
	right = make([]byte, frames*2)
	for i := range frames {
		copy(left[i*2:], stereo[i*4:i*4+2])
		copy(right[i*2:], stereo[i*4+2:i*4+4])
	}
	return left, right
}
