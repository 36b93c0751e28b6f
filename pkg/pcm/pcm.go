// Package pcm converts interleaved 16-bit little-endian PCM between sample
// rates and channel layouts.
//
// Resampling is linear interpolation; downmixing averages the channels of
// each frame. Both are cheap enough to run per inbound chunk and good enough
// for speech.
package pcm

import (
	"encoding/binary"
	"math"
)

// Format describes a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Convert returns data in the target format. It downmixes or duplicates
// channels first and resamples second. Unknown or equal formats return data
// unchanged.
func Convert(data []byte, from, to Format) []byte {
	if from == to || from.SampleRate <= 0 || to.SampleRate <= 0 || from.Channels <= 0 || to.Channels <= 0 {
		return data
	}
	switch {
	case from.Channels > 1 && to.Channels == 1:
		data = Mono(data, from.Channels)
	case from.Channels == 1 && to.Channels > 1:
		data = Spread(data, to.Channels)
	case from.Channels != to.Channels:
		data = Spread(Mono(data, from.Channels), to.Channels)
	}
	return Resample(data, to.Channels, from.SampleRate, to.SampleRate)
}

// Mono averages the channels of every frame. A trailing partial frame is
// dropped.
func Mono(data []byte, channels int) []byte {
	if channels <= 1 {
		return data
	}
	frameSize := 2 * channels
	frames := len(data) / frameSize
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(sample(data, i*channels+c))
		}
		put(out, i, int16(sum/int32(channels)))
	}
	return out
}

// Spread copies every mono sample into the given number of channels.
func Spread(data []byte, channels int) []byte {
	if channels <= 1 {
		return data
	}
	n := len(data) / 2
	out := make([]byte, n*2*channels)
	for i := range n {
		s := sample(data, i)
		for c := range channels {
			put(out, i*channels+c, s)
		}
	}
	return out
}

// Resample converts interleaved PCM with the given channel count from
// srcRate to dstRate.
func Resample(data []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels <= 0 {
		return data
	}
	srcFrames := len(data) / (2 * channels)
	if srcFrames == 0 {
		return data
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			a := float64(sample(data, idx*channels+c))
			b := float64(sample(data, next*channels+c))
			put(out, i*channels+c, clamp(a+(b-a)*frac))
		}
	}
	return out
}

func sample(data []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(data[2*i:]))
}

func put(data []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
}

func clamp(v float64) int16 {
	return int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v))))
}
