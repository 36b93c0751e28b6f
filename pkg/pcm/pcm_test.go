package pcm_test

import (
	"encoding/binary"
	"slices"
	"testing"

	"github.com/MrWong99/parley/pkg/pcm"
)

func encode(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func decode(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestMono(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{name: "stereo", in: []int16{100, 200, -100, -200}, channels: 2, want: []int16{150, -150}},
		{name: "extremes do not overflow", in: []int16{32767, 32767, -32768, -32768}, channels: 2, want: []int16{32767, -32768}},
		{name: "partial frame dropped", in: []int16{10, 20, 30}, channels: 2, want: []int16{15}},
		{name: "already mono", in: []int16{1, 2, 3}, channels: 1, want: []int16{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := decode(pcm.Mono(encode(tt.in...), tt.channels)); !slices.Equal(got, tt.want) {
				t.Errorf("Mono() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpread(t *testing.T) {
	t.Parallel()
	got := decode(pcm.Spread(encode(100, -5), 2))
	if want := []int16{100, 100, -5, -5}; !slices.Equal(got, want) {
		t.Errorf("Spread() = %v, want %v", got, want)
	}
}

func TestResample(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		channels int
		src, dst int
		want     []int16
	}{
		{name: "same rate", in: []int16{1, 2, 3}, channels: 1, src: 16000, dst: 16000, want: []int16{1, 2, 3}},
		{name: "upsample interpolates", in: []int16{0, 100}, channels: 1, src: 8000, dst: 16000, want: []int16{0, 50, 100, 100}},
		{name: "downsample", in: []int16{0, 10, 20, 30}, channels: 1, src: 16000, dst: 8000, want: []int16{0, 20}},
		{name: "stereo keeps channels apart", in: []int16{0, 1000, 100, 2000}, channels: 2, src: 8000, dst: 16000, want: []int16{0, 1000, 50, 1500, 100, 2000, 100, 2000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := decode(pcm.Resample(encode(tt.in...), tt.channels, tt.src, tt.dst))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Resample() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()
	in := encode(100, 200, 300, 400)
	got := decode(pcm.Convert(in, pcm.Format{SampleRate: 48000, Channels: 2}, pcm.Format{SampleRate: 24000, Channels: 1}))
	if want := []int16{150}; !slices.Equal(got, want) {
		t.Errorf("Convert() = %v, want %v", got, want)
	}

	same := pcm.Format{SampleRate: 24000, Channels: 1}
	if got := pcm.Convert(in, same, same); &got[0] != &in[0] {
		t.Error("Convert() with equal formats copied the input")
	}
	if got := pcm.Convert(in, pcm.Format{}, same); &got[0] != &in[0] {
		t.Error("Convert() with an unknown source format changed the input")
	}
}
