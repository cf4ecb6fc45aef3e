package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of linear PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Telephony is the linear PCM format expected by [EncodePCM16LE] before
// audio is played into a call.
var Telephony = Format{SampleRate: SampleRate, Channels: 1}

func (f Format) String() string {
	switch {
	case f.Channels == 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case f.Channels == 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FormatConverter brings synthesised speech to a target format, normally
// [Telephony]. It logs once on the first format mismatch and once on the
// first misaligned buffer. The zero value needs Target set; the once-guards
// make a single converter safe to share between calls.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// NewTelephonyConverter returns a converter targeting [Telephony].
func NewTelephonyConverter() *FormatConverter {
	return &FormatConverter{Target: Telephony}
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. Stereo is downmixed before resampling; layouts
// with more than two channels keep their source rate. A frame with an odd
// byte count cannot be 16-bit PCM and converts to an empty frame.
func (c *FormatConverter) Convert(frame PCMFrame) PCMFrame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in synthesised PCM; dropping",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, frame.Channels})
		})
		return PCMFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels}
	}

	from := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if from == c.Target {
		return frame
	}
	c.warnedMismatch.Do(func() {
		slog.Info("audio: synthesised speech differs from call format; converting",
			"from", from, "to", c.Target)
	})

	out := frame
	if out.Channels == 2 && c.Target.Channels == 1 {
		out.Data = StereoToMono(out.Data)
		out.Channels = 1
	}
	if out.Channels == 1 && out.SampleRate != c.Target.SampleRate {
		out.Data = ResampleMono16(out.Data, out.SampleRate, c.Target.SampleRate)
		out.SampleRate = c.Target.SampleRate
	}
	return out
}

// StereoToMono averages each interleaved left/right pair of 16-bit samples.
func StereoToMono(pcm []byte) []byte {
	in := samples(pcm)
	mono := make([]int16, len(in)/2)
	for i := range mono {
		mono[i] = clamp16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
	}
	return pcmBytes(mono)
}

// ResampleMono16 converts 16-bit mono PCM from srcRate to dstRate by linear
// interpolation. Equal or non-positive rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	in := samples(pcm)
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	step := float64(srcRate) / float64(dstRate)
	out := make([]int16, n)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		next := in[min(j+1, len(in)-1)]
		out[i] = int16(float64(in[j])*(1-frac) + float64(next)*frac)
	}
	return pcmBytes(out)
}

// samples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func pcmBytes(s []int16) []byte {
	out := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func clamp16(v int32) int16 {
	return int16(max(math.MinInt16, min(math.MaxInt16, v)))
}
