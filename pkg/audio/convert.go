package audio

import (
	"encoding/binary"
	"fmt"
)

// pcm16Scale maps the int16 range onto [-1, 1).
const pcm16Scale = 1.0 / 32768.0

// PCM16ToFloat reinterprets little-endian int16 samples as floats in [-1, 1].
// A trailing odd byte is ignored; callers that stream PCM keep it as carry.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) * pcm16Scale
	}
	return out
}

// Int16ToFloat scales decoded int16 samples (e.g., from an Opus decoder) to
// floats in [-1, 1].
func Int16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) * pcm16Scale
	}
	return out
}

// Downmix averages interleaved frames of the given channel count into mono.
// Mono input is returned unchanged. Incomplete trailing frames are dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from inRate to outRate using linear
// interpolation. With ratio = outRate/inRate, output index i reads source
// position i/ratio and blends the floor and ceil samples by the fractional
// offset. If the rates match, or either is invalid, in is returned unchanged.
//
// This is not band-limited. It is meant for the occasional segment whose rate
// differs from the device, not for high-fidelity conversion.
func Resample(in []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || inRate == outRate || len(in) == 0 {
		return in
	}
	ratio := float64(outRate) / float64(inRate)
	n := int(float64(len(in)) * ratio)
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) / ratio
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := float32(pos - float64(lo))
		out[i] = in[lo]*(1-frac) + in[hi]*frac
	}
	return out
}

// Normalize downmixes and resamples decoded float audio of format f into a
// [Block] at targetRate.
func Normalize(segmentID uint64, samples []float32, f Format, targetRate int) Block {
	mono := Downmix(samples, f.Channels)
	return Block{
		SegmentID:  segmentID,
		Samples:    Resample(mono, f.SampleRate, targetRate),
		SampleRate: targetRate,
	}
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
