package audio

import (
	"errors"
	"fmt"
)

// ErrDecode is wrapped by every error returned from [StreamDecoder.Decode].
// A decode failure affects only the chunk it was returned for.
var ErrDecode = errors.New("audio: decode failed")

// ErrDevice is wrapped by errors returned from [Output.Start] when the
// playback device cannot be opened.
var ErrDevice = errors.New("audio: output device unavailable")

// Encoding identifies how the payload of a [Chunk] is encoded.
type Encoding string

const (
	// EncodingPCM16 is raw signed 16-bit little-endian PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingWAV is a RIFF/WAVE stream. The header arrives in the first bytes
	// of the segment and the remainder is 16-bit PCM.
	EncodingWAV Encoding = "wav"

	// EncodingMP3 is MPEG-1/2 layer III. Each chunk carries complete frames.
	EncodingMP3 Encoding = "mp3"

	// EncodingOpus is a raw Opus packet stream, one packet per chunk.
	EncodingOpus Encoding = "opus"
)

// ParseEncoding maps the format names used on synthesis channels to an
// [Encoding]. "pcm", "s16le" and "pcm16" all denote raw PCM.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "pcm", "pcm16", "s16le", "":
		return EncodingPCM16, nil
	case "wav", "wave":
		return EncodingWAV, nil
	case "mp3", "mpeg":
		return EncodingMP3, nil
	case "opus":
		return EncodingOpus, nil
	default:
		return "", fmt.Errorf("audio: unsupported encoding %q", name)
	}
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	// Encoding of the payload bytes.
	Encoding Encoding

	// SampleRate in Hz (e.g., 24000 for the default synthesis voice).
	SampleRate int

	// Channels is 1 for mono and 2 for interleaved stereo.
	Channels int
}

// String returns a human-readable description such as "pcm16 24000Hz mono".
func (f Format) String() string {
	return fmt.Sprintf("%s %s", f.Encoding, formatString(f.SampleRate, f.Channels))
}

// Chunk is one network delivery of encoded audio for a segment. Chunks of a
// segment are consumed in arrival order; Seq is informational only.
type Chunk struct {
	// SegmentID identifies the text segment this audio belongs to.
	SegmentID uint64

	// Seq is the zero-based index of the chunk within its segment.
	Seq int

	// Format declares how Data must be interpreted.
	Format Format

	// Data is the encoded payload.
	Data []byte
}

// Block is decoded audio ready for playback: mono float samples in [-1, 1] at
// the device sample rate.
type Block struct {
	// SegmentID identifies the text segment this audio belongs to.
	SegmentID uint64

	// Samples holds mono amplitudes in [-1, 1].
	Samples []float32

	// SampleRate always equals the playback device rate.
	SampleRate int
}
