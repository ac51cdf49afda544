package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hajimehoshi/go-mp3"
	"layeh.com/gopus"
)

// opusMaxFrameMs is the longest Opus frame duration allowed by RFC 6716.
const opusMaxFrameMs = 120

// StreamDecoder turns the chunks of one segment into normalized [Block]s.
//
// A segment's chunks form a single ordered stream, so the decoder keeps
// per-segment state: the pending odd byte of a PCM frame split across
// chunks, a partially received WAV header, and the Opus decoder state.
// Create one per segment; it is not safe for concurrent use.
type StreamDecoder struct {
	targetRate int

	carry []byte

	wavBuf []byte
	wav    *wavHeader

	opus    *gopus.Decoder
	opusFmt Format

	warnedMismatch sync.Once
}

// NewStreamDecoder returns a decoder producing blocks at targetRate.
func NewStreamDecoder(targetRate int) *StreamDecoder {
	return &StreamDecoder{targetRate: targetRate}
}

// Decode converts c into a block at the target rate. A chunk that contains
// only part of a WAV header, or a single byte of a PCM sample, yields an empty
// block and a nil error. Failures wrap [ErrDecode]; the decoder stays usable
// for the following chunks.
func (d *StreamDecoder) Decode(c Chunk) (Block, error) {
	f := c.Format
	if f.Channels <= 0 {
		f.Channels = 1
	}

	var (
		samples []float32
		err     error
	)
	switch f.Encoding {
	case EncodingPCM16:
		samples = d.decodePCM(c.Data, f.Channels)
	case EncodingWAV:
		samples, f, err = d.decodeWAV(c.Data, f)
	case EncodingMP3:
		samples, f, err = decodeMP3(c.Data)
	case EncodingOpus:
		samples, err = d.decodeOpus(c.Data, f)
	default:
		err = fmt.Errorf("unsupported encoding %q", f.Encoding)
	}
	if err != nil {
		return Block{SegmentID: c.SegmentID, SampleRate: d.targetRate},
			fmt.Errorf("%w: segment %d chunk %d (%s): %w", ErrDecode, c.SegmentID, c.Seq, f.Encoding, err)
	}
	if f.SampleRate <= 0 {
		f.SampleRate = d.targetRate
	}

	if f.SampleRate != d.targetRate {
		d.warnedMismatch.Do(func() {
			slog.Debug("audio decoder: resampling segment",
				"segment", c.SegmentID,
				"from", formatString(f.SampleRate, f.Channels),
				"to", d.targetRate,
			)
		})
	}
	return Normalize(c.SegmentID, samples, f, d.targetRate), nil
}

// decodePCM converts raw s16le bytes, holding back any incomplete frame so it
// is joined with the next chunk.
func (d *StreamDecoder) decodePCM(data []byte, channels int) []float32 {
	if len(d.carry) > 0 {
		data = append(d.carry, data...)
		d.carry = nil
	}
	if channels <= 0 {
		channels = 1
	}
	frame := 2 * channels
	whole := len(data) - len(data)%frame
	if whole < len(data) {
		d.carry = append([]byte(nil), data[whole:]...)
	}
	return PCM16ToFloat(data[:whole])
}

// decodeWAV buffers bytes until the RIFF header is complete, then treats the
// rest of the segment as PCM in the header's format.
func (d *StreamDecoder) decodeWAV(data []byte, declared Format) ([]float32, Format, error) {
	if d.wav != nil {
		f := Format{Encoding: EncodingPCM16, SampleRate: d.wav.SampleRate, Channels: d.wav.Channels}
		return d.decodePCM(data, f.Channels), f, nil
	}

	d.wavBuf = append(d.wavBuf, data...)
	h, err := parseWAVHeader(d.wavBuf)
	if errors.Is(err, errWAVIncomplete) {
		if len(d.wavBuf) > maxWAVHeader {
			n := len(d.wavBuf)
			d.wavBuf = nil
			return nil, declared, fmt.Errorf("no data chunk within %d header bytes (have %d)", maxWAVHeader, n)
		}
		return nil, declared, nil
	}
	if err != nil {
		d.wavBuf = nil
		return nil, declared, err
	}
	d.wav = &h
	body := d.wavBuf[h.DataOffset:]
	d.wavBuf = nil

	f := Format{Encoding: EncodingPCM16, SampleRate: h.SampleRate, Channels: h.Channels}
	return d.decodePCM(body, f.Channels), f, nil
}

// decodeOpus decodes one Opus packet. The decoder is created lazily from the
// first packet's declared format and reused for the rest of the segment.
func (d *StreamDecoder) decodeOpus(packet []byte, f Format) ([]float32, error) {
	if d.opus == nil {
		dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
		if err != nil {
			return nil, fmt.Errorf("create opus decoder: %w", err)
		}
		d.opus = dec
		d.opusFmt = f
	}
	maxFrame := d.opusFmt.SampleRate * opusMaxFrameMs / 1000
	pcm, err := d.opus.Decode(packet, maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return Int16ToFloat(pcm), nil
}

// decodeMP3 decodes a run of complete MP3 frames. go-mp3 always produces
// 16-bit stereo at the stream's native rate. A truncated final frame is
// tolerated as long as something was decoded before it.
func decodeMP3(data []byte) ([]float32, Format, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, Format{}, fmt.Errorf("mp3 header: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil && (len(pcm) == 0 || !errors.Is(err, io.ErrUnexpectedEOF)) {
		return nil, Format{}, fmt.Errorf("mp3 frames: %w", err)
	}
	f := Format{Encoding: EncodingPCM16, SampleRate: dec.SampleRate(), Channels: 2}
	pcm = pcm[:len(pcm)-len(pcm)%4]
	return PCM16ToFloat(pcm), f, nil
}
