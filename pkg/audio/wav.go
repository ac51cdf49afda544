package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// errWAVIncomplete reports that more bytes are needed before the RIFF header
// can be parsed. It is not a decode failure while the segment is still
// streaming.
var errWAVIncomplete = errors.New("audio: incomplete WAV header")

// maxWAVHeader bounds how many bytes are buffered while looking for the data
// chunk.
const maxWAVHeader = 64 << 10

// wavHeader is the subset of a RIFF/WAVE header needed to play its data chunk.
type wavHeader struct {
	DataOffset    int // byte offset of the first PCM sample
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// parseWAVHeader walks the RIFF chunks in buf up to the start of the "data"
// chunk. The fmt chunk size varies between encoders, so the offset is never
// assumed to be 44. Returns errWAVIncomplete if buf ends before the data
// chunk header.
func parseWAVHeader(buf []byte) (wavHeader, error) {
	if len(buf) < 12 {
		return wavHeader{}, errWAVIncomplete
	}
	if string(buf[0:4]) != "RIFF" {
		return wavHeader{}, errors.New("missing RIFF header")
	}
	if string(buf[8:12]) != "WAVE" {
		return wavHeader{}, errors.New("missing WAVE identifier")
	}

	var h wavHeader
	foundFmt := false
	offset := 12
	for {
		if offset+8 > len(buf) {
			return wavHeader{}, errWAVIncomplete
		}
		id := string(buf[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(buf[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return wavHeader{}, fmt.Errorf("fmt chunk too short (%d bytes)", size)
			}
			if offset+8+16 > len(buf) {
				return wavHeader{}, errWAVIncomplete
			}
			f := buf[offset+8:]
			if tag := binary.LittleEndian.Uint16(f[0:2]); tag != 1 && tag != 0xFFFE {
				return wavHeader{}, fmt.Errorf("unsupported WAV format tag %#x", tag)
			}
			h.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			h.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			h.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			if h.Channels <= 0 || h.SampleRate <= 0 {
				return wavHeader{}, fmt.Errorf("invalid fmt chunk: %d channels at %d Hz", h.Channels, h.SampleRate)
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return wavHeader{}, errors.New("data chunk before fmt chunk")
			}
			if h.BitsPerSample != 16 {
				return wavHeader{}, fmt.Errorf("unsupported bit depth %d", h.BitsPerSample)
			}
			h.DataOffset = offset + 8
			return h, nil
		}

		// Chunks are word-aligned: odd sizes carry one pad byte.
		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
}
