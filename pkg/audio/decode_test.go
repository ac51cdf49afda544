package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"layeh.com/gopus"

	"github.com/MrWong99/speakloop/pkg/audio"
)

// buildWAV creates a minimal 16-bit PCM WAV with the given format and samples.
// An optional LIST chunk is inserted before data to exercise chunk walking.
func buildWAV(sampleRate, channels int, samples []int16, withList bool) []byte {
	pcm := samplesToBytes(samples)
	var extra []byte
	if withList {
		extra = append([]byte("LIST"), 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(extra[4:], 3)
		extra = append(extra, 'a', 'b', 'c', 0) // odd size + pad byte
	}

	buf := make([]byte, 0, 44+len(extra)+len(pcm))
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+len(extra)+len(pcm)))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate*channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*2))
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	buf = append(buf, extra...)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(pcm)))
	return append(buf, pcm...)
}

func pcmChunk(data []byte, rate, channels int) audio.Chunk {
	return audio.Chunk{
		SegmentID: 1,
		Format:    audio.Format{Encoding: audio.EncodingPCM16, SampleRate: rate, Channels: channels},
		Data:      data,
	}
}

func TestStreamDecoder_PCM(t *testing.T) {
	t.Parallel()
	dec := audio.NewStreamDecoder(24000)
	b, err := dec.Decode(pcmChunk(samplesToBytes([]int16{16384, -16384}), 24000, 1))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.SampleRate != 24000 || b.SegmentID != 1 {
		t.Errorf("block header = (%d, %d), want (1, 24000)", b.SegmentID, b.SampleRate)
	}
	if len(b.Samples) != 2 || b.Samples[0] != 0.5 || b.Samples[1] != -0.5 {
		t.Errorf("samples = %v, want [0.5 -0.5]", b.Samples)
	}
}

func TestStreamDecoder_PCMSampleSplitAcrossChunks(t *testing.T) {
	t.Parallel()
	dec := audio.NewStreamDecoder(24000)
	raw := samplesToBytes([]int16{100, 200, 300})

	var got []float32
	for _, part := range [][]byte{raw[:1], raw[1:3], raw[3:]} {
		b, err := dec.Decode(pcmChunk(part, 24000, 1))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got = append(got, b.Samples...)
	}

	want := audio.PCM16ToFloat(raw)
	if len(got) != len(want) {
		t.Fatalf("decoded %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStreamDecoder_PCMStereoDownmixedAndResampled(t *testing.T) {
	t.Parallel()
	dec := audio.NewStreamDecoder(48000)
	b, err := dec.Decode(pcmChunk(samplesToBytes([]int16{16384, 16384, 16384, 16384}), 24000, 2))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// 2 stereo frames -> 2 mono samples -> 4 samples at double rate.
	if len(b.Samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(b.Samples))
	}
	for i, s := range b.Samples {
		if s != 0.5 {
			t.Errorf("sample %d = %v, want 0.5", i, s)
		}
	}
}

func TestStreamDecoder_WAVHeaderSplitAcrossChunks(t *testing.T) {
	t.Parallel()
	samples := []int16{1000, 2000, 3000, 4000, 5000}
	wav := buildWAV(24000, 1, samples, true)

	whole, err := audio.NewStreamDecoder(24000).Decode(audio.Chunk{
		Format: audio.Format{Encoding: audio.EncodingWAV},
		Data:   wav,
	})
	if err != nil {
		t.Fatalf("Decode whole: %v", err)
	}

	dec := audio.NewStreamDecoder(24000)
	var split []float32
	for _, cut := range [][2]int{{0, 10}, {10, 30}, {30, 53}, {53, len(wav)}} {
		b, err := dec.Decode(audio.Chunk{
			Format: audio.Format{Encoding: audio.EncodingWAV},
			Data:   wav[cut[0]:cut[1]],
		})
		if err != nil {
			t.Fatalf("Decode part %v: %v", cut, err)
		}
		split = append(split, b.Samples...)
	}

	if len(whole.Samples) != len(samples) {
		t.Fatalf("whole decode produced %d samples, want %d", len(whole.Samples), len(samples))
	}
	if len(split) != len(whole.Samples) {
		t.Fatalf("split decode produced %d samples, want %d", len(split), len(whole.Samples))
	}
	for i := range split {
		if split[i] != whole.Samples[i] {
			t.Errorf("sample %d: split %v, whole %v", i, split[i], whole.Samples[i])
		}
	}
}

func TestStreamDecoder_WAVUsesHeaderRate(t *testing.T) {
	t.Parallel()
	wav := buildWAV(12000, 1, []int16{0, 0, 0, 0}, false)
	b, err := audio.NewStreamDecoder(24000).Decode(audio.Chunk{
		Format: audio.Format{Encoding: audio.EncodingWAV, SampleRate: 24000},
		Data:   wav,
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.Samples) != 8 {
		t.Errorf("got %d samples, want 8 after 12k->24k resample", len(b.Samples))
	}
}

func TestStreamDecoder_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		chunk audio.Chunk
	}{
		{
			name:  "bad riff",
			chunk: audio.Chunk{Format: audio.Format{Encoding: audio.EncodingWAV}, Data: []byte("RIFX....WAVEfmt ")},
		},
		{
			name:  "zero channels",
			chunk: audio.Chunk{Format: audio.Format{Encoding: audio.EncodingWAV}, Data: buildWAV(24000, 0, []int16{1, 2}, false)},
		},
		{
			name:  "zero sample rate",
			chunk: audio.Chunk{Format: audio.Format{Encoding: audio.EncodingWAV}, Data: buildWAV(0, 1, []int16{1, 2}, false)},
		},
		{
			name:  "garbage mp3",
			chunk: audio.Chunk{Format: audio.Format{Encoding: audio.EncodingMP3}, Data: []byte("definitely not mpeg audio")},
		},
		{
			name:  "unknown encoding",
			chunk: audio.Chunk{Format: audio.Format{Encoding: "flac"}, Data: []byte{1, 2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.NewStreamDecoder(24000).Decode(tt.chunk)
			if !errors.Is(err, audio.ErrDecode) {
				t.Errorf("expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestStreamDecoder_WAVHeaderTooLarge(t *testing.T) {
	t.Parallel()
	dec := audio.NewStreamDecoder(24000)
	wavFmt := audio.Format{Encoding: audio.EncodingWAV}

	// A chunk before "data" that claims 1 MiB keeps the parser waiting.
	head := buildWAV(24000, 1, nil, false)[:36]
	head = append(head, "junk"...)
	head = binary.LittleEndian.AppendUint32(head, 1<<20)
	if _, err := dec.Decode(audio.Chunk{Format: wavFmt, Data: head}); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	filler := make([]byte, 16<<10)
	var err error
	for i := 0; i < 8 && err == nil; i++ {
		_, err = dec.Decode(audio.Chunk{Format: wavFmt, Data: filler})
	}
	if !errors.Is(err, audio.ErrDecode) {
		t.Fatalf("expected ErrDecode once the header buffer is exceeded, got %v", err)
	}
}

func TestStreamDecoder_ContinuesAfterError(t *testing.T) {
	t.Parallel()
	dec := audio.NewStreamDecoder(24000)
	if _, err := dec.Decode(audio.Chunk{Format: audio.Format{Encoding: audio.EncodingMP3}, Data: []byte("junk")}); err == nil {
		t.Fatal("expected error for junk mp3")
	}
	b, err := dec.Decode(pcmChunk(samplesToBytes([]int16{1, 2}), 24000, 1))
	if err != nil {
		t.Fatalf("Decode after error: %v", err)
	}
	if len(b.Samples) != 2 {
		t.Errorf("got %d samples, want 2", len(b.Samples))
	}
}

func TestStreamDecoder_Opus(t *testing.T) {
	t.Parallel()
	const (
		rate  = 48000
		frame = 960 // 20 ms
	)
	enc, err := gopus.NewEncoder(rate, 1, gopus.Audio)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	pcm := make([]int16, frame)
	for i, s := range sine(440, rate, frame) {
		pcm[i] = int16(s * 32767)
	}
	packet, err := enc.Encode(pcm, frame, 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	dec := audio.NewStreamDecoder(rate)
	b, err := dec.Decode(audio.Chunk{
		Format: audio.Format{Encoding: audio.EncodingOpus, SampleRate: rate, Channels: 1},
		Data:   packet,
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.Samples) != frame {
		t.Errorf("decoded %d samples, want %d", len(b.Samples), frame)
	}
}
