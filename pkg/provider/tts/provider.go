// Package tts defines the Provider interface for speech synthesis channels.
//
// A synthesis channel turns one piece of text into a stream of encoded audio
// chunks. Providers are expected to be used for many short requests in flight
// at the same time (one per text segment), so implementations should reuse a
// single underlying connection where the service allows it.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/MrWong99/speakloop/pkg/audio"
)

var (
	// ErrConnection marks failures of the transport to the synthesis service:
	// refused or dropped connections, timeouts, malformed frames. Providers
	// recover by reconnecting on the next request.
	ErrConnection = errors.New("tts: synthesis channel unavailable")

	// ErrSynthesis marks failures reported by the synthesis service itself for
	// a single request.
	ErrSynthesis = errors.New("tts: synthesis failed")
)

// Request is a single synthesis job.
type Request struct {
	// SegmentID identifies the text segment being synthesised. Providers use it
	// only for logging.
	SegmentID uint64

	// Text is the speakable text. It must not be empty.
	Text string

	// Voice selects a voice by provider-specific ID. Empty means the provider's
	// current voice.
	Voice string
}

// Chunk is one delivery of encoded audio from a synthesis stream.
type Chunk struct {
	// Format declares how Data is encoded.
	Format audio.Format

	// Data is the encoded payload.
	Data []byte

	// Voice is the voice the service reported for this stream, if any.
	Voice string

	// Emotion is an opaque label reported by the service, if any.
	Emotion string
}

// Stream carries the audio of one [Request]. C is closed by the provider when
// the service signals the end of the audio, when the request fails, or when
// the request context is cancelled.
type Stream struct {
	// C delivers chunks in arrival order.
	C <-chan Chunk

	err atomic.Pointer[error]
}

// NewStream wraps c in a Stream. The provider keeps the send side.
func NewStream(c <-chan Chunk) *Stream {
	return &Stream{C: c}
}

// Err returns the error that ended the stream early, or nil if the service
// completed it. It is only meaningful after C has been closed.
func (s *Stream) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// SetErr records why the stream ended early. Providers call it before closing C.
func (s *Stream) SetErr(err error) {
	s.err.Store(&err)
}

// Provider is the abstraction over a synthesis channel.
type Provider interface {
	// Synthesize submits req and returns its audio stream. It returns an error
	// only if the request could not be sent; errors after that are reported
	// through [Stream.Err]. Callers must drain [Stream.C] or cancel ctx.
	Synthesize(ctx context.Context, req Request) (*Stream, error)

	// ListVoices returns the voices the service offers.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// SetVoice changes the voice used for requests that do not name one.
	SetVoice(ctx context.Context, voice string) error
}
