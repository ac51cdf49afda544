package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across synthesis
// channels. Each channel has its own circuit breaker, and only
// [tts.ErrConnection] failures count against it.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred channel.
// cfg.CircuitBreaker.IsFailure defaults to matching [tts.ErrConnection].
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return errors.Is(err, tts.ErrConnection)
		}
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesis channel.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Name reports the channel names in failover order, joined by "+". A single
// channel reports just its own name.
func (f *TTSFallback) Name() string {
	names := f.group.Names()
	out := names[0]
	for _, n := range names[1:] {
		out += "+" + n
	}
	return out
}

// Synthesize submits req to the first healthy channel. Only the submission is
// covered by failover; errors after the stream was handed out are reported on
// the stream.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (*tts.Stream, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListVoices returns the voices of the first healthy channel.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// SetVoice changes the voice on the primary channel. Fallbacks are updated on
// a best-effort basis.
func (f *TTSFallback) SetVoice(ctx context.Context, voice string) error {
	if err := f.group.Primary().SetVoice(ctx, voice); err != nil {
		return err
	}
	for _, e := range f.group.entries[1:] {
		if err := e.value.SetVoice(ctx, voice); err != nil {
			slog.Debug("fallback channel rejected voice", "provider", e.name, "voice", voice, "error", err)
		}
	}
	return nil
}
