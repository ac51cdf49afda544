// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers, to control the
// order in which concurrent requests complete, and to verify which requests
// were sent.
//
// Example:
//
//	release := make(chan struct{})
//	p := &mock.Provider{
//	    Responses: map[string]mock.Response{
//	        "first.":  {Chunks: chunksA, Wait: release}, // held until release closes
//	        "second.": {Chunks: chunksB},
//	    },
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

// Response scripts how the mock answers one request.
type Response struct {
	// Chunks are emitted on the stream in order.
	Chunks []tts.Chunk

	// Err is recorded on the stream (see [tts.Stream.Err]) after all chunks
	// have been sent.
	Err error

	// SynthesizeErr, if non-nil, is returned from Synthesize instead of a stream.
	SynthesizeErr error

	// Delay is waited before the first chunk is sent.
	Delay time.Duration

	// Wait, if non-nil, must be closed before the first chunk is sent.
	Wait <-chan struct{}
}

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Request is the request passed to Synthesize.
	Request tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Responses maps request text to a scripted response. Requests whose text
	// has no entry use Default.
	Responses map[string]Response

	// Default answers requests without an entry in Responses.
	Default Response

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// SetVoiceErr, if non-nil, is returned as the error from SetVoice.
	SetVoiceErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int

	// SetVoiceCalls records the voice of every SetVoice call in order.
	SetVoiceCalls []string
}

// Synthesize records the call and answers with the scripted response for
// req.Text.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Request: req})
	resp, ok := p.Responses[req.Text]
	if !ok {
		resp = p.Default
	}
	p.mu.Unlock()

	if resp.SynthesizeErr != nil {
		return nil, resp.SynthesizeErr
	}

	ch := make(chan tts.Chunk, len(resp.Chunks))
	s := tts.NewStream(ch)
	go func() {
		defer close(ch)
		if resp.Wait != nil {
			select {
			case <-resp.Wait:
			case <-ctx.Done():
				s.SetErr(ctx.Err())
				return
			}
		}
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-ctx.Done():
				s.SetErr(ctx.Err())
				return
			}
		}
		for _, c := range resp.Chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				s.SetErr(ctx.Err())
				return
			}
		}
		if resp.Err != nil {
			s.SetErr(resp.Err)
		}
	}()
	return s, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// SetVoice records the call and returns SetVoiceErr.
func (p *Provider) SetVoice(_ context.Context, voice string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SetVoiceCalls = append(p.SetVoiceCalls, voice)
	return p.SetVoiceErr
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
	p.SetVoiceCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
