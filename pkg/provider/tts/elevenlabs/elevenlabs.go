// Package elevenlabs provides a [tts.Provider] backed by the ElevenLabs
// streaming WebSocket API. It is meant as a hosted fallback channel behind
// the primary websocket service.
//
// Each segment opens its own stream-input socket: the text is sent in one
// message followed by the end-of-input marker, and base64 audio messages are
// forwarded as chunks until the service reports isFinal.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/speakloop/pkg/audio"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	providerName     = "elevenlabs"
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"
	defaultTimeout   = 30 * time.Second

	streamPathFmt = "/v1/text-to-speech/%s/stream-input"
	voicesPath    = "/v1/voices"

	chunkBuffer = 64
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format: "pcm_<rate>" or
// "mp3_<rate>_<bitrate>" (e.g., "pcm_24000", "mp3_44100_128").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the API host. The websocket URL is derived from it.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithVoice sets the voice ID used for requests that do not name one.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithTimeout bounds the voice catalogue request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
// It is safe for concurrent use.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	httpClient   *http.Client

	format audio.Format

	mu    sync.RWMutex
	voice string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	f, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.format = f
	return p, nil
}

// Name returns "elevenlabs".
func (p *Provider) Name() string { return providerName }

// parseOutputFormat maps an ElevenLabs output format to the chunk format.
func parseOutputFormat(s string) (audio.Format, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 2 {
		return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q", s)
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil || rate <= 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: bad sample rate in output format %q", s)
	}
	switch parts[0] {
	case "pcm":
		return audio.Format{Encoding: audio.EncodingPCM16, SampleRate: rate, Channels: 1}, nil
	case "mp3":
		return audio.Format{Encoding: audio.EncodingMP3, SampleRate: rate, Channels: 1}, nil
	}
	return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q", s)
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent for each text fragment. An empty Text
// ends the input.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
	XiAPIKey             string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is a message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// streamURL returns the stream-input websocket URL for voice.
func (p *Provider) streamURL(voice string) string {
	base := p.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return base + fmt.Sprintf(streamPathFmt, url.PathEscape(voice)) + "?" + q.Encode()
}

// ---- Synthesize ----

// Synthesize opens a stream-input socket for req and forwards the decoded
// audio messages. Dial and send failures wrap [tts.ErrConnection]; an error
// reported by the service wraps [tts.ErrSynthesis].
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("elevenlabs: segment %d: empty text: %w", req.SegmentID, tts.ErrSynthesis)
	}
	voice := req.Voice
	if voice == "" {
		voice = p.Voice()
	}
	if voice == "" {
		return nil, fmt.Errorf("elevenlabs: segment %d: no voice selected: %w", req.SegmentID, tts.ErrSynthesis)
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice), &websocket.DialOptions{
		HTTPHeader: http.Header{"xi-api-key": []string{p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w: %w", tts.ErrConnection, err)
	}

	// The first message must carry a single space; it opens the input.
	msgs := []textMessage{
		{Text: " ", VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}, XiAPIKey: p.apiKey},
		{Text: req.Text + " ", TryTriggerGeneration: true},
		{Text: ""},
	}
	for _, m := range msgs {
		data, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			conn.Close(websocket.StatusInternalError, "send failed")
			return nil, fmt.Errorf("elevenlabs: send: %w: %w", tts.ErrConnection, err)
		}
	}

	ch := make(chan tts.Chunk, chunkBuffer)
	stream := tts.NewStream(ch)
	go func() {
		defer close(ch)
		defer conn.CloseNow()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch {
				case ctx.Err() != nil:
					stream.SetErr(ctx.Err())
				case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				default:
					stream.SetErr(fmt.Errorf("elevenlabs: read: %w: %w", tts.ErrConnection, err))
				}
				return
			}
			var resp audioResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				stream.SetErr(fmt.Errorf("elevenlabs: malformed message: %w: %w", tts.ErrConnection, err))
				return
			}
			if resp.Error != "" {
				stream.SetErr(fmt.Errorf("elevenlabs: segment %d: %s: %s: %w", req.SegmentID, resp.Error, resp.Message, tts.ErrSynthesis))
				return
			}
			if resp.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					stream.SetErr(fmt.Errorf("elevenlabs: bad audio payload: %w: %w", tts.ErrConnection, err))
					return
				}
				select {
				case ch <- tts.Chunk{Format: p.format, Data: pcm, Voice: voice}:
				case <-ctx.Done():
					stream.SetErr(ctx.Err())
					return
				}
			}
			if resp.IsFinal {
				return
			}
		}
	}()
	return stream, nil
}

// ---- voices ----

// Voice returns the voice used for requests that do not name one.
func (p *Provider) Voice() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.voice
}

// SetVoice changes the default voice ID. The service keeps no per-client
// state, so this only affects later requests from this provider.
func (p *Provider) SetVoice(_ context.Context, voice string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voice = voice
	return nil
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+voicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w: %w", tts.ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d: %w", resp.StatusCode, tts.ErrSynthesis)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}

	profiles := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: providerName,
			Gender:   v.Labels["gender"],
			Metadata: meta,
		})
	}
	return profiles, nil
}
