package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/speakloop/internal/config"
	"github.com/MrWong99/speakloop/internal/history"
	"github.com/MrWong99/speakloop/internal/observe"
	"github.com/MrWong99/speakloop/internal/playback"
	"github.com/MrWong99/speakloop/pkg/provider/llm"
	llmmock "github.com/MrWong99/speakloop/pkg/provider/llm/mock"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.LLM.SystemPrompt = "Answer briefly."
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestApp(t *testing.T, sp *fakeSpeaker, providers *Providers, opts ...Option) *App {
	t.Helper()
	return newTestAppWithConfig(t, testConfig(), sp, providers, opts...)
}

func newTestAppWithConfig(t *testing.T, cfg *config.Config, sp *fakeSpeaker, providers *Providers, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{
		WithSpeaker(sp),
		WithMetrics(testMetrics(t)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	a, err := New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func do(t *testing.T, h http.Handler, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSpeak_PlainTextStream(t *testing.T) {
	t.Parallel()
	sp := &fakeSpeaker{}
	a := newTestApp(t, sp, nil)

	text := "你好，世界！今天天气很好。"
	rec := do(t, a.Handler(), http.MethodPost, "/v1/speak", "text/plain; charset=utf-8",
		iotest.OneByteReader(strings.NewReader(text)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeBody[turnResponse](t, rec)
	if resp.TurnID != "turn-1" {
		t.Errorf("turn_id = %q", resp.TurnID)
	}
	if got := sp.fed(); got != text {
		t.Errorf("fed %q, want %q", got, text)
	}
	for _, piece := range sp.pieces {
		if !utf8.ValidString(piece) {
			t.Errorf("fed piece %q splits a character", piece)
		}
	}
	if _, ends, _ := sp.counts(); ends != 1 {
		t.Errorf("ends = %d, want 1", ends)
	}
	if a.producers.IsActive() {
		t.Error("producer still active after request")
	}
}

func TestSpeak_JSONBody(t *testing.T) {
	t.Parallel()
	sp := &fakeSpeaker{}
	a := newTestApp(t, sp, nil)

	rec := do(t, a.Handler(), http.MethodPost, "/v1/speak", "application/json",
		strings.NewReader(`{"text":"Hello there. How are you?"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if feeds, _, _ := sp.counts(); feeds != 1 {
		t.Errorf("feeds = %d, want 1", feeds)
	}

	rec = do(t, a.Handler(), http.MethodPost, "/v1/speak", "application/json", strings.NewReader(`{"txt":"typo"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status = %d, want 400", rec.Code)
	}
}

func TestSpeak_FeedErrorClearsTurn(t *testing.T) {
	t.Parallel()
	sp := &fakeSpeaker{feedErr: errors.New("loop gone")}
	a := newTestApp(t, sp, nil)

	rec := do(t, a.Handler(), http.MethodPost, "/v1/speak", "text/plain", strings.NewReader("Hello."))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if _, _, clears := sp.counts(); clears != 1 {
		t.Errorf("clears = %d, want 1", clears)
	}
}

func TestChat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		llm        *llmmock.Provider
		body       string
		wantStatus int
		wantFed    string
		wantEnds   int
		wantClears int
	}{
		{
			name: "streams completion into a turn",
			llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "你好，"}, {Text: "世界！"}, {FinishReason: "stop"},
			}},
			body:       `{"prompt":"say hi"}`,
			wantStatus: http.StatusOK,
			wantFed:    "你好，世界！",
			wantEnds:   1,
		},
		{
			name: "mid-stream error speaks partial text",
			llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "Partial answer."}, {FinishReason: llm.FinishError, Text: "upstream reset"},
			}},
			body:       `{"prompt":"go"}`,
			wantStatus: http.StatusBadGateway,
			wantFed:    "Partial answer.",
			wantEnds:   1,
		},
		{
			name: "chunks after a stream error are drained, not spoken",
			llm: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "Partial."}, {FinishReason: llm.FinishError, Text: "reset"}, {Text: " Late text."}, {FinishReason: "stop"},
			}},
			body:       `{"prompt":"go"}`,
			wantStatus: http.StatusBadGateway,
			wantFed:    "Partial.",
			wantEnds:   1,
		},
		{
			name:       "start error clears",
			llm:        &llmmock.Provider{StreamErr: errors.New("401 unauthorized")},
			body:       `{"prompt":"go"}`,
			wantStatus: http.StatusBadGateway,
			wantClears: 1,
		},
		{
			name:       "empty prompt",
			llm:        &llmmock.Provider{},
			body:       `{"prompt":"  "}`,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sp := &fakeSpeaker{}
			a := newTestApp(t, sp, &Providers{LLM: tt.llm})

			rec := do(t, a.Handler(), http.MethodPost, "/v1/chat", "application/json", strings.NewReader(tt.body))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if got := sp.fed(); got != tt.wantFed {
				t.Errorf("fed %q, want %q", got, tt.wantFed)
			}
			_, ends, clears := sp.counts()
			if ends != tt.wantEnds || clears != tt.wantClears {
				t.Errorf("ends=%d clears=%d, want %d/%d", ends, clears, tt.wantEnds, tt.wantClears)
			}
			if tt.wantStatus == http.StatusOK {
				resp := decodeBody[turnResponse](t, rec)
				if resp.Text != tt.wantFed {
					t.Errorf("response text = %q", resp.Text)
				}
				calls := tt.llm.Calls()
				if len(calls) != 1 || calls[0].Req.SystemPrompt != "Answer briefly." {
					t.Errorf("llm calls = %+v", calls)
				}
			}
		})
	}
}

func TestChat_NotConfigured(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, &fakeSpeaker{}, nil)
	rec := do(t, a.Handler(), http.MethodPost, "/v1/chat", "application/json", strings.NewReader(`{"prompt":"hi"}`))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	sp := &fakeSpeaker{}
	a := newTestApp(t, sp, nil)
	p, _ := a.producers.Start(context.Background(), "speak", "")

	rec := do(t, a.Handler(), http.MethodPost, "/v1/clear", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, _, clears := sp.counts(); clears != 1 {
		t.Errorf("clears = %d, want 1", clears)
	}
	if err := p.Feed("late"); !errors.Is(err, ErrPreempted) {
		t.Errorf("Feed after clear = %v, want ErrPreempted", err)
	}
}

func TestVoices(t *testing.T) {
	t.Parallel()

	t.Run("lists", func(t *testing.T) {
		t.Parallel()
		sp := &fakeSpeaker{voices: []tts.VoiceProfile{{ID: "zh-CN-XiaoxiaoNeural", Locale: "zh-CN", Gender: "Female"}}}
		a := newTestApp(t, sp, nil)
		rec := do(t, a.Handler(), http.MethodGet, "/v1/voices", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		resp := decodeBody[voicesResponse](t, rec)
		if len(resp.Voices) != 1 || resp.Voices[0].ID != "zh-CN-XiaoxiaoNeural" {
			t.Errorf("voices = %+v", resp.Voices)
		}
	})

	t.Run("empty list is an array", func(t *testing.T) {
		t.Parallel()
		a := newTestApp(t, &fakeSpeaker{}, nil)
		rec := do(t, a.Handler(), http.MethodGet, "/v1/voices", "", nil)
		if !strings.Contains(rec.Body.String(), `"voices":[]`) {
			t.Errorf("body = %s", rec.Body)
		}
	})

	t.Run("provider error", func(t *testing.T) {
		t.Parallel()
		a := newTestApp(t, &fakeSpeaker{voiceErr: tts.ErrConnection}, nil)
		rec := do(t, a.Handler(), http.MethodGet, "/v1/voices", "", nil)
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
	})
}

func TestSetVoice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		voiceErr   error
		wantStatus int
		wantVoice  string
	}{
		{"sets voice", `{"voice":"zh-CN-YunxiNeural"}`, nil, http.StatusOK, "zh-CN-YunxiNeural"},
		{"empty voice", `{"voice":""}`, nil, http.StatusBadRequest, ""},
		{"malformed", `{"voice":`, nil, http.StatusBadRequest, ""},
		{"provider rejects", `{"voice":"nope"}`, tts.ErrSynthesis, http.StatusBadGateway, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sp := &fakeSpeaker{voiceErr: tt.voiceErr}
			a := newTestApp(t, sp, nil)
			rec := do(t, a.Handler(), http.MethodPut, "/v1/voice", "application/json", strings.NewReader(tt.body))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", rec.Code, tt.wantStatus, rec.Body)
			}
			if sp.voice != tt.wantVoice {
				t.Errorf("voice = %q, want %q", sp.voice, tt.wantVoice)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	sp := &fakeSpeaker{}
	a := newTestApp(t, sp, nil)

	rec := do(t, a.Handler(), http.MethodGet, "/v1/status", "", nil)
	resp := decodeBody[statusResponse](t, rec)
	if resp.Producer != nil {
		t.Errorf("producer = %+v, want nil", resp.Producer)
	}

	p, _ := a.producers.Start(context.Background(), "chat", "")
	defer p.Close()
	_ = p.Feed("Hi.")
	rec = do(t, a.Handler(), http.MethodGet, "/v1/status", "", nil)
	resp = decodeBody[statusResponse](t, rec)
	if resp.Producer == nil || resp.Producer.Source != "chat" {
		t.Errorf("producer = %+v", resp.Producer)
	}
	if !resp.Playback.Active {
		t.Error("playback.active = false")
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "turns.db")

	// Seed the database through a store of its own; Close flushes the queue.
	seed, err := history.Open(context.Background(), config.HistoryConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	for _, ev := range []playback.Event{
		{Kind: playback.SpeakingStarted, TurnID: "t1"},
		{Kind: playback.SegmentStarted, TurnID: "t1", SegmentID: 1, Text: "Hello."},
		{Kind: playback.TurnCompleted, TurnID: "t1", Segments: 1},
	} {
		seed.Observe(ev)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cfg := testConfig()
	cfg.History.Path = path
	a := newTestAppWithConfig(t, cfg, &fakeSpeaker{}, nil)
	h := a.Handler()

	t.Run("list", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/history?limit=5", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		resp := decodeBody[historyResponse](t, rec)
		if len(resp.Turns) != 1 || resp.Turns[0].ID != "t1" || resp.Turns[0].Text != "Hello." {
			t.Errorf("turns = %+v", resp.Turns)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		if rec := do(t, h, http.MethodGet, "/v1/history?limit=-3", "", nil); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("detail", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/history/t1", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		resp := decodeBody[turnDetailResponse](t, rec)
		if resp.Turn.Status != history.StatusCompleted || len(resp.Entries) != 1 {
			t.Errorf("detail = %+v", resp)
		}
	})

	t.Run("unknown turn", func(t *testing.T) {
		if rec := do(t, h, http.MethodGet, "/v1/history/nope", "", nil); rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestHistory_NotConfigured(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, &fakeSpeaker{}, nil)
	if rec := do(t, a.Handler(), http.MethodGet, "/v1/history", "", nil); rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# HELP speakloop_up\n")
	})
	a := newTestApp(t, &fakeSpeaker{}, nil, WithMetricsHandler(metrics))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := do(t, a.Handler(), http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
}

func TestCompleteUTF8(t *testing.T) {
	t.Parallel()
	full := []byte("好")
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("abc"), 3},
		{"complete multibyte", []byte("a好"), 4},
		{"one byte of three", append([]byte("a"), full[0]), 1},
		{"two bytes of three", append([]byte("a"), full[:2]...), 1},
		{"invalid byte passes through", []byte{'a', 0xff}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := completeUTF8(tt.in); got != tt.want {
				t.Errorf("completeUTF8(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFeedStream_LargeBodyInReads(t *testing.T) {
	t.Parallel()
	sp := &fakeSpeaker{}
	m := NewProducerManager(sp)
	p, _ := m.Start(context.Background(), "speak", "")
	defer p.Close()

	text := strings.Repeat("你好，世界！", 2000)
	if err := feedStream(p, bytes.NewReader([]byte(text))); err != nil {
		t.Fatalf("feedStream: %v", err)
	}
	if sp.fed() != text {
		t.Error("fed text differs from body")
	}
	if len(sp.pieces) < 2 {
		t.Errorf("pieces = %d, want the body split across reads", len(sp.pieces))
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	sp := &fakeSpeaker{}
	var level slog.LevelVar
	a := newTestApp(t, sp, nil, WithLevelVar(&level))

	old := testConfig()
	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	updated.Synthesis.Voice = "zh-CN-YunyangNeural"
	updated.Audio.SampleRate = 48000

	a.ApplyConfig(old, updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if sp.voice != "zh-CN-YunyangNeural" {
		t.Errorf("voice = %q", sp.voice)
	}
}

func TestLevelFor(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"bogus":         slog.LevelInfo,
	}
	for in, want := range tests {
		if got := LevelFor(in); got != want {
			t.Errorf("LevelFor(%q) = %v, want %v", in, got, want)
		}
	}
}
