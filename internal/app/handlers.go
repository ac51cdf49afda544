package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/speakloop/internal/history"
	"github.com/MrWong99/speakloop/internal/observe"
	"github.com/MrWong99/speakloop/internal/playback"
	"github.com/MrWong99/speakloop/pkg/provider/llm"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

const (
	// maxSpeakBody caps the text accepted by one /v1/speak request.
	maxSpeakBody = 1 << 20

	// maxJSONBody caps JSON request bodies.
	maxJSONBody = 64 << 10

	readChunk = 4096

	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type speakRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	TurnID   string `json:"turn_id"`
	Segments uint64 `json:"segments"`
	Text     string `json:"text,omitempty"`
}

type chatRequest struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type voiceRequest struct {
	Voice string `json:"voice"`
}

type voicesResponse struct {
	Voices []tts.VoiceProfile `json:"voices"`
}

type statusResponse struct {
	Playback    playback.Snapshot `json:"playback"`
	Producer    *ProducerInfo     `json:"producer,omitempty"`
	Subscribers int               `json:"subscribers"`
}

type historyResponse struct {
	Turns []history.Turn `json:"turns"`
}

type turnDetailResponse struct {
	Turn    history.Turn    `json:"turn"`
	Entries []history.Entry `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// routes registers the API on mux.
func (a *App) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/speak", a.handleSpeak)
	mux.HandleFunc("POST /v1/chat", a.handleChat)
	mux.HandleFunc("POST /v1/clear", a.handleClear)
	mux.HandleFunc("GET /v1/voices", a.handleVoices)
	mux.HandleFunc("PUT /v1/voice", a.handleSetVoice)
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("GET /v1/history", a.handleHistory)
	mux.HandleFunc("GET /v1/history/{id}", a.handleHistoryTurn)
	mux.Handle("GET /v1/events", a.hub)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET "+a.cfg.Observability.MetricsPath, a.metricsHandler)
	}
}

// handleSpeak streams the request body into a new turn. A plain-text body is
// fed as it arrives; a JSON body {"text": ...} is fed in one piece.
func (a *App) handleSpeak(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	var jsonText string
	isJSON := hasJSONBody(r)
	if isJSON {
		var req speakRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		jsonText = req.Text
	}

	p, err := a.producers.Start(r.Context(), "speak", r.RemoteAddr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer p.Close()

	if isJSON {
		err = p.Feed(jsonText)
	} else {
		err = feedStream(p, http.MaxBytesReader(w, r.Body, maxSpeakBody))
	}
	if err != nil {
		a.abandon(w, r, p, err)
		return
	}
	if err := p.End(); err != nil {
		a.abandon(w, r, p, err)
		return
	}

	snap, err := a.speaker.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log.Debug("speak accepted", "turn", snap.TurnID, "segments", snap.Segments)
	writeJSON(w, http.StatusAccepted, turnResponse{TurnID: snap.TurnID, Segments: snap.Segments})
}

// handleChat streams a completion for the prompt into a new turn and responds
// with the full text once the completion has ended.
func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	if a.llm == nil {
		writeError(w, http.StatusNotImplemented, "chat is not configured")
		return
	}
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	p, err := a.producers.Start(r.Context(), "chat", r.RemoteAddr)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer p.Close()

	system := req.SystemPrompt
	if system == "" {
		system = a.cfg.LLM.SystemPrompt
	}
	chunks, err := a.llm.StreamCompletion(p.Context(), llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: req.Prompt}},
		Temperature:  a.cfg.LLM.Temperature,
		MaxTokens:    a.cfg.LLM.MaxTokens,
	})
	if err != nil {
		_ = p.Abort(context.WithoutCancel(r.Context()))
		writeError(w, http.StatusBadGateway, fmt.Sprintf("start completion: %v", err))
		return
	}
	// The producer closes chunks when its context ends; drain whatever is
	// left so the stream goroutine can exit.
	defer func() {
		for range chunks {
		}
	}()

	var (
		text      strings.Builder
		streamErr error
	)
	for c := range chunks {
		if c.FinishReason == llm.FinishError {
			streamErr = errors.New(c.Text)
			break
		}
		if c.Text == "" {
			continue
		}
		text.WriteString(c.Text)
		if err := p.Feed(c.Text); err != nil {
			a.abandon(w, r, p, err)
			return
		}
	}
	if err := p.Context().Err(); err != nil && streamErr == nil {
		if r.Context().Err() != nil {
			_ = p.Abort(context.WithoutCancel(r.Context()))
			return
		}
		a.abandon(w, r, p, ErrPreempted)
		return
	}

	// Whatever was produced before a stream error is still spoken.
	if err := p.End(); err != nil {
		a.abandon(w, r, p, err)
		return
	}
	if streamErr != nil {
		observe.Logger(r.Context()).Warn("chat completion failed mid-stream", "err", streamErr, "spoken", text.Len())
		writeError(w, http.StatusBadGateway, fmt.Sprintf("completion: %v", streamErr))
		return
	}

	snap, err := a.speaker.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{TurnID: snap.TurnID, Segments: snap.Segments, Text: text.String()})
}

// handleClear stops the active producer and clears playback.
func (a *App) handleClear(w http.ResponseWriter, r *http.Request) {
	stopped := a.producers.Stop()
	if err := a.speaker.Clear(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	observe.Logger(r.Context()).Debug("playback cleared", "producer_stopped", stopped)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := a.speaker.Voices(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if voices == nil {
		voices = []tts.VoiceProfile{}
	}
	writeJSON(w, http.StatusOK, voicesResponse{Voices: voices})
}

func (a *App) handleSetVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Voice == "" {
		writeError(w, http.StatusBadRequest, "voice is required")
		return
	}
	if err := a.speaker.SetVoice(r.Context(), req.Voice); err != nil {
		if errors.Is(err, playback.ErrClosed) {
			writeServiceError(w, err)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	observe.Logger(r.Context()).Info("voice changed", "voice", req.Voice)
	writeJSON(w, http.StatusOK, req)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := a.speaker.Snapshot(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := statusResponse{Playback: snap, Subscribers: a.hub.Subscribers()}
	if a.producers.IsActive() {
		info := a.producers.Info()
		resp.Producer = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory lists recent turns, newest first. ?limit=N caps the result.
func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusNotImplemented, "history is not configured")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	turns, err := a.history.Recent(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Turns: turns})
}

func (a *App) handleHistoryTurn(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusNotImplemented, "history is not configured")
		return
	}
	turn, entries, err := a.history.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnDetailResponse{Turn: turn, Entries: entries})
}

// abandon reports a failed producer. A preempted producer gets 409 and
// leaves playback to its successor; any other failure clears the turn.
func (a *App) abandon(w http.ResponseWriter, r *http.Request, p *Producer, err error) {
	if errors.Is(err, ErrPreempted) {
		writeError(w, http.StatusConflict, "preempted by a newer request")
		return
	}
	if cerr := p.Abort(context.WithoutCancel(r.Context())); cerr != nil {
		slog.Debug("clear after failed producer", "producer", p.Info().ID, "err", cerr)
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeServiceError(w, err)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// feedStream feeds body to p one read at a time. A multi-byte character split
// across reads is held back until it is complete.
func feedStream(p *Producer, body io.Reader) error {
	buf := make([]byte, readChunk)
	var pending []byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completeUTF8(pending)
			if cut > 0 {
				if ferr := p.Feed(string(pending[:cut])); ferr != nil {
					return ferr
				}
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if errors.Is(err, io.EOF) {
			if len(pending) > 0 {
				return p.Feed(string(pending))
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("app: read body: %w", err)
		}
	}
}

// completeUTF8 returns the length of the longest prefix of b that does not
// end inside a multi-byte character.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

func hasJSONBody(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeServiceError maps session errors to a status code.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, playback.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
