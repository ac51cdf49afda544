package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/speakloop/internal/playback"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

// ErrPreempted is returned by [Producer] methods once a newer producer has
// taken over the session, or the producer was stopped by a clear.
var ErrPreempted = errors.New("app: producer preempted")

// Speaker is the part of [playback.Session] the HTTP layer drives.
type Speaker interface {
	Feed(ctx context.Context, text string) error
	End(ctx context.Context) error
	Clear(ctx context.Context) error
	Snapshot(ctx context.Context) (playback.Snapshot, error)
	Voices(ctx context.Context) ([]tts.VoiceProfile, error)
	SetVoice(ctx context.Context, voice string) error
}

var _ Speaker = (*playback.Session)(nil)

// ProducerInfo describes the text producer currently feeding the session.
type ProducerInfo struct {
	// ID is unique per producer.
	ID string `json:"id"`

	// Source names the endpoint that started the producer ("speak" or "chat").
	Source string `json:"source"`

	// Remote is the client address.
	Remote string `json:"remote,omitempty"`

	// StartedAt is when the producer took over the session.
	StartedAt time.Time `json:"started_at"`
}

// ProducerManager arbitrates which request may feed the session.
//
// Only one producer is active at a time. Starting a new one preempts the
// current producer and clears its turn, so its later Feed and End calls fail
// with [ErrPreempted] instead of leaking into the new turn. All exported
// methods are safe for concurrent use.
type ProducerManager struct {
	speaker Speaker

	mu     sync.Mutex
	gen    uint64
	active bool
	ended  bool
	info   ProducerInfo
	cancel context.CancelFunc
}

// NewProducerManager returns a manager feeding speaker.
func NewProducerManager(speaker Speaker) *ProducerManager {
	return &ProducerManager{speaker: speaker}
}

// Start preempts any active producer and registers a new one. The returned
// producer's context is cancelled when it is preempted or stopped. Call
// [Producer.Close] when the request is done.
func (m *ProducerManager) Start(ctx context.Context, source, remote string) (*Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		prev := m.info
		m.cancel()
		if !m.ended {
			if err := m.speaker.Clear(ctx); err != nil {
				return nil, fmt.Errorf("app: preempt producer %s: %w", prev.ID, err)
			}
		}
		slog.Info("producer preempted", "id", prev.ID, "source", prev.Source, "by", source)
	}

	pctx, cancel := context.WithCancel(ctx)
	m.gen++
	m.active = true
	m.ended = false
	m.cancel = cancel
	m.info = ProducerInfo{
		ID:        uuid.NewString(),
		Source:    source,
		Remote:    remote,
		StartedAt: time.Now().UTC(),
	}
	slog.Debug("producer started", "id", m.info.ID, "source", source, "remote", remote)

	return &Producer{m: m, gen: m.gen, ctx: pctx, info: m.info}, nil
}

// Stop cancels the active producer without touching playback. It reports
// whether a producer was active.
func (m *ProducerManager) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return false
	}
	m.cancel()
	m.release()
	return true
}

// IsActive reports whether a producer currently owns the session.
func (m *ProducerManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Info returns the active producer, or the zero value when none is active.
func (m *ProducerManager) Info() ProducerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// release clears the active producer. m.mu must be held.
func (m *ProducerManager) release() {
	m.gen++
	m.active = false
	m.ended = false
	m.cancel = nil
	m.info = ProducerInfo{}
}

// Producer is one request's right to feed the session.
type Producer struct {
	m    *ProducerManager
	gen  uint64
	ctx  context.Context
	info ProducerInfo
}

// Context is cancelled when the producer is preempted, stopped or closed.
func (p *Producer) Context() context.Context { return p.ctx }

// Info describes the producer.
func (p *Producer) Info() ProducerInfo { return p.info }

// Feed passes text to the session if p is still the active producer.
func (p *Producer) Feed(text string) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if p.gen != p.m.gen {
		return ErrPreempted
	}
	return p.m.speaker.Feed(p.ctx, text)
}

// End marks the end of the producer's text. Playback continues after the
// producer is closed.
func (p *Producer) End() error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if p.gen != p.m.gen {
		return ErrPreempted
	}
	if err := p.m.speaker.End(p.ctx); err != nil {
		return err
	}
	p.m.ended = true
	return nil
}

// Close releases the session if p is still the active producer. A producer
// closed without [Producer.End] leaves its turn open until the next producer
// or a clear replaces it.
func (p *Producer) Close() {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if p.gen != p.m.gen {
		return
	}
	p.m.cancel()
	p.m.release()
}

// Abort clears the producer's turn and releases the session if p is still
// the active producer.
func (p *Producer) Abort(ctx context.Context) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if p.gen != p.m.gen {
		return nil
	}
	p.m.cancel()
	p.m.release()
	return p.m.speaker.Clear(ctx)
}
