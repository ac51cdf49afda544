// Package playback turns streamed response text into ordered audio playback.
//
// A [Session] owns one turn at a time. Text fed into the session is split
// into segments, every segment is synthesised concurrently by a
// [synth.Dispatcher], and the [Sequencer] plays the results strictly in
// segment order through an [audio.Ring] drained by the output device.
// Progress is reported to [Observer]s as [Event]s.
//
// All turn state lives in a single loop goroutine; the public methods send
// commands to it, and synthesis results come back as events keyed by turn
// and segment, so late results of a cleared turn are discarded.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/speakloop/internal/observe"
	"github.com/MrWong99/speakloop/internal/speech"
	"github.com/MrWong99/speakloop/internal/synth"
	"github.com/MrWong99/speakloop/pkg/audio"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

// ErrClosed is returned by methods called after [Session.Close].
var ErrClosed = errors.New("playback: session closed")

const (
	// DefaultBufferCap is the default ring capacity expressed as audio time.
	DefaultBufferCap = 10 * time.Second

	// DefaultBufferAhead is how much audio the sequencer queues ahead of the
	// device by default.
	DefaultBufferAhead = 500 * time.Millisecond

	// defaultTick is the period at which the loop tops up the ring.
	defaultTick = 20 * time.Millisecond

	// inboxSize is the buffer depth of the dispatcher event channel.
	inboxSize = 64
)

type commandKind int

const (
	cmdFeed commandKind = iota + 1
	cmdEnd
	cmdClear
	cmdSnapshot
)

type command struct {
	kind  commandKind
	text  string
	reply chan Snapshot
}

// Snapshot describes the session's current turn.
type Snapshot struct {
	TurnID   string `json:"turn_id,omitempty"`
	Active   bool   `json:"active"`
	Ended    bool   `json:"ended"`
	Speaking bool   `json:"speaking"`
	Segments uint64 `json:"segments"`
	Buffered int    `json:"buffered_samples"`
	Device   bool   `json:"device"`
}

// Session runs the playback loop for a single output device.
// All exported methods are safe for concurrent use.
type Session struct {
	provider tts.Provider
	output   audio.Output
	ring     *audio.Ring
	seq      *Sequencer
	disp     *synth.Dispatcher
	inbox    chan synth.Event
	cmds     chan command

	observers   []Observer
	metrics     *observe.Metrics
	log         *slog.Logger
	tick        time.Duration
	bufferCap   time.Duration
	bufferAhead time.Duration
	synthOpts   []synth.Option

	// Loop-owned turn state.
	turn         uint64
	turnID       string
	cancelTurn   context.CancelFunc
	turnCtx      context.Context
	segmenter    speech.Segmenter
	active       bool
	ended        bool
	speaking     bool
	started      bool
	lastID       uint64
	turnStart    time.Time
	deviceUp     bool
	deviceFailed bool
	lastStats    audio.RingStats

	devMu  sync.Mutex
	devErr error

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
	closeErr  error
}

// Option is a functional option for [New].
type Option func(*Session)

// WithObserver adds observers that receive every event.
func WithObserver(o ...Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o...) }
}

// WithBufferCap sets the ring capacity as audio time. Default 10s.
func WithBufferCap(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.bufferCap = d
		}
	}
}

// WithBufferAhead sets how much audio is queued ahead of the device.
// Default 500ms.
func WithBufferAhead(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.bufferAhead = d
		}
	}
}

// WithTick sets the ring top-up period. Default 20ms.
func WithTick(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMetrics sets the metrics sink. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithSynthOptions passes options to the session's [synth.Dispatcher].
func WithSynthOptions(opts ...synth.Option) Option {
	return func(s *Session) { s.synthOpts = append(s.synthOpts, opts...) }
}

// New creates a session that synthesises with provider and plays through
// output, and starts its loop. The device is opened lazily when the first
// turn starts. Call [Session.Close] to release it.
func New(provider tts.Provider, output audio.Output, opts ...Option) *Session {
	s := &Session{
		provider:    provider,
		output:      output,
		inbox:       make(chan synth.Event, inboxSize),
		cmds:        make(chan command),
		tick:        defaultTick,
		bufferCap:   DefaultBufferCap,
		bufferAhead: DefaultBufferAhead,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		turnCtx:     context.Background(),
		cancelTurn:  func() {},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	rate := output.SampleRate()
	capacity := samplesFor(rate, s.bufferCap)
	s.ring = audio.NewRing(capacity)
	s.seq = NewSequencer(s.ring, samplesFor(rate, s.bufferAhead))

	synthOpts := append([]synth.Option{
		synth.WithSampleRate(rate),
		synth.WithMetrics(s.metrics),
		synth.WithLogger(s.log),
	}, s.synthOpts...)
	s.disp = synth.New(provider, s.inbox, synthOpts...)

	go s.loop()
	return s
}

// Feed appends streamed text to the current turn. When no turn is active, or
// the current one has ended, Feed starts a new turn and clears the old one.
func (s *Session) Feed(ctx context.Context, text string) error {
	_, err := s.do(ctx, command{kind: cmdFeed, text: text})
	return err
}

// End marks the end of the current turn's text. The remaining tail is
// synthesised and the turn completes once every segment has played.
func (s *Session) End(ctx context.Context) error {
	_, err := s.do(ctx, command{kind: cmdEnd})
	return err
}

// Clear stops playback immediately and discards the current turn. It is a
// no-op when no turn is active.
func (s *Session) Clear(ctx context.Context) error {
	_, err := s.do(ctx, command{kind: cmdClear})
	return err
}

// Snapshot returns the state of the current turn.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	return s.do(ctx, command{kind: cmdSnapshot})
}

// DeviceErr returns the error from the last failed attempt to start the
// output device, or nil once it is running.
func (s *Session) DeviceErr() error {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.devErr
}

// Voices lists the voices offered by the synthesis channel.
func (s *Session) Voices(ctx context.Context) ([]tts.VoiceProfile, error) {
	voices, err := s.provider.ListVoices(ctx)
	if err != nil {
		return nil, fmt.Errorf("playback: list voices: %w", err)
	}
	return voices, nil
}

// SetVoice switches the synthesis channel to voice. Segments submitted after
// SetVoice returns use the new voice.
func (s *Session) SetVoice(ctx context.Context, voice string) error {
	if err := s.provider.SetVoice(ctx, voice); err != nil {
		return fmt.Errorf("playback: set voice %q: %w", voice, err)
	}
	s.disp.SetVoice(voice)
	return nil
}

// Close clears the current turn, stops the device and waits for in-flight
// synthesis to finish. It is safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		s.disp.Wait()
	})
	return s.closeErr
}

func (s *Session) do(ctx context.Context, c command) (Snapshot, error) {
	c.reply = make(chan Snapshot, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return Snapshot{}, ErrClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-c.reply:
		return snap, nil
	case <-s.stopped:
		return Snapshot{}, ErrClosed
	}
}

// ─── Loop ─────────────────────────────────────────────────────────────────────

func (s *Session) loop() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.shutdown()
			return
		case c := <-s.cmds:
			c.reply <- s.handle(c)
		case ev := <-s.inbox:
			s.handleSynth(ev)
		case <-s.ring.Reached():
		case <-ticker.C:
			s.recordRingStats()
		}
		s.advance()
	}
}

func (s *Session) handle(c command) Snapshot {
	switch c.kind {
	case cmdFeed:
		if !s.active || s.ended {
			s.startTurn()
		}
		for _, seg := range s.segmenter.Feed(c.text) {
			s.submit(seg)
		}
	case cmdEnd:
		if s.active && !s.ended {
			s.ended = true
			if seg, ok := s.segmenter.Flush(); ok {
				s.submit(seg)
			}
		}
	case cmdClear:
		s.clear()
	}
	return Snapshot{
		TurnID:   s.turnID,
		Active:   s.active,
		Ended:    s.ended,
		Speaking: s.speaking,
		Segments: s.lastID,
		Buffered: s.ring.Buffered(),
		Device:   s.deviceUp,
	}
}

func (s *Session) startTurn() {
	s.clear()

	s.turn++
	s.turnID = uuid.NewString()
	s.turnCtx, s.cancelTurn = context.WithCancel(context.Background())
	s.active = true
	s.ended = false
	s.speaking = false
	s.started = false
	s.lastID = 0
	s.turnStart = time.Now()
	s.ring.Mute(false)
	s.metrics.ActiveTurns.Add(s.turnCtx, 1)

	s.deviceFailed = false
	if !s.deviceUp {
		err := s.output.Start(s.ring)
		if err != nil {
			err = fmt.Errorf("playback: start output: %w", err)
			s.deviceFailed = true
			s.emit(Event{Kind: DeviceError, Err: err})
		} else {
			s.deviceUp = true
		}
		s.devMu.Lock()
		s.devErr = err
		s.devMu.Unlock()
	}
	s.log.Debug("playback: turn started", "turn", s.turnID, "device", s.deviceUp)
}

func (s *Session) submit(seg speech.Segment) {
	s.lastID = seg.ID
	s.seq.Add(seg.ID, seg.Text)
	s.disp.Submit(s.turnCtx, s.turn, seg)
}

// clear discards the active turn. It is idempotent.
func (s *Session) clear() {
	if !s.active {
		return
	}
	s.ring.Mute(true)
	s.ring.Reset()
	s.cancelTurn()
	s.seq.Reset()
	s.segmenter.Reset()
	s.active = false
	s.metrics.ActiveTurns.Add(context.Background(), -1)
	if s.speaking {
		s.speaking = false
		s.emit(Event{Kind: SpeakingStopped, Cleared: true})
	}
	s.log.Debug("playback: turn cleared", "turn", s.turnID)
}

func (s *Session) handleSynth(ev synth.Event) {
	if !s.active || ev.Turn != s.turn {
		return
	}
	switch ev.Kind {
	case synth.Converting:
		s.seq.Converting(ev.SegmentID)
		if !s.speaking {
			s.speaking = true
			s.emit(Event{Kind: SpeakingStarted})
		}
	case synth.Audio:
		if s.deviceFailed {
			return
		}
		s.seq.Audio(ev.SegmentID, ev.Block.Samples, ev.Emotion)
	case synth.Done:
		err := ev.Err
		if err == nil && s.deviceFailed {
			err = fmt.Errorf("playback: segment %d: %w", ev.SegmentID, audio.ErrDevice)
		}
		if s.seq.Done(ev.SegmentID, err) {
			s.emit(Event{Kind: SegmentError, SegmentID: ev.SegmentID, Err: err})
		}
	}
}

// advance moves playback forward and completes the turn when it is done.
func (s *Session) advance() {
	if !s.active {
		return
	}
	for _, tr := range s.seq.Pump() {
		switch tr.kind {
		case segmentStarted:
			if !s.started {
				s.started = true
				s.metrics.TurnFirstAudio.Record(s.turnCtx, time.Since(s.turnStart).Seconds())
			}
			s.emit(Event{Kind: SegmentStarted, SegmentID: tr.seg.id, Text: tr.seg.text, Emotion: tr.seg.emotion})
		case segmentFinished:
			if tr.seg.err != nil {
				s.emit(Event{Kind: SegmentError, SegmentID: tr.seg.id, Err: tr.seg.err})
			}
		}
	}

	if s.ended && s.seq.Settled(s.lastID) {
		completed, failed := s.seq.Counts()
		if s.speaking {
			s.speaking = false
			s.emit(Event{Kind: SpeakingStopped})
		}
		s.emit(Event{Kind: TurnCompleted, Segments: completed + failed, Failed: failed})
		s.cancelTurn()
		s.seq.Reset()
		s.active = false
		s.metrics.ActiveTurns.Add(context.Background(), -1)
	}
}

func (s *Session) recordRingStats() {
	st := s.ring.Stats()
	ctx := context.Background()
	if d := st.Underruns - s.lastStats.Underruns; d > 0 && s.active {
		s.metrics.Underruns.Add(ctx, int64(d))
	}
	if d := st.Dropped - s.lastStats.Dropped; d > 0 {
		s.metrics.DroppedSamples.Add(ctx, int64(d))
		s.log.Warn("playback: ring buffer overflow, dropped oldest samples", "dropped", d, "turn", s.turnID)
	}
	s.lastStats = st
}

func (s *Session) shutdown() {
	s.clear()
	if s.deviceUp {
		if err := s.output.Stop(); err != nil {
			s.closeErr = fmt.Errorf("playback: stop output: %w", err)
		}
		s.deviceUp = false
	}
}

func (s *Session) emit(ev Event) {
	ev.TurnID = s.turnID
	ev.Time = time.Now()
	for _, o := range s.observers {
		o.Observe(ev)
	}
}

func samplesFor(rate int, d time.Duration) int {
	n := int(int64(rate) * int64(d) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}
