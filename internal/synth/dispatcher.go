// Package synth dispatches text segments to a synthesis channel and turns the
// returned audio into device-ready blocks.
//
// Every submitted segment is synthesised in its own goroutine as soon as it
// is submitted; the [tts.Provider] multiplexes the requests over its single
// connection. Results flow back to the caller as [Event]s keyed by turn and
// segment id, so the consumer can restore textual order no matter in which
// order the audio arrives.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/speakloop/internal/observe"
	"github.com/MrWong99/speakloop/internal/speech"
	"github.com/MrWong99/speakloop/pkg/audio"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

const (
	// defaultSampleRate matches the device rate most synthesis services emit.
	defaultSampleRate = 24000

	// defaultSegmentTimeout is how long a segment may wait without the
	// channel making progress.
	defaultSegmentTimeout = 30 * time.Second
)

// errStalled is the cancellation cause of a segment whose channel made no
// progress within the segment timeout.
var errStalled = errors.New("synth: channel stalled")

// EventKind enumerates dispatcher events.
type EventKind int

const (
	// Converting reports that the request for a segment was sent.
	Converting EventKind = iota + 1

	// Audio carries one decoded block.
	Audio

	// Done is the terminal event of a segment. Err is nil on success.
	Done
)

// String implements [fmt.Stringer].
func (k EventKind) String() string {
	switch k {
	case Converting:
		return "converting"
	case Audio:
		return "audio"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a typed result for one segment of one turn.
type Event struct {
	Kind      EventKind
	Turn      uint64
	SegmentID uint64

	// Block is set for Audio events.
	Block audio.Block

	// Emotion is the label reported by the service, if any. Set on Audio.
	Emotion string

	// Err is set on a failed Done. It wraps [tts.ErrConnection] or
	// [tts.ErrSynthesis], or is the context error of a cancelled turn.
	Err error

	// Samples is the number of samples delivered for the segment. Set on Done.
	Samples int
}

// Dispatcher submits segments to a [tts.Provider] concurrently.
// It is safe for concurrent use.
type Dispatcher struct {
	provider tts.Provider
	out      chan<- Event

	sampleRate int
	voice      string
	timeout    time.Duration
	metrics    *observe.Metrics
	log        *slog.Logger

	mu sync.RWMutex
	wg sync.WaitGroup

	// progress is the unix nano time the channel last delivered audio or
	// finished a segment.
	progress atomic.Int64
}

// Option is a functional option for [New].
type Option func(*Dispatcher)

// WithSampleRate sets the rate of emitted blocks. Default 24000.
func WithSampleRate(rate int) Option {
	return func(d *Dispatcher) {
		if rate > 0 {
			d.sampleRate = rate
		}
	}
}

// WithVoice sets the voice sent with every request. Empty uses the channel's
// current voice.
func WithVoice(voice string) Option {
	return func(d *Dispatcher) { d.voice = voice }
}

// WithSegmentTimeout fails a segment once the synthesis channel has made no
// progress on any segment for timeout. Time spent queued behind segments that
// are still streaming does not count. Zero disables it.
func WithSegmentTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithMetrics records synthesis metrics to m. Default [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger. Default [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New returns a dispatcher that sends its events to out. The consumer must
// keep receiving from out until it cancels the contexts it submitted with.
func New(provider tts.Provider, out chan<- Event, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		provider:   provider,
		out:        out,
		sampleRate: defaultSampleRate,
		timeout:    defaultSegmentTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// SampleRate returns the rate of emitted blocks.
func (d *Dispatcher) SampleRate() int { return d.sampleRate }

// SetVoice changes the voice used for segments submitted from now on.
func (d *Dispatcher) SetVoice(voice string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.voice = voice
}

// Voice returns the voice used for new segments.
func (d *Dispatcher) Voice() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.voice
}

// Submit starts synthesis of seg and returns immediately. Exactly one Done
// event is emitted for seg unless ctx is cancelled first, in which case any
// remaining events are discarded.
func (d *Dispatcher) Submit(ctx context.Context, turn uint64, seg speech.Segment) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, turn, seg)
	}()
}

// Wait blocks until every submitted segment has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func (d *Dispatcher) run(ctx context.Context, turn uint64, seg speech.Segment) {
	start := time.Now()
	d.metrics.InFlightSegments.Add(ctx, 1)
	defer d.metrics.InFlightSegments.Add(context.WithoutCancel(ctx), -1)

	ctx, span := observe.StartSpan(ctx, "synth.segment",
		trace.WithAttributes(
			attribute.Int64("speakloop.turn", int64(turn)),
			attribute.Int64("speakloop.segment", int64(seg.ID)),
		),
	)
	defer span.End()

	log := d.log.With("turn", turn, "segment", seg.ID)

	if !d.send(ctx, Event{Kind: Converting, Turn: turn, SegmentID: seg.ID}) {
		return
	}

	text := speech.Sanitize(seg.Text)
	if text == "" {
		log.Debug("synth: nothing speakable in segment", "text", seg.Text)
		d.finish(ctx, span, Event{Kind: Done, Turn: turn, SegmentID: seg.ID})
		return
	}

	// The stall watchdog only cancels synthesis. Events are still delivered
	// under the turn context so a timed-out segment reports its Done.
	synthCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelCauseFunc
		synthCtx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		go d.watch(synthCtx, cancel, start)
	}

	samples, err := d.synthesize(synthCtx, ctx, turn, seg.ID, text, start, log)
	d.touch()
	if err != nil && ctx.Err() == nil {
		if errors.Is(context.Cause(synthCtx), errStalled) {
			err = fmt.Errorf("synth: segment %d timed out after %s without progress: %w", seg.ID, d.timeout, tts.ErrConnection)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("synth: segment failed", "err", err)
	}
	d.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	d.finish(ctx, span, Event{Kind: Done, Turn: turn, SegmentID: seg.ID, Err: err, Samples: samples})
}

// synthesize streams one segment and forwards its decoded blocks. It returns
// the number of samples forwarded.
func (d *Dispatcher) synthesize(ctx, turnCtx context.Context, turn, segID uint64, text string, start time.Time, log *slog.Logger) (int, error) {
	stream, err := d.provider.Synthesize(ctx, tts.Request{
		SegmentID: segID,
		Text:      text,
		Voice:     d.Voice(),
	})
	if err != nil {
		return 0, fmt.Errorf("synth: segment %d: %w", segID, err)
	}

	dec := audio.NewStreamDecoder(d.sampleRate)
	var (
		seq     int
		samples int
	)
	for {
		select {
		case <-ctx.Done():
			return samples, ctx.Err()
		case c, ok := <-stream.C:
			d.touch()
			if !ok {
				if err := stream.Err(); err != nil {
					return samples, fmt.Errorf("synth: segment %d: %w", segID, err)
				}
				return samples, nil
			}
			block, err := dec.Decode(audio.Chunk{
				SegmentID: segID,
				Seq:       seq,
				Format:    c.Format,
				Data:      c.Data,
			})
			seq++
			if err != nil {
				d.metrics.RecordDecodeError(ctx, string(c.Format.Encoding))
				log.Warn("synth: dropping undecodable chunk", "err", err)
				continue
			}
			if len(block.Samples) == 0 {
				continue
			}
			if samples == 0 {
				d.metrics.SynthesisFirstAudio.Record(ctx, time.Since(start).Seconds())
			}
			samples += len(block.Samples)
			if !d.send(turnCtx, Event{Kind: Audio, Turn: turn, SegmentID: segID, Block: block, Emotion: c.Emotion}) {
				return samples, turnCtx.Err()
			}
		}
	}
}

// touch records that the channel made progress.
func (d *Dispatcher) touch() {
	d.progress.Store(time.Now().UnixNano())
}

// watch cancels ctx with errStalled once neither this segment nor any other
// has made progress for the segment timeout. since is when the segment was
// submitted.
func (d *Dispatcher) watch(ctx context.Context, cancel context.CancelCauseFunc, since time.Time) {
	t := time.NewTimer(d.timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			last := max(since.UnixNano(), d.progress.Load())
			idle := time.Duration(now.UnixNano() - last)
			if idle >= d.timeout {
				cancel(errStalled)
				return
			}
			t.Reset(d.timeout - idle)
		}
	}
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, ev Event) {
	outcome := "completed"
	switch {
	case ctx.Err() != nil:
		outcome = "cancelled"
	case ev.Err != nil:
		outcome = "error"
		var kind string
		switch {
		case errors.Is(ev.Err, tts.ErrConnection):
			kind = "connection"
		case errors.Is(ev.Err, tts.ErrSynthesis):
			kind = "synthesis"
		default:
			kind = "other"
		}
		d.metrics.RecordProviderError(ctx, providerName(d.provider), kind)
	}
	d.metrics.RecordSegment(context.WithoutCancel(ctx), outcome)
	span.SetAttributes(attribute.String("speakloop.outcome", outcome))
	d.send(ctx, ev)
}

// send delivers ev unless ctx is done first.
func (d *Dispatcher) send(ctx context.Context, ev Event) bool {
	select {
	case d.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// providerName returns a short label for metrics.
func providerName(p tts.Provider) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}
