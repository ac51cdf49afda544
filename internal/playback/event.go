package playback

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// EventKind names a playback event. The values double as wire names on the
// event stream.
type EventKind string

const (
	// SpeakingStarted is emitted when the first segment of a turn enters
	// synthesis.
	SpeakingStarted EventKind = "speaking_started"

	// SpeakingStopped is emitted once per turn, when it completes or is
	// cleared.
	SpeakingStopped EventKind = "speaking_stopped"

	// SegmentStarted is emitted when a segment becomes audible.
	SegmentStarted EventKind = "segment_started"

	// SegmentError is emitted when a segment ends in error.
	SegmentError EventKind = "segment_error"

	// TurnCompleted follows SpeakingStopped when every segment of an ended
	// turn reached a terminal state.
	TurnCompleted EventKind = "turn_completed"

	// DeviceError is emitted when the output device could not be started.
	DeviceError EventKind = "device_error"
)

// Event is a notification about playback progress.
type Event struct {
	Kind   EventKind `json:"kind"`
	TurnID string    `json:"turn_id"`

	// SegmentID is set on segment events.
	SegmentID uint64 `json:"segment_id,omitempty"`

	// Text is the segment text on SegmentStarted.
	Text string `json:"text,omitempty"`

	// Emotion is the label the synthesis service reported for the segment.
	Emotion string `json:"emotion,omitempty"`

	// Segments and Failed summarise a turn on TurnCompleted.
	Segments int `json:"segments,omitempty"`
	Failed   int `json:"failed,omitempty"`

	// Cleared is set on SpeakingStopped when the turn was interrupted.
	Cleared bool `json:"cleared,omitempty"`

	Err  error     `json:"-"`
	Time time.Time `json:"time"`
}

// MarshalJSON renders Err as an "error" string.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	var msg string
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(e), msg})
}

// Observer receives playback events. Observe is called from the session loop
// in event order and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to [Observer].
type ObserverFunc func(Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// LogObserver writes every event to a structured logger.
type LogObserver struct {
	Logger *slog.Logger
}

// Observe implements [Observer].
func (o LogObserver) Observe(ev Event) {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelDebug
	attrs := []slog.Attr{
		slog.String("kind", string(ev.Kind)),
		slog.String("turn", ev.TurnID),
	}
	switch ev.Kind {
	case SegmentStarted:
		attrs = append(attrs, slog.Uint64("segment", ev.SegmentID), slog.String("emotion", ev.Emotion))
	case SegmentError:
		level = slog.LevelWarn
		attrs = append(attrs, slog.Uint64("segment", ev.SegmentID), slog.Any("err", ev.Err))
	case DeviceError:
		level = slog.LevelError
		attrs = append(attrs, slog.Any("err", ev.Err))
	case TurnCompleted:
		level = slog.LevelInfo
		attrs = append(attrs, slog.Int("segments", ev.Segments), slog.Int("failed", ev.Failed))
	case SpeakingStopped:
		attrs = append(attrs, slog.Bool("cleared", ev.Cleared))
	}
	l.LogAttrs(context.Background(), level, "playback event", attrs...)
}

var (
	_ Observer = ObserverFunc(nil)
	_ Observer = LogObserver{}
)
