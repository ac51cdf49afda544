package playback

import (
	"container/heap"
	"fmt"

	"github.com/MrWong99/speakloop/pkg/audio"
)

// State is the playback state of one segment.
type State int

const (
	// Pending segments were submitted but synthesis has not started.
	Pending State = iota
	// Converting segments are being synthesised.
	Converting
	// Ready segments have audio (or finished with none) and wait for their turn.
	Ready
	// Playing is the single segment currently audible.
	Playing
	// Completed segments were played to the end.
	Completed
	// Failed segments ended in error. Failed is absorbing.
	Failed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Converting:
		return "converting"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Completed:
		return "completed"
	case Failed:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool { return s == Completed || s == Failed }

type segment struct {
	id      uint64
	text    string
	state   State
	emotion string

	queue     [][]float32
	synthDone bool
	err       error

	fullyFed bool
	end      uint64 // ring position just past the segment's last sample
}

// transitionKind enumerates what the sequencer reports to the session.
type transitionKind int

const (
	segmentStarted transitionKind = iota + 1
	segmentFinished
)

type transition struct {
	kind transitionKind
	seg  *segment
}

// Sequencer enforces strict id order on playback. It owns the per-segment
// state machine and moves audio of the segments at the front of the line
// into the ring, never more than highWater samples ahead of the consumer.
//
// A segment's audio may be queued in the ring while the segment before it is
// still audible, so consecutive segments play without a gap; the segment
// becomes Playing only when the consumer reaches it.
//
// It is driven by a single goroutine and is not safe for concurrent use.
type Sequencer struct {
	ring      *audio.Ring
	highWater int

	segs  map[uint64]*segment
	ready segmentHeap
	next  uint64

	feeding *segment
	fed     []*segment // head is the Playing segment

	completed int
	failed    int
}

// NewSequencer returns a sequencer feeding ring. highWater bounds the number
// of buffered samples; non-positive means the ring capacity.
func NewSequencer(ring *audio.Ring, highWater int) *Sequencer {
	if highWater <= 0 || highWater > ring.Cap() {
		highWater = ring.Cap()
	}
	return &Sequencer{
		ring:      ring,
		highWater: highWater,
		segs:      make(map[uint64]*segment),
		next:      1,
	}
}

// Add registers a submitted segment as Pending. Re-adding a known id is a
// no-op.
func (q *Sequencer) Add(id uint64, text string) {
	if _, ok := q.segs[id]; ok || id < q.next {
		return
	}
	q.segs[id] = &segment{id: id, text: text, state: Pending}
}

// Converting moves a pending segment to Converting.
func (q *Sequencer) Converting(id uint64) {
	if s := q.segs[id]; s != nil && s.state == Pending {
		s.state = Converting
	}
}

// Audio queues samples for a segment. The first block makes the segment
// Ready. Audio for unknown or terminal segments is ignored.
func (q *Sequencer) Audio(id uint64, samples []float32, emotion string) {
	s := q.segs[id]
	if s == nil || s.state.Terminal() || s.synthDone || len(samples) == 0 {
		return
	}
	if emotion != "" && s.emotion == "" {
		s.emotion = emotion
	}
	s.queue = append(s.queue, samples)
	if s.state == Pending || s.state == Converting {
		s.state = Ready
		heap.Push(&q.ready, s)
	}
}

// Done records the end of a segment's synthesis. A segment that fails before
// any audio arrived becomes Failed immediately and Done reports true. A segment that already has audio plays what it has and
// fails when that audio has been consumed.
func (q *Sequencer) Done(id uint64, err error) (failed bool) {
	s := q.segs[id]
	if s == nil || s.state.Terminal() || s.synthDone {
		return false
	}
	s.synthDone = true
	s.err = err
	switch s.state {
	case Pending, Converting:
		if err != nil {
			q.finish(s)
			heap.Push(&q.ready, s)
			return true
		}
		s.state = Ready
		heap.Push(&q.ready, s)
	}
	return false
}

// Pump advances playback: it completes segments whose audio has been
// consumed, starts the next segment in id order, and tops the ring up to the
// high-water mark. It returns the transitions that happened, in order.
func (q *Sequencer) Pump() []transition {
	var out []transition
	for {
		progressed := false

		if len(q.fed) > 0 {
			head := q.fed[0]
			if head.fullyFed && q.ring.Consumed() >= head.end {
				q.finish(head)
				out = append(out, transition{kind: segmentFinished, seg: head})
				q.fed[0] = nil
				q.fed = q.fed[1:]
				if len(q.fed) > 0 {
					q.fed[0].state = Playing
					out = append(out, transition{kind: segmentStarted, seg: q.fed[0]})
				}
				progressed = true
			}
		}

		if q.feeding == nil {
			for top := q.ready.peek(); top != nil && top.id == q.next; top = q.ready.peek() {
				heap.Pop(&q.ready)
				q.next++
				progressed = true
				if top.state == Failed {
					continue
				}
				q.feeding = top
				q.fed = append(q.fed, top)
				if len(q.fed) == 1 {
					top.state = Playing
					out = append(out, transition{kind: segmentStarted, seg: top})
				}
				break
			}
		}

		if s := q.feeding; s != nil {
			for len(s.queue) > 0 && q.ring.Buffered() < q.highWater {
				q.ring.Append(s.queue[0])
				s.queue[0] = nil
				s.queue = s.queue[1:]
			}
			if len(s.queue) == 0 && s.synthDone {
				s.fullyFed = true
				s.end = q.ring.Written()
				q.feeding = nil
				progressed = true
			}
		}

		if !progressed {
			break
		}
	}

	if len(q.fed) > 0 && q.fed[0].fullyFed {
		q.ring.SetMark(q.fed[0].end)
	}
	return out
}

// Settled reports whether every segment up to lastID reached a terminal
// state.
func (q *Sequencer) Settled(lastID uint64) bool {
	return q.next > lastID && q.feeding == nil && len(q.fed) == 0
}

// State returns the state of segment id. Unknown ids report Pending.
func (q *Sequencer) State(id uint64) State {
	if s := q.segs[id]; s != nil {
		return s.state
	}
	return Pending
}

// Counts returns how many segments completed and failed.
func (q *Sequencer) Counts() (completed, failed int) {
	return q.completed, q.failed
}

// Reset drops all segment state and restarts at id 1. It does not touch the
// ring.
func (q *Sequencer) Reset() {
	clear(q.segs)
	q.ready = nil
	q.next = 1
	q.feeding = nil
	q.fed = nil
	q.completed, q.failed = 0, 0
}

func (q *Sequencer) finish(s *segment) {
	s.queue = nil
	if s.err != nil {
		s.state = Failed
		q.failed++
		return
	}
	s.state = Completed
	q.completed++
}
