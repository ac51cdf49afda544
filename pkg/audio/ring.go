package audio

import "sync"

// Ring is a fixed-capacity FIFO of mono samples between one producer (the
// playback sequencer) and one consumer (the device callback).
//
// [Ring.Drain] never blocks on the producer for longer than a copy, never
// allocates, and always fills the caller's buffer, padding with silence on
// underrun. When an append would exceed the capacity, the oldest samples are
// dropped.
//
// Positions are absolute sample counts since creation: Written counts every
// appended sample and Consumed counts every sample that left the buffer,
// whether played, dropped on overflow, or discarded by Reset.
type Ring struct {
	mu  sync.Mutex
	buf []float32

	head int // index of the oldest buffered sample
	size int // number of buffered samples

	written   uint64
	consumed  uint64
	dropped   uint64
	underruns uint64

	muted bool
	// lastShort records whether the previous drain ran dry, so a stretch of
	// silence counts as a single underrun.
	lastShort bool

	mark    uint64
	markSet bool
	reached chan struct{}
}

// RingStats is a point-in-time snapshot of a [Ring]'s counters.
type RingStats struct {
	Buffered  int
	Written   uint64
	Consumed  uint64
	Dropped   uint64
	Underruns uint64
}

// NewRing returns a ring holding at most capacity samples. capacity must be
// positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("audio: ring capacity must be positive")
	}
	return &Ring{
		buf:       make([]float32, capacity),
		reached:   make(chan struct{}, 1),
		lastShort: true,
	}
}

// Cap returns the capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// Append copies samples into the ring. If the ring would overflow, the oldest
// buffered samples are dropped first; if samples alone exceed the capacity,
// only its newest Cap() samples are kept. It returns the number of samples
// dropped.
func (r *Ring) Append(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.buf)
	dropped := 0
	if len(samples) > capacity {
		dropped += len(samples) - capacity
		r.written += uint64(dropped)
		r.consumed += uint64(dropped)
		samples = samples[len(samples)-capacity:]
	}
	if over := r.size + len(samples) - capacity; over > 0 {
		r.head = (r.head + over) % capacity
		r.size -= over
		r.consumed += uint64(over)
		dropped += over
	}
	r.dropped += uint64(dropped)

	tail := (r.head + r.size) % capacity
	n := copy(r.buf[tail:], samples)
	copy(r.buf, samples[n:])
	r.size += len(samples)
	r.written += uint64(len(samples))

	r.signalLocked()
	return dropped
}

// Drain implements [Source]. It copies up to len(out) buffered samples into
// out and zero-fills the remainder. While muted it outputs silence without
// consuming anything.
func (r *Ring) Drain(out []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.muted {
		clear(out)
		return 0
	}

	n := min(r.size, len(out))
	capacity := len(r.buf)
	first := copy(out[:n], r.buf[r.head:min(r.head+n, capacity)])
	copy(out[first:n], r.buf[:n-first])
	clear(out[n:])

	r.head = (r.head + n) % capacity
	r.size -= n
	r.consumed += uint64(n)

	short := n < len(out)
	if short && (n > 0 || !r.lastShort) {
		r.underruns++
	}
	r.lastShort = short

	r.signalLocked()
	return n
}

// Reset discards all buffered samples and any pending mark. Discarded samples
// count as consumed.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumed += uint64(r.size)
	r.head = 0
	r.size = 0
	r.markSet = false
	r.lastShort = true
	select {
	case <-r.reached:
	default:
	}
}

// Mute switches the consumer side to silence (true) or back to playback.
func (r *Ring) Mute(muted bool) {
	r.mu.Lock()
	r.muted = muted
	r.mu.Unlock()
}

// SetMark arranges for [Ring.Reached] to fire once Consumed reaches pos.
// A mark at or behind the current position fires immediately. Setting a new
// mark replaces the previous one.
func (r *Ring) SetMark(pos uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mark = pos
	r.markSet = true
	r.signalLocked()
}

// Reached returns a channel that receives a value when the consumer passes the
// current mark. The channel has a buffer of one and is never closed.
func (r *Ring) Reached() <-chan struct{} { return r.reached }

// Buffered returns the number of samples waiting to be drained.
func (r *Ring) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Written returns the absolute producer position.
func (r *Ring) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Consumed returns the absolute consumer position.
func (r *Ring) Consumed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumed
}

// Stats returns a snapshot of the ring's counters.
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Buffered:  r.size,
		Written:   r.written,
		Consumed:  r.consumed,
		Dropped:   r.dropped,
		Underruns: r.underruns,
	}
}

// signalLocked fires the reached channel without blocking. Must be called
// with r.mu held.
func (r *Ring) signalLocked() {
	if !r.markSet || r.consumed < r.mark {
		return
	}
	r.markSet = false
	select {
	case r.reached <- struct{}{}:
	default:
	}
}

var _ Source = (*Ring)(nil)
