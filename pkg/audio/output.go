// Package audio holds the playback side of speakloop: chunk decoding,
// resampling, the ring buffer that decouples network jitter from the device
// clock, and the [Output] abstraction for real-time devices.
//
// The two primary abstractions are:
//
//   - [Source]: something the device callback can pull samples from without
//     blocking. [Ring] is the canonical implementation.
//   - [Output]: a playback device that invokes its source at a fixed block
//     size and rate.
//
// Device adapters live in sub-packages (audio/portaudio) and test doubles in
// audio/mock.
package audio

// Source supplies samples to a real-time device callback.
//
// Drain must fill all of out, never block, and never allocate. It returns how
// many of the written samples were real audio; the rest are silence.
type Source interface {
	Drain(out []float32) int
}

// Output is a playback device driven by its own clock.
//
// Implementations must be safe for concurrent use. Start and Stop may be
// called repeatedly; Stop on a stopped device is a no-op.
type Output interface {
	// Start opens the device and begins pulling mono samples from src.
	// Errors wrap [ErrDevice].
	Start(src Source) error

	// Stop halts the callback and releases the device.
	Stop() error

	// SampleRate returns the fixed rate the device runs at, in Hz.
	SampleRate() int
}
