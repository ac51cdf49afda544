// Package mock provides an in-memory implementation of [audio.Output] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records every method call and every
// sample it drains, and exposes fields the test sets to control behaviour.
//
// Typical usage:
//
//	out := &mock.Output{Rate: 24000, BlockSize: 240, Interval: time.Millisecond}
//	_ = out.Start(ring)       // background clock drains 240 samples per tick
//	...
//	played := out.Recorded()  // everything the "device" received
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/speakloop/pkg/audio"
)

// Output is a mock implementation of [audio.Output].
//
// When BlockSize and Interval are both positive, Start launches a goroutine
// that drains BlockSize samples every Interval, standing in for a device
// clock. Otherwise samples are pulled only through [Output.Pull].
type Output struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 24000 if zero.
	Rate int

	// BlockSize is the number of samples drained per simulated callback.
	BlockSize int

	// Interval is the simulated callback period.
	Interval time.Duration

	// StartErr is returned by Start. While non-nil the device never starts.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	src      audio.Source
	running  bool
	recorded []float32
	drains   int
	stop     chan struct{}
	done     chan struct{}
}

// SampleRate implements [audio.Output].
func (o *Output) SampleRate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Rate == 0 {
		return 24000
	}
	return o.Rate
}

// Start implements [audio.Output].
func (o *Output) Start(src audio.Source) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountStart++
	if o.StartErr != nil {
		return o.StartErr
	}
	if o.running {
		return nil
	}
	o.src = src
	o.running = true
	if o.BlockSize > 0 && o.Interval > 0 {
		o.stop = make(chan struct{})
		o.done = make(chan struct{})
		go o.clock(o.BlockSize, o.Interval, o.stop, o.done)
	}
	return nil
}

// Stop implements [audio.Output].
func (o *Output) Stop() error {
	o.mu.Lock()
	o.CallCountStop++
	stop, done := o.stop, o.done
	o.stop, o.done = nil, nil
	o.running = false
	err := o.StopErr
	o.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return err
}

// SetStartErr changes the error returned by later Start calls.
func (o *Output) SetStartErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.StartErr = err
}

// Pull drains n samples from the source as one device callback would and
// returns them. It returns nil if the device is not running.
func (o *Output) Pull(n int) []float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	buf := make([]float32, n)
	o.src.Drain(buf)
	o.recorded = append(o.recorded, buf...)
	o.drains++
	return buf
}

// Recorded returns a copy of every sample drained so far, silence included.
func (o *Output) Recorded() []float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]float32, len(o.recorded))
	copy(out, o.recorded)
	return out
}

// Drains returns how many callbacks have run.
func (o *Output) Drains() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drains
}

// Running reports whether Start succeeded and Stop has not been called since.
func (o *Output) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Output) clock(block int, every time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			o.Pull(block)
		}
	}
}

var _ audio.Output = (*Output)(nil)
