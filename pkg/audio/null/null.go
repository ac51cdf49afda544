// Package null provides a headless [audio.Output] that consumes samples at
// real-time rate and discards them.
//
// It is meant for servers without a sound card and for end-to-end tests. The
// playback pipeline behaves exactly as with a real device: segments start and
// complete on the device clock, underruns are counted, and events fire at the
// same times they would with speakers attached.
package null

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/speakloop/pkg/audio"
)

// DefaultBlock is the callback period used when no block size is configured.
const DefaultBlock = 20 * time.Millisecond

// Device is a clock-driven output that throws its audio away.
type Device struct {
	rate  int
	block int

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	played  atomic.Int64
	audible atomic.Int64
}

// New returns a stopped device running at rate Hz that drains framesPerBuffer
// samples per tick. A non-positive framesPerBuffer selects [DefaultBlock].
func New(rate, framesPerBuffer int) (*Device, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("null: sample rate must be positive, got %d", rate)
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = int(int64(rate) * int64(DefaultBlock) / int64(time.Second))
	}
	return &Device{rate: rate, block: framesPerBuffer}, nil
}

// SampleRate implements [audio.Output].
func (d *Device) SampleRate() int { return d.rate }

// Start implements [audio.Output]. Starting a running device is a no-op.
func (d *Device) Start(src audio.Source) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(src, d.stop, d.done)
	return nil
}

// Stop implements [audio.Output].
func (d *Device) Stop() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Played returns the number of samples drained since the device was created,
// silence included.
func (d *Device) Played() int64 { return d.played.Load() }

// Audible returns how many of the drained samples were real audio.
func (d *Device) Audible() int64 { return d.audible.Load() }

func (d *Device) run(src audio.Source, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]float32, d.block)
	period := time.Duration(int64(d.block) * int64(time.Second) / int64(d.rate))
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			n := src.Drain(buf)
			d.played.Add(int64(len(buf)))
			d.audible.Add(int64(n))
		}
	}
}

var _ audio.Output = (*Device)(nil)
