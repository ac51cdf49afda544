// Package portaudio plays audio through the host's default output device
// using PortAudio's callback API.
//
// The callback runs on PortAudio's real-time thread. It only drains the
// [audio.Source] into a buffer allocated at Start and fans the mono samples
// out to every output channel.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/speakloop/pkg/audio"
)

// Config describes the output stream to open.
type Config struct {
	// SampleRate in Hz. Every [audio.Block] fed to the device must already be at
	// this rate.
	SampleRate int

	// Channels is the number of output channels. The mono source is copied to
	// each of them.
	Channels int

	// FramesPerBuffer is the callback block size. Smaller values reduce latency
	// and raise the risk of device underruns.
	FramesPerBuffer int
}

// Device is an [audio.Output] backed by PortAudio's default output device.
type Device struct {
	cfg Config

	mu      sync.Mutex
	stream  *portaudio.Stream
	scratch []float32
	src     audio.Source
}

// New validates cfg and returns a stopped device. PortAudio itself is not
// initialised until [Device.Start].
func New(cfg Config) (*Device, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = 512
	}
	return &Device{cfg: cfg}, nil
}

// SampleRate implements [audio.Output].
func (d *Device) SampleRate() int { return d.cfg.SampleRate }

// Start implements [audio.Output]. Starting a running device is a no-op.
func (d *Device) Start(src audio.Source) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: portaudio initialize: %w", audio.ErrDevice, err)
	}
	d.src = src
	d.scratch = make([]float32, d.cfg.FramesPerBuffer)

	stream, err := portaudio.OpenDefaultStream(0, d.cfg.Channels, float64(d.cfg.SampleRate), d.cfg.FramesPerBuffer, d.callback)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("%w: open default stream: %w", audio.ErrDevice, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("%w: start stream: %w", audio.ErrDevice, err)
	}
	d.stream = stream
	slog.Info("portaudio: output started",
		"sample_rate", d.cfg.SampleRate,
		"channels", d.cfg.Channels,
		"frames_per_buffer", d.cfg.FramesPerBuffer,
	)
	return nil
}

// Stop implements [audio.Output].
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	stream := d.stream
	d.stream = nil

	var errs []error
	if err := stream.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: stop stream: %w", err))
	}
	if err := stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close stream: %w", err))
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: terminate: %w", err))
	}
	return errors.Join(errs...)
}

// callback fills PortAudio's interleaved output buffer. It must not block or
// allocate in the steady state.
func (d *Device) callback(out []float32) {
	ch := d.cfg.Channels
	frames := len(out) / ch
	if frames > len(d.scratch) {
		// PortAudio may hand us a larger block than requested on some hosts.
		d.scratch = make([]float32, frames)
	}
	mono := d.scratch[:frames]
	d.src.Drain(mono)

	if ch == 1 {
		copy(out, mono)
		return
	}
	for i, s := range mono {
		for c := range ch {
			out[i*ch+c] = s
		}
	}
}

var _ audio.Output = (*Device)(nil)
