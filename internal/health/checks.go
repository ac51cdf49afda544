package health

import (
	"context"
	"errors"
	"fmt"
)

// Pinger is implemented by dependencies that can prove they are reachable,
// such as the websocket synthesis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a checker that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}

// Connection reports whether a long-lived client such as the NATS publisher
// is currently connected.
type Connection interface {
	IsConnected() bool
}

// Connected returns an optional checker that reports "degraded" while c is
// disconnected.
func Connected(name string, c Connection) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if !c.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
}

// DeviceState reports the last error seen from the audio output, if any.
type DeviceState interface {
	DeviceErr() error
}

// Device returns a checker that fails while the audio output is in error.
func Device(name string, d DeviceState) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if err := d.DeviceErr(); err != nil {
				return fmt.Errorf("audio output: %w", err)
			}
			return nil
		},
	}
}
