package null_test

import (
	"testing"
	"time"

	"github.com/MrWong99/speakloop/pkg/audio"
	"github.com/MrWong99/speakloop/pkg/audio/null"
)

func TestNew(t *testing.T) {
	t.Parallel()
	if _, err := null.New(0, 480); err == nil {
		t.Error("New(0) = nil error, want error")
	}
	d, err := null.New(24000, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.SampleRate() != 24000 {
		t.Errorf("SampleRate = %d, want 24000", d.SampleRate())
	}
}

func TestDevice_DrainsAtRealTime(t *testing.T) {
	t.Parallel()
	d, err := null.New(8000, 80) // 10ms blocks
	if err != nil {
		t.Fatal(err)
	}
	ring := audio.NewRing(8000)
	ring.Append(make([]float32, 400))

	if err := d.Start(ring); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(ring); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for ring.Consumed() < 400 {
		select {
		case <-deadline:
			t.Fatalf("consumed %d of 400 samples", ring.Consumed())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if got := d.Audible(); got != 400 {
		t.Errorf("Audible = %d, want 400", got)
	}
	if d.Played() < d.Audible() {
		t.Errorf("Played = %d < Audible = %d", d.Played(), d.Audible())
	}

	played := d.Played()
	time.Sleep(30 * time.Millisecond)
	if d.Played() != played {
		t.Error("device kept draining after Stop")
	}
}
