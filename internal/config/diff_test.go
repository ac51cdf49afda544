package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/speakloop/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	d := config.Diff(cfg, mustLoad(t, sampleYAML))
	if !d.Empty() {
		t.Errorf("Diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_HotReloadableFields(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, "server:\n  log_level: info\n")
	new := mustLoad(t, "server:\n  log_level: warn\nsynthesis:\n  voice: zh-CN-YunjianNeural\n")

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.VoiceChanged || d.NewVoice != "zh-CN-YunjianNeural" {
		t.Errorf("voice diff = %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, "")
	new := mustLoad(t, "")
	new.Server.ListenAddr = ":9999"
	new.Audio.BufferAhead = time.Second
	new.Synthesis.Fallbacks = []config.ProviderEntry{{Name: "coqui", BaseURL: "http://x"}}
	new.Events.NATS.URL = "nats://localhost:4222"
	new.History.Path = "data/turns.db"

	d := config.Diff(old, new)
	for _, section := range []string{"server", "synthesis", "audio", "events", "history"} {
		if !slices.Contains(d.RestartRequired, section) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, section)
		}
	}
	if slices.Contains(d.RestartRequired, "llm") {
		t.Errorf("RestartRequired = %v, llm did not change", d.RestartRequired)
	}
	if d.LogLevelChanged || d.VoiceChanged {
		t.Errorf("unexpected hot-reload changes: %+v", d)
	}
}
