package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level and the default voice are applied at runtime; every other
// change is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     string

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Synthesis.Voice != new.Synthesis.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Synthesis.Voice
	}

	// Compare the rest with the hot-reloadable fields masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""
	o.Synthesis.Voice, n.Synthesis.Voice = "", ""

	if !reflect.DeepEqual(o.Server, n.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(o.Synthesis, n.Synthesis) {
		d.RestartRequired = append(d.RestartRequired, "synthesis")
	}
	if !reflect.DeepEqual(o.Audio, n.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !reflect.DeepEqual(o.LLM, n.LLM) {
		d.RestartRequired = append(d.RestartRequired, "llm")
	}
	if !reflect.DeepEqual(o.Events, n.Events) {
		d.RestartRequired = append(d.RestartRequired, "events")
	}
	if o.History != n.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	if !reflect.DeepEqual(o.Observability, n.Observability) {
		d.RestartRequired = append(d.RestartRequired, "observability")
	}
	return d
}
