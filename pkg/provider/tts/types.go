package tts

// VoiceProfile describes a voice offered by a synthesis channel.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier passed in [Request.Voice]
	// (e.g., "zh-CN-XiaoxiaoNeural").
	ID string `json:"id"`

	// Name is the human-readable voice name.
	Name string `json:"name"`

	// Provider identifies which channel this voice belongs to.
	Provider string `json:"provider"`

	// Locale is the BCP 47 language tag, when known.
	Locale string `json:"locale,omitempty"`

	// Gender as reported by the service, when known.
	Gender string `json:"gender,omitempty"`

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}
