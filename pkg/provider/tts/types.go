package tts

// Voice selects the synthesis voice for one request.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Language is the language code the text is written in. Providers may
	// use it to pick a multilingual model.
	Language string
}

// Audio is the synthesized output.
type Audio struct {
	// PCM is raw signed 16-bit little-endian mono audio.
	PCM []byte

	// SampleRate is the sample rate of PCM in Hz.
	SampleRate int
}
