package tts

import "context"

// AudioRef locates a synthesized utterance the client can fetch
type AudioRef struct {
	FileName string
	URL      string
}

// Synthesizer converts one utterance to a playable audio asset
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (AudioRef, error)
}
