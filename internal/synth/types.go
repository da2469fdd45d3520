package synth

import "context"

// Synthesizer produces encoded reference audio for a piece of text. The API
// key is supplied per call by the user and passed through untouched.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, apiKey string) ([]byte, error)
}
