package codec

import (
	"bytes"
	"fmt"

	"github.com/go-audio/wav"
)

const canonicalBitDepth = 16

// ValidateCanonical checks that b is a decodable WAV in the canonical format:
// PCM, configured sample rate and channel count, 16-bit, with at least one
// frame of audio. Downstream stages rely on this so they never branch on
// format.
func (a *Adapter) ValidateCanonical(b []byte) error {
	dec := wav.NewDecoder(bytes.NewReader(b))
	if !dec.IsValidFile() {
		return &Error{Op: "validate", Err: fmt.Errorf("not a valid WAV file")}
	}
	if dec.WavAudioFormat != 1 {
		return &Error{Op: "validate", Err: fmt.Errorf("audio format %d is not PCM", dec.WavAudioFormat)}
	}
	if int(dec.SampleRate) != a.cfg.SampleRate {
		return &Error{Op: "validate", Err: fmt.Errorf("sample rate %d, want %d", dec.SampleRate, a.cfg.SampleRate)}
	}
	if int(dec.NumChans) != a.cfg.Channels {
		return &Error{Op: "validate", Err: fmt.Errorf("%d channels, want %d", dec.NumChans, a.cfg.Channels)}
	}
	if dec.BitDepth != canonicalBitDepth {
		return &Error{Op: "validate", Err: fmt.Errorf("bit depth %d, want %d", dec.BitDepth, canonicalBitDepth)}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return &Error{Op: "validate", Err: fmt.Errorf("decode PCM: %w", err)}
	}
	if buf.NumFrames() == 0 {
		return &Error{Op: "validate", Err: fmt.Errorf("no audio frames")}
	}
	return nil
}
