package synth

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

type mockSynth struct {
	sampleRate int
}

// NewMockSynth returns a synthesizer producing a short sine-tone WAV, so the
// rest of the pipeline can run without an API key.
func NewMockSynth(sampleRate int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, text, apiKey string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	// Half a second of 440 Hz, length-independent of the text.
	frames := m.sampleRate / 2
	pcm := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(m.sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return wavBytes(pcm, m.sampleRate), nil
}

// wavBytes wraps mono 16-bit PCM in a minimal RIFF/WAVE container.
func wavBytes(pcm []byte, sampleRate int) []byte {
	const headerLen = 44
	buf := make([]byte, headerLen+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[headerLen:], pcm)
	return buf
}
