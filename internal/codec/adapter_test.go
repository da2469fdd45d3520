package codec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/julia-sam/pronunciation-app/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.CodecConfig {
	return config.CodecConfig{Binary: "ffmpeg", SampleRate: 16000, Channels: 1, TimeoutMS: 5000}
}

func encodeWAV(t *testing.T, sampleRate, channels, frames int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           make([]int, frames*channels),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = (i%64 - 32) * 256
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func TestValidateCanonicalAccepts(t *testing.T) {
	a := NewAdapter(testConfig(), newLogger())
	if err := a.ValidateCanonical(encodeWAV(t, 16000, 1, 1600)); err != nil {
		t.Fatalf("expected canonical wav to validate, got %v", err)
	}
}

func TestValidateCanonicalRejectsWrongRate(t *testing.T) {
	a := NewAdapter(testConfig(), newLogger())
	err := a.ValidateCanonical(encodeWAV(t, 22050, 1, 1600))
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected codec error, got %v", err)
	}
}

func TestValidateCanonicalRejectsGarbage(t *testing.T) {
	a := NewAdapter(testConfig(), newLogger())
	if err := a.ValidateCanonical([]byte("definitely not audio")); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestTranscodeProducesCanonicalWAV(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	cfg := testConfig()
	cfg.TimeoutMS = 30000
	a := NewAdapter(cfg, newLogger())

	// 0.1 s of 44.1 kHz stereo input, downmixed and resampled to canonical.
	src := encodeWAV(t, 44100, 2, 4410)
	out, err := a.Transcode(context.Background(), src, "wav")
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}

	dec := wav.NewDecoder(bytes.NewReader(out))
	if !dec.IsValidFile() {
		t.Fatal("expected valid WAV output")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("expected 16kHz mono s16le, got rate=%d chans=%d depth=%d",
			dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
}

func TestTranscodeMissingEngine(t *testing.T) {
	cfg := testConfig()
	cfg.Binary = "no-such-codec-engine"
	a := NewAdapter(cfg, newLogger())

	_, err := a.Transcode(context.Background(), []byte("audio"), "mp3")
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected codec error, got %v", err)
	}
	if cerr.Op != "init" {
		t.Fatalf("expected init failure, got op %q", cerr.Op)
	}

	// The probe result is cached; a second call must fail the same way
	// without re-initializing.
	_, err = a.Transcode(context.Background(), []byte("audio"), "mp3")
	if !errors.As(err, &cerr) || cerr.Op != "init" {
		t.Fatalf("expected cached init failure, got %v", err)
	}
}

func TestEnsureEngineSharedAcrossCallers(t *testing.T) {
	cfg := testConfig()
	cfg.Binary = "no-such-codec-engine"
	a := NewAdapter(cfg, newLogger())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = a.ensureEngine(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d: expected init error", i)
		}
	}
}
