package codec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julia-sam/pronunciation-app/internal/config"
)

// Error reports an engine initialization or transcode failure. A track that
// hits one must be re-captured or re-generated; there is no automatic retry.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("codec %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Adapter converts arbitrary encoded audio into the canonical waveform format
// (WAV, PCM s16le, mono, 16 kHz by default) by shelling out to ffmpeg. The
// engine probe runs once on first use; both tracks share one adapter and a
// late caller waits on the in-flight probe instead of re-initializing.
type Adapter struct {
	cfg    config.CodecConfig
	logger *slog.Logger

	initOnce sync.Once
	initDone chan struct{}
	initErr  error
	binPath  string
}

func NewAdapter(cfg config.CodecConfig, log *slog.Logger) *Adapter {
	return &Adapter{
		cfg:      cfg,
		logger:   log.With(slog.String("component", "codec")),
		initDone: make(chan struct{}),
	}
}

func (a *Adapter) ensureEngine(ctx context.Context) error {
	a.initOnce.Do(func() {
		go func() {
			defer close(a.initDone)
			start := time.Now()
			a.binPath, a.initErr = a.probe()
			if a.initErr != nil {
				a.logger.Error("engine initialization failed",
					slog.String("binary", a.cfg.Binary),
					slog.String("error", a.initErr.Error()))
				return
			}
			a.logger.Info("engine initialized",
				slog.String("binary", a.binPath),
				slog.Duration("took", time.Since(start)))
		}()
	})
	select {
	case <-a.initDone:
		if a.initErr != nil {
			return &Error{Op: "init", Err: a.initErr}
		}
		return nil
	case <-ctx.Done():
		return &Error{Op: "init", Err: ctx.Err()}
	}
}

func (a *Adapter) probe() (string, error) {
	path, err := exec.LookPath(a.cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("engine binary not found: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "-version").Run(); err != nil {
		return "", fmt.Errorf("engine probe: %w", err)
	}
	return path, nil
}

// Transcode converts encoded audio bytes into canonical WAV bytes. hint is the
// source container/codec name (e.g. "mp3", "webm"); it only picks the input
// file extension, ffmpeg still sniffs the real format.
func (a *Adapter) Transcode(ctx context.Context, encoded []byte, hint string) ([]byte, error) {
	if err := a.ensureEngine(ctx); err != nil {
		return nil, err
	}
	if len(encoded) == 0 {
		return nil, &Error{Op: "transcode", Err: fmt.Errorf("empty input")}
	}

	dir, err := os.MkdirTemp("", "pron-codec-*")
	if err != nil {
		return nil, &Error{Op: "transcode", Err: err}
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input"+extForHint(hint))
	out := filepath.Join(dir, "canonical.wav")
	if err := os.WriteFile(in, encoded, 0o600); err != nil {
		return nil, &Error{Op: "transcode", Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.binPath,
		"-i", in,
		"-ar", strconv.Itoa(a.cfg.SampleRate),
		"-ac", strconv.Itoa(a.cfg.Channels),
		"-c:a", "pcm_s16le",
		"-loglevel", "error",
		out,
		"-y",
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		detail := strings.TrimSpace(string(output))
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
		return nil, &Error{Op: "transcode", Err: err}
	}

	canonical, err := os.ReadFile(out)
	if err != nil {
		return nil, &Error{Op: "transcode", Err: err}
	}
	if err := a.ValidateCanonical(canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

func extForHint(hint string) string {
	hint = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(hint)), ".")
	if hint == "" {
		return ".mp3"
	}
	return "." + hint
}
