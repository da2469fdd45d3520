package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/julia-sam/pronunciation-app/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecRecorder runs a configurable recorder command (ffmpeg, arecord, ...)
// that writes encoded audio to stdout until interrupted.
type ExecRecorder struct {
	args   []string
	format string
	logger *slog.Logger

	mu   sync.Mutex
	proc *exec.Cmd
	buf  *bytes.Buffer
}

func NewExecRecorder(cfg config.CaptureConfig, log *slog.Logger) (*ExecRecorder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command empty")
	}
	return &ExecRecorder{
		args:   args,
		format: "wav",
		logger: log.With(slog.String("component", "capture")),
	}, nil
}

// Format returns the container format the recorder command produces.
func (r *ExecRecorder) Format() string { return r.format }

func (r *ExecRecorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil {
		return fmt.Errorf("capture already in progress")
	}

	buf := &bytes.Buffer{}
	cmd := exec.Command(r.args[0], r.args[1:]...)
	cmd.Stdout = buf

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("start recorder: %w", ErrPermissionDenied)
		}
		return fmt.Errorf("start recorder: %w", err)
	}

	r.proc = cmd
	r.buf = buf
	r.logger.Info("capture started", slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (r *ExecRecorder) Stop(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	proc, buf := r.proc, r.buf
	r.proc, r.buf = nil, nil
	r.mu.Unlock()

	if proc == nil {
		return nil, fmt.Errorf("no capture in progress")
	}

	// Interrupt lets the recorder finalize its container before exiting.
	if err := proc.Process.Signal(os.Interrupt); err != nil {
		_ = proc.Process.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()
	select {
	case <-done:
		// A signal exit is the expected way for the recorder to stop.
	case <-ctx.Done():
		_ = proc.Process.Kill()
		<-done
	}

	data := buf.Bytes()
	r.logger.Info("capture stopped", slog.Int("bytes", len(data)))
	if len(data) == 0 {
		return nil, ErrNoAudioCaptured
	}
	return data, nil
}
