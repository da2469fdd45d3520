package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/julia-sam/pronunciation-app/internal/config"
)

type httpSynth struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

type synthRequest struct {
	Text   string `json:"text"`
	APIKey string `json:"api_key"`
}

// NewHTTPSynth talks to the remote text-to-speech service, which returns
// encoded audio bytes (audio/mpeg) on success.
func NewHTTPSynth(cfg config.SynthesisConfig, log *slog.Logger) Synthesizer {
	return &httpSynth{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		logger:   log.With(slog.String("component", "synth")),
	}
}

func (s *httpSynth) Synthesize(ctx context.Context, text, apiKey string) ([]byte, error) {
	body, err := json.Marshal(synthRequest{Text: text, APIKey: apiKey})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("synthesis returned status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesis returned no audio")
	}

	s.logger.Info("synthesis complete",
		slog.Int("text_chars", len(text)),
		slog.Int("audio_bytes", len(audio)),
		slog.Duration("took", time.Since(start)))
	return audio, nil
}
