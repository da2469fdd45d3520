package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/julia-sam/pronunciation-app/internal/config"
)

// Client submits canonical audio to the remote pitch and forced-alignment
// services. Both operations are independent; callers may run them
// concurrently for different tracks.
type Client struct {
	cfg    config.AnalysisConfig
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg config.AnalysisConfig, log *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		logger: log.With(slog.String("component", "analysis")),
	}
}

// AnalyzePitch extracts the pitch series for canonical audio. Responses are
// untrusted: anything but a JSON array whose every element carries both a
// time and a frequency is reported as ReasonMalformed.
func (c *Client) AnalyzePitch(ctx context.Context, audio []byte, filename string) ([]PitchPoint, error) {
	if err := c.checkUpload(audio); err != nil {
		return nil, err
	}
	body, err := c.post(ctx, c.cfg.PitchEndpoint, audio, filename, nil)
	if err != nil {
		return nil, err
	}
	points, err := parsePitch(body)
	if err != nil {
		c.logger.Warn("malformed pitch response", slog.String("error", err.Error()))
		return nil, &Error{Reason: ReasonMalformed, Err: err}
	}
	return points, nil
}

// AlignTranscript maps transcript tokens to frame ranges in canonical audio.
// A blank transcript is rejected before any network call.
func (c *Client) AlignTranscript(ctx context.Context, audio []byte, filename, transcript string) ([]AlignmentToken, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, &ValidationError{Field: "transcript", Reason: "must not be empty"}
	}
	if err := c.checkUpload(audio); err != nil {
		return nil, err
	}
	fields := map[string]string{"transcript": transcript}
	body, err := c.post(ctx, c.cfg.AlignEndpoint, audio, filename, fields)
	if err != nil {
		return nil, err
	}
	tokens, err := parseAlignment(body)
	if err != nil {
		c.logger.Warn("malformed alignment response", slog.String("error", err.Error()))
		return nil, &Error{Reason: ReasonMalformed, Err: err}
	}
	return tokens, nil
}

func (c *Client) checkUpload(audio []byte) error {
	if len(audio) == 0 {
		return &ValidationError{Field: "audio", Reason: "must not be empty"}
	}
	if len(audio) > c.cfg.MaxUploadBytes {
		return &ValidationError{Field: "audio", Reason: fmt.Sprintf("exceeds %d bytes", c.cfg.MaxUploadBytes)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, audio []byte, filename string, fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return nil, &Error{Reason: ReasonTransport, Err: err}
	}
	if _, err := part.Write(audio); err != nil {
		return nil, &Error{Reason: ReasonTransport, Err: err}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, &Error{Reason: ReasonTransport, Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, &Error{Reason: ReasonTransport, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, &Error{Reason: ReasonTransport, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Reason: ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{
			Reason: ReasonHTTPStatus,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", strings.TrimSpace(string(detail))),
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Reason: ReasonTransport, Err: err}
	}
	return body, nil
}

type pitchWire struct {
	Time      *float64 `json:"time"`
	Frequency *float64 `json:"frequency"`
}

func parsePitch(body []byte) ([]PitchPoint, error) {
	var wire []pitchWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode pitch array: %w", err)
	}
	points := make([]PitchPoint, 0, len(wire))
	prev := -1.0
	for i, w := range wire {
		if w.Time == nil || w.Frequency == nil {
			return nil, fmt.Errorf("element %d missing time or frequency", i)
		}
		if *w.Time < 0 || *w.Frequency < 0 {
			return nil, fmt.Errorf("element %d has negative time or frequency", i)
		}
		// Validated, never re-sorted: out-of-order input is rejected.
		if *w.Time < prev {
			return nil, fmt.Errorf("element %d breaks time ordering", i)
		}
		prev = *w.Time
		points = append(points, PitchPoint{Time: *w.Time, Frequency: *w.Frequency})
	}
	return points, nil
}

type tokenWire struct {
	Token      *string  `json:"token"`
	StartFrame *int64   `json:"start_frame"`
	EndFrame   *int64   `json:"end_frame"`
	Score      *float64 `json:"score"`
}

func parseAlignment(body []byte) ([]AlignmentToken, error) {
	var wire []tokenWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode alignment array: %w", err)
	}
	tokens := make([]AlignmentToken, 0, len(wire))
	for i, w := range wire {
		if w.Token == nil || w.StartFrame == nil || w.EndFrame == nil || w.Score == nil {
			return nil, fmt.Errorf("element %d missing required field", i)
		}
		if *w.StartFrame < 0 || *w.EndFrame < *w.StartFrame {
			return nil, fmt.Errorf("element %d has invalid frame range", i)
		}
		tokens = append(tokens, AlignmentToken{
			Token:      *w.Token,
			StartFrame: *w.StartFrame,
			EndFrame:   *w.EndFrame,
			Score:      *w.Score,
		})
	}
	return tokens, nil
}
