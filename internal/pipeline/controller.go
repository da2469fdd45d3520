package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/julia-sam/pronunciation-app/internal/analysis"
	"github.com/julia-sam/pronunciation-app/internal/capture"
	"github.com/julia-sam/pronunciation-app/internal/journal"
	"github.com/julia-sam/pronunciation-app/internal/protocol"
	"github.com/julia-sam/pronunciation-app/internal/store"
	"github.com/julia-sam/pronunciation-app/internal/synth"
)

var (
	// ErrNotReady is returned when an operation needs a ready track.
	ErrNotReady = errors.New("track is not ready")
	// ErrCaptureActive is returned when a capture is already in progress.
	ErrCaptureActive = errors.New("capture already in progress")
	// ErrNoCapture is returned when stop is called with no capture running.
	ErrNoCapture = errors.New("no capture in progress")
	// ErrWrongTrack is returned when an operation targets the wrong track.
	ErrWrongTrack = errors.New("operation not available on this track")
)

// Transcoder converts encoded audio bytes to the canonical waveform format.
type Transcoder interface {
	Transcode(ctx context.Context, encoded []byte, hint string) ([]byte, error)
}

// Analyzer submits canonical audio to the remote analysis services.
type Analyzer interface {
	AnalyzePitch(ctx context.Context, audio []byte, filename string) ([]analysis.PitchPoint, error)
	AlignTranscript(ctx context.Context, audio []byte, filename, transcript string) ([]analysis.AlignmentToken, error)
}

// Deps are the collaborators a controller drives. The codec adapter, analysis
// client, result store and journal are shared between the two tracks; the
// synthesizer (reference) and mic session (user) are per-track.
type Deps struct {
	SessionID string
	Synth     synth.Synthesizer
	// RequireAPIKey rejects generation requests without a caller-supplied
	// key. Off for the mock synthesizer, which needs none.
	RequireAPIKey bool
	Mic           capture.MicSession
	MicFormat     string
	Codec         Transcoder
	Analyzer      Analyzer
	Store         *store.Store
	Journal       *journal.Journal
	Sink          EventSink
}

// Controller is the per-track pipeline state machine: capture/fetch →
// transcode → analyze → publish. One instance runs the reference track, one
// the user track; each accepts a single pipeline run at a time.
//
// Cancellation is logical: starting a new run bumps the run counter, and a
// superseded run's late completions are discarded instead of overwriting the
// newer run's state. Remote calls are never aborted mid-flight.
type Controller struct {
	track   store.Track
	deps    Deps
	logger  *slog.Logger
	metrics *pipelineMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	runSeq      uint64
	current     uint64
	alignSeq    uint64
	status      store.Status
	alignStatus store.AlignStatus
	capturing   bool
}

func NewController(parent context.Context, track store.Track, deps Deps, log *slog.Logger) *Controller {
	if deps.Sink == nil {
		deps.Sink = NopSink()
	}
	if deps.MicFormat == "" {
		deps.MicFormat = "wav"
	}
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		track:       track,
		deps:        deps,
		logger:      log.With(slog.String("component", "pipeline"), slog.String("track", string(track))),
		metrics:     newPipelineMetrics(),
		ctx:         ctx,
		cancel:      cancel,
		status:      store.StatusIdle,
		alignStatus: store.AlignNotAligned,
	}
}

// Close cancels the controller's context and waits for in-flight runs.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until all spawned pipeline work has finished.
func (c *Controller) Wait() { c.wg.Wait() }

// Generate synthesizes reference audio for text and runs it through the
// pipeline. Any in-flight run on this track is superseded immediately.
func (c *Controller) Generate(ctx context.Context, text, apiKey string) (uint64, error) {
	if c.track != store.TrackReference || c.deps.Synth == nil {
		return 0, fmt.Errorf("generate: %w", ErrWrongTrack)
	}
	if strings.TrimSpace(text) == "" {
		return 0, &analysis.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if c.deps.RequireAPIKey && strings.TrimSpace(apiKey) == "" {
		return 0, &analysis.ValidationError{Field: "api_key", Reason: "must not be empty"}
	}

	run := c.beginRun(store.StatusIdle)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		encoded, err := c.deps.Synth.Synthesize(c.ctx, text, apiKey)
		if err != nil {
			c.fail(run, "generation failed", err)
			return
		}
		c.process(run, encoded, "mp3")
	}()
	return run, nil
}

// StartCapture opens a live microphone session for the user track, clearing
// all prior artifacts before any new data exists.
func (c *Controller) StartCapture(ctx context.Context) (uint64, error) {
	if c.track != store.TrackUser || c.deps.Mic == nil {
		return 0, fmt.Errorf("start capture: %w", ErrWrongTrack)
	}
	// Claim the session in the same critical section as the check, so a
	// second start arriving while Mic.Start is still opening the device is
	// rejected instead of superseding the live session.
	c.mu.Lock()
	if c.capturing {
		c.mu.Unlock()
		return 0, ErrCaptureActive
	}
	c.capturing = true
	c.mu.Unlock()

	run := c.beginRun(store.StatusCapturing)
	if err := c.deps.Mic.Start(ctx); err != nil {
		c.mu.Lock()
		c.capturing = false
		c.mu.Unlock()
		if errors.Is(err, capture.ErrPermissionDenied) {
			c.fail(run, "microphone access denied", err)
		} else {
			c.fail(run, "could not start recording", err)
		}
		return run, err
	}
	return run, nil
}

// StopCapture finalizes the live session and processes the captured bytes. A
// stop that yields zero bytes returns the track to idle, reports
// capture.ErrNoAudioCaptured and processes nothing.
func (c *Controller) StopCapture(ctx context.Context) (uint64, error) {
	if c.track != store.TrackUser || c.deps.Mic == nil {
		return 0, fmt.Errorf("stop capture: %w", ErrWrongTrack)
	}
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return 0, ErrNoCapture
	}
	c.capturing = false
	run := c.current
	c.mu.Unlock()

	data, err := c.deps.Mic.Stop(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrNoAudioCaptured) {
			c.setStatus(run, store.StatusIdle, "")
			return run, err
		}
		c.fail(run, "recording failed", err)
		return run, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process(run, data, c.deps.MicFormat)
	}()
	return run, nil
}

// Align runs forced alignment against the track's current canonical audio.
// It never re-runs pitch analysis and never moves the track away from ready;
// only the alignment sub-state changes. A later call supersedes an earlier
// one still in flight.
func (c *Controller) Align(ctx context.Context, transcript string) (uint64, error) {
	if strings.TrimSpace(transcript) == "" {
		return 0, &analysis.ValidationError{Field: "transcript", Reason: "must not be empty"}
	}

	c.mu.Lock()
	if c.status != store.StatusReady {
		c.mu.Unlock()
		return 0, fmt.Errorf("align track %s: %w", c.track, ErrNotReady)
	}
	run := c.current
	c.alignSeq++
	seq := c.alignSeq
	c.alignStatus = store.AlignAligning
	c.deps.Store.SetAlignStatus(c.track, store.AlignAligning)
	evt := c.eventLocked(run, "")
	c.mu.Unlock()
	c.deliver(evt)

	audio, ok := c.deps.Store.Audio(c.track)
	if !ok {
		c.applyAlignment(run, seq, nil, fmt.Errorf("canonical audio missing"))
		return run, nil
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		tokens, err := c.deps.Analyzer.AlignTranscript(c.ctx, audio, c.filename(), transcript)
		c.applyAlignment(run, seq, tokens, err)
	}()
	return run, nil
}

// process drives transcode → pitch analysis → publish for one run. Stages
// execute strictly in order; every state write is fenced on the run id.
func (c *Controller) process(run uint64, encoded []byte, hint string) {
	if !c.setStatus(run, store.StatusTranscoding, "") {
		return
	}

	canonical, err := c.deps.Codec.Transcode(c.ctx, encoded, hint)
	if err != nil {
		c.fail(run, "audio conversion failed", err)
		return
	}
	if !c.setCanonical(run, canonical) {
		return
	}
	if !c.setStatus(run, store.StatusAnalyzing, "") {
		return
	}

	points, err := c.deps.Analyzer.AnalyzePitch(c.ctx, canonical, c.filename())
	if err != nil {
		// Pitch failures degrade to an empty series; the track still
		// reaches ready so alignment stays available.
		c.logger.Warn("pitch analysis degraded to empty result",
			slog.Uint64("run", run),
			slog.String("error", err.Error()))
		points = nil
	}
	c.setPitchReady(run, points)
}

func (c *Controller) beginRun(initial store.Status) uint64 {
	c.mu.Lock()
	c.runSeq++
	run := c.runSeq
	c.current = run
	c.status = initial
	c.alignStatus = store.AlignNotAligned
	c.deps.Store.BeginRun(c.track, run, initial)
	evt := c.eventLocked(run, "")
	c.mu.Unlock()

	c.metrics.add(c.ctx, c.metrics.runsStarted, string(c.track))
	c.deliver(evt)
	return run
}

func (c *Controller) setStatus(run uint64, status store.Status, message string) bool {
	c.mu.Lock()
	if run != c.current {
		c.mu.Unlock()
		c.dropStale(run)
		return false
	}
	c.status = status
	c.deps.Store.SetStatus(c.track, status, message)
	evt := c.eventLocked(run, message)
	c.mu.Unlock()
	c.deliver(evt)
	return true
}

func (c *Controller) setCanonical(run uint64, audio []byte) bool {
	c.mu.Lock()
	if run != c.current {
		c.mu.Unlock()
		c.dropStale(run)
		return false
	}
	c.deps.Store.SetCanonicalAudio(c.track, audio)
	c.mu.Unlock()
	return true
}

func (c *Controller) setPitchReady(run uint64, points []analysis.PitchPoint) {
	c.mu.Lock()
	if run != c.current {
		c.mu.Unlock()
		c.dropStale(run)
		return
	}
	c.status = store.StatusReady
	c.deps.Store.SetPitch(c.track, points)
	c.deps.Store.SetStatus(c.track, store.StatusReady, "")
	evt := c.eventLocked(run, "")
	c.mu.Unlock()
	c.deliver(evt)
}

func (c *Controller) applyAlignment(run, seq uint64, tokens []analysis.AlignmentToken, err error) {
	c.mu.Lock()
	if run != c.current || seq != c.alignSeq {
		c.mu.Unlock()
		c.dropStale(run)
		return
	}
	if err != nil {
		c.alignStatus = store.AlignFailed
		c.deps.Store.SetAlignStatus(c.track, store.AlignFailed)
	} else {
		c.alignStatus = store.AlignAligned
		c.deps.Store.SetAlignment(c.track, tokens)
	}
	evt := c.eventLocked(run, "")
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("forced alignment failed",
			slog.Uint64("run", run),
			slog.String("error", err.Error()))
	}
	c.deliver(evt)
}

func (c *Controller) fail(run uint64, message string, err error) {
	c.logger.Warn("pipeline run failed",
		slog.Uint64("run", run),
		slog.String("message", message),
		slog.String("error", err.Error()))
	if c.setStatus(run, store.StatusFailed, message) {
		c.metrics.add(c.ctx, c.metrics.runsFailed, string(c.track))
	}
}

func (c *Controller) dropStale(run uint64) {
	c.logger.Warn("dropping result from superseded run", slog.Uint64("run", run))
	c.metrics.add(c.ctx, c.metrics.staleDrops, string(c.track))
}

func (c *Controller) eventLocked(run uint64, message string) protocol.TrackEvent {
	return protocol.TrackEvent{
		SessionID:   c.deps.SessionID,
		Track:       string(c.track),
		Run:         run,
		Status:      string(c.status),
		AlignStatus: string(c.alignStatus),
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
}

func (c *Controller) deliver(evt protocol.TrackEvent) {
	c.deps.Sink.Publish(evt)
	if err := c.deps.Journal.Append(c.ctx, journal.Entry{
		SessionID:   evt.SessionID,
		Track:       evt.Track,
		Run:         evt.Run,
		Status:      evt.Status,
		AlignStatus: evt.AlignStatus,
		Detail:      evt.Message,
	}); err != nil {
		c.logger.Warn("journal append failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) filename() string {
	return string(c.track) + ".wav"
}
