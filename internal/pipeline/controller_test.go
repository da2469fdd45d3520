package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/julia-sam/pronunciation-app/internal/analysis"
	"github.com/julia-sam/pronunciation-app/internal/capture"
	"github.com/julia-sam/pronunciation-app/internal/store"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type synthFunc func(ctx context.Context, text, apiKey string) ([]byte, error)

func (f synthFunc) Synthesize(ctx context.Context, text, apiKey string) ([]byte, error) {
	return f(ctx, text, apiKey)
}

func textSynth() synthFunc {
	return func(_ context.Context, text, _ string) ([]byte, error) {
		return []byte(text), nil
	}
}

type fakeCodec struct {
	err error
}

func (f *fakeCodec) Transcode(_ context.Context, encoded []byte, _ string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte("wav:"), encoded...), nil
}

type fakeAnalyzer struct {
	mu         sync.Mutex
	pitchCalls int
	alignCalls int

	pitchErr   error
	pitchEnter chan struct{} // closed when the gated call enters
	pitchGate  chan struct{} // gated call waits on this
	gatedCall  int           // which pitch call to gate (1-based)

	alignErr   error
	alignEnter chan struct{}
	alignGate  chan struct{}
	gatedAlign int
}

func (f *fakeAnalyzer) AnalyzePitch(_ context.Context, audio []byte, _ string) ([]analysis.PitchPoint, error) {
	f.mu.Lock()
	f.pitchCalls++
	call := f.pitchCalls
	f.mu.Unlock()
	if call == f.gatedCall {
		close(f.pitchEnter)
		<-f.pitchGate
	}
	if f.pitchErr != nil {
		return nil, f.pitchErr
	}
	// Frequency derived from the audio so tests can tell whose result landed.
	return []analysis.PitchPoint{{Time: 0, Frequency: float64(len(audio))}}, nil
}

func (f *fakeAnalyzer) AlignTranscript(_ context.Context, _ []byte, _, transcript string) ([]analysis.AlignmentToken, error) {
	f.mu.Lock()
	f.alignCalls++
	call := f.alignCalls
	f.mu.Unlock()
	if call == f.gatedAlign {
		close(f.alignEnter)
		<-f.alignGate
	}
	if f.alignErr != nil {
		return nil, f.alignErr
	}
	return []analysis.AlignmentToken{{Token: transcript, StartFrame: 0, EndFrame: 10, Score: float64(call)}}, nil
}

func (f *fakeAnalyzer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pitchCalls, f.alignCalls
}

type fakeMic struct {
	startErr error
	stopErr  error
	stopData []byte
}

func (m *fakeMic) Start(context.Context) error { return m.startErr }
func (m *fakeMic) Stop(context.Context) ([]byte, error) {
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return m.stopData, nil
}

func newReference(t *testing.T, s *store.Store, an *fakeAnalyzer, cd *fakeCodec) *Controller {
	t.Helper()
	c := NewController(context.Background(), store.TrackReference, Deps{
		SessionID:     "test-session",
		Synth:         textSynth(),
		RequireAPIKey: true,
		Codec:         cd,
		Analyzer:      an,
		Store:         s,
	}, newLogger())
	t.Cleanup(c.Close)
	return c
}

func newUser(t *testing.T, s *store.Store, an *fakeAnalyzer, cd *fakeCodec, mic capture.MicSession) *Controller {
	t.Helper()
	c := NewController(context.Background(), store.TrackUser, Deps{
		SessionID: "test-session",
		Mic:       mic,
		Codec:     cd,
		Analyzer:  an,
		Store:     s,
	}, newLogger())
	t.Cleanup(c.Close)
	return c
}

func TestGenerateReachesReady(t *testing.T) {
	s := store.New()
	c := newReference(t, s, &fakeAnalyzer{}, &fakeCodec{})

	run, err := c.Generate(context.Background(), "hello", "sk-test")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c.Wait()

	snap := s.Get(store.TrackReference)
	if snap.Status != store.StatusReady || snap.Run != run {
		t.Fatalf("expected ready run %d, got %+v", run, snap)
	}
	if !snap.AudioAvailable {
		t.Fatal("expected canonical audio published")
	}
	if len(snap.Pitch) != 1 || snap.Pitch[0].Frequency != float64(len("wav:hello")) {
		t.Fatalf("unexpected pitch series: %+v", snap.Pitch)
	}
	if snap.AlignStatus != store.AlignNotAligned {
		t.Fatalf("expected not_aligned, got %s", snap.AlignStatus)
	}
}

func TestGenerateValidation(t *testing.T) {
	s := store.New()
	c := newReference(t, s, &fakeAnalyzer{}, &fakeCodec{})

	var verr *analysis.ValidationError
	if _, err := c.Generate(context.Background(), "  ", "sk-test"); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for blank text, got %v", err)
	}
	if _, err := c.Generate(context.Background(), "hello", ""); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for blank key, got %v", err)
	}
	if snap := s.Get(store.TrackReference); snap.Status != store.StatusIdle || snap.Run != 0 {
		t.Fatalf("expected no state change, got %+v", snap)
	}
}

func TestSecondGenerateSupersedesFirst(t *testing.T) {
	s := store.New()
	an := &fakeAnalyzer{
		gatedCall:  1,
		pitchEnter: make(chan struct{}),
		pitchGate:  make(chan struct{}),
	}
	c := newReference(t, s, an, &fakeCodec{})

	if _, err := c.Generate(context.Background(), "hello", "sk-test"); err != nil {
		t.Fatalf("generate hello: %v", err)
	}
	<-an.pitchEnter // first run is now stuck inside pitch analysis

	run2, err := c.Generate(context.Background(), "world-is-longer", "sk-test")
	if err != nil {
		t.Fatalf("generate world: %v", err)
	}

	// Let the first run's analysis resolve late; its result must be dropped.
	close(an.pitchGate)
	c.Wait()

	snap := s.Get(store.TrackReference)
	if snap.Run != run2 || snap.Status != store.StatusReady {
		t.Fatalf("expected run %d ready, got %+v", run2, snap)
	}
	want := float64(len("wav:world-is-longer"))
	if len(snap.Pitch) != 1 || snap.Pitch[0].Frequency != want {
		t.Fatalf("expected second run's pitch (%v), got %+v", want, snap.Pitch)
	}
}

func TestStartCaptureClearsPriorResults(t *testing.T) {
	s := store.New()
	mic := &fakeMic{stopData: []byte("take-one")}
	c := newUser(t, s, &fakeAnalyzer{}, &fakeCodec{}, mic)

	if _, err := c.StartCapture(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.StopCapture(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	c.Wait()
	if snap := s.Get(store.TrackUser); snap.Status != store.StatusReady || len(snap.Pitch) == 0 {
		t.Fatalf("expected first take ready, got %+v", snap)
	}

	// Prior series must be gone immediately on the next start, before any
	// new data exists.
	if _, err := c.StartCapture(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	snap := s.Get(store.TrackUser)
	if snap.Status != store.StatusCapturing {
		t.Fatalf("expected capturing, got %s", snap.Status)
	}
	if len(snap.Pitch) != 0 || len(snap.Alignment) != 0 || snap.AudioAvailable {
		t.Fatalf("expected stale artifacts cleared, got %+v", snap)
	}

	if _, err := c.StopCapture(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	c.Wait()
}

type blockingMic struct {
	entered chan struct{} // closed when Start is inside the device open
	release chan struct{} // Start returns once this closes
	data    []byte
}

func (m *blockingMic) Start(context.Context) error {
	close(m.entered)
	<-m.release
	return nil
}

func (m *blockingMic) Stop(context.Context) ([]byte, error) { return m.data, nil }

func TestStartCaptureWhileDeviceOpeningIsRejected(t *testing.T) {
	s := store.New()
	mic := &blockingMic{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		data:    []byte("take"),
	}
	c := newUser(t, s, &fakeAnalyzer{}, &fakeCodec{}, mic)

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.StartCapture(context.Background())
		firstErr <- err
	}()
	<-mic.entered // first start is now stuck opening the device

	if _, err := c.StartCapture(context.Background()); !errors.Is(err, ErrCaptureActive) {
		t.Fatalf("expected ErrCaptureActive, got %v", err)
	}
	snap := s.Get(store.TrackUser)
	if snap.Status != store.StatusCapturing || snap.Run != 1 {
		t.Fatalf("rejected start must not touch the live run, got %+v", snap)
	}

	close(mic.release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := c.StopCapture(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	c.Wait()
	if snap := s.Get(store.TrackUser); snap.Status != store.StatusReady {
		t.Fatalf("expected the original session to complete, got %+v", snap)
	}
}

func TestStopWithZeroBytesReturnsToIdle(t *testing.T) {
	s := store.New()
	mic := &fakeMic{stopErr: capture.ErrNoAudioCaptured}
	an := &fakeAnalyzer{}
	c := newUser(t, s, an, &fakeCodec{}, mic)

	if _, err := c.StartCapture(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.StopCapture(context.Background()); !errors.Is(err, capture.ErrNoAudioCaptured) {
		t.Fatalf("expected ErrNoAudioCaptured, got %v", err)
	}
	c.Wait()

	if snap := s.Get(store.TrackUser); snap.Status != store.StatusIdle {
		t.Fatalf("expected idle after empty capture, got %s", snap.Status)
	}
	if pitch, _ := an.counts(); pitch != 0 {
		t.Fatalf("expected no analysis for empty capture, got %d calls", pitch)
	}
}

func TestPermissionDeniedFailsOnlyUserTrack(t *testing.T) {
	s := store.New()
	mic := &fakeMic{startErr: fmt.Errorf("open device: %w", capture.ErrPermissionDenied)}
	c := newUser(t, s, &fakeAnalyzer{}, &fakeCodec{}, mic)

	if _, err := c.StartCapture(context.Background()); !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("expected permission denial, got %v", err)
	}
	if snap := s.Get(store.TrackUser); snap.Status != store.StatusFailed || snap.Message != "microphone access denied" {
		t.Fatalf("expected failed user track, got %+v", snap)
	}
	if snap := s.Get(store.TrackReference); snap.Status != store.StatusIdle {
		t.Fatalf("expected reference untouched, got %+v", snap)
	}

	// The failed open must release the session so a retry can proceed.
	mic.startErr = nil
	if _, err := c.StartCapture(context.Background()); err != nil {
		t.Fatalf("retry after denial: %v", err)
	}
	if _, err := c.StopCapture(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	c.Wait()
}

func TestCodecErrorFailsTrack(t *testing.T) {
	s := store.New()
	c := newReference(t, s, &fakeAnalyzer{}, &fakeCodec{err: fmt.Errorf("unsupported input")})

	if _, err := c.Generate(context.Background(), "hello", "sk-test"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	c.Wait()

	snap := s.Get(store.TrackReference)
	if snap.Status != store.StatusFailed || snap.Message != "audio conversion failed" {
		t.Fatalf("expected conversion failure, got %+v", snap)
	}
	if snap.AudioAvailable {
		t.Fatal("expected canonical audio left unset")
	}
}

func TestPitchFailureDegradesToEmptyReady(t *testing.T) {
	s := store.New()
	an := &fakeAnalyzer{pitchErr: &analysis.Error{Reason: analysis.ReasonMalformed, Err: fmt.Errorf("missing frequency")}}
	c := newReference(t, s, an, &fakeCodec{})

	if _, err := c.Generate(context.Background(), "hello", "sk-test"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	c.Wait()

	snap := s.Get(store.TrackReference)
	if snap.Status != store.StatusReady {
		t.Fatalf("expected ready despite malformed pitch, got %s", snap.Status)
	}
	if len(snap.Pitch) != 0 {
		t.Fatalf("expected empty pitch series, got %+v", snap.Pitch)
	}
}

func readyReference(t *testing.T, s *store.Store, an *fakeAnalyzer) *Controller {
	t.Helper()
	c := newReference(t, s, an, &fakeCodec{})
	if _, err := c.Generate(context.Background(), "hello", "sk-test"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	c.Wait()
	return c
}

func TestAlignBlankTranscriptRejectedWithoutStateChange(t *testing.T) {
	s := store.New()
	an := &fakeAnalyzer{}
	c := readyReference(t, s, an)

	var verr *analysis.ValidationError
	if _, err := c.Align(context.Background(), "   "); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, aligns := an.counts(); aligns != 0 {
		t.Fatalf("expected zero alignment calls, got %d", aligns)
	}
	snap := s.Get(store.TrackReference)
	if snap.Status != store.StatusReady || snap.AlignStatus != store.AlignNotAligned {
		t.Fatalf("expected untouched state, got %+v", snap)
	}
}

func TestAlignNotReadyRejected(t *testing.T) {
	s := store.New()
	c := newReference(t, s, &fakeAnalyzer{}, &fakeCodec{})
	if _, err := c.Align(context.Background(), "hello"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestAlignSuccessAndFailureKeepTrackReady(t *testing.T) {
	s := store.New()
	an := &fakeAnalyzer{}
	c := readyReference(t, s, an)

	if _, err := c.Align(context.Background(), "hello"); err != nil {
		t.Fatalf("align: %v", err)
	}
	c.Wait()
	snap := s.Get(store.TrackReference)
	if snap.AlignStatus != store.AlignAligned || len(snap.Alignment) != 1 {
		t.Fatalf("expected aligned, got %+v", snap)
	}
	if snap.Status != store.StatusReady {
		t.Fatalf("alignment must not move status, got %s", snap.Status)
	}

	an.alignErr = &analysis.Error{Reason: analysis.ReasonTransport, Err: fmt.Errorf("timeout")}
	if _, err := c.Align(context.Background(), "hello"); err != nil {
		t.Fatalf("align: %v", err)
	}
	c.Wait()
	snap = s.Get(store.TrackReference)
	if snap.AlignStatus != store.AlignFailed {
		t.Fatalf("expected alignment_failed, got %s", snap.AlignStatus)
	}
	if snap.Status != store.StatusReady || len(snap.Pitch) == 0 {
		t.Fatalf("alignment failure must not disturb pitch/ready, got %+v", snap)
	}
}

func TestLaterAlignmentCallIsRetained(t *testing.T) {
	s := store.New()
	an := &fakeAnalyzer{
		gatedAlign: 1,
		alignEnter: make(chan struct{}),
		alignGate:  make(chan struct{}),
	}
	c := readyReference(t, s, an)

	if _, err := c.Align(context.Background(), "hello"); err != nil {
		t.Fatalf("first align: %v", err)
	}
	<-an.alignEnter // first alignment stuck in flight

	if _, err := c.Align(context.Background(), "hello"); err != nil {
		t.Fatalf("second align: %v", err)
	}
	close(an.alignGate)
	c.Wait()

	snap := s.Get(store.TrackReference)
	if snap.AlignStatus != store.AlignAligned || len(snap.Alignment) != 1 {
		t.Fatalf("expected aligned, got %+v", snap)
	}
	// Score carries the analyzer call number; the second call must win even
	// though the first resolves later.
	if snap.Alignment[0].Score != 2 {
		t.Fatalf("expected second call's result retained, got %+v", snap.Alignment)
	}
}

func TestTracksRunIndependently(t *testing.T) {
	s := store.New()
	cd := &fakeCodec{}
	ref := newReference(t, s, &fakeAnalyzer{}, cd)
	user := newUser(t, s, &fakeAnalyzer{}, cd, &fakeMic{stopData: []byte("mic")})

	if _, err := ref.Generate(context.Background(), "hello", "sk-test"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := user.StartCapture(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := user.StopCapture(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ref.Wait()
	user.Wait()

	if snap := s.Get(store.TrackReference); snap.Status != store.StatusReady {
		t.Fatalf("reference not ready: %+v", snap)
	}
	if snap := s.Get(store.TrackUser); snap.Status != store.StatusReady {
		t.Fatalf("user not ready: %+v", snap)
	}
}
