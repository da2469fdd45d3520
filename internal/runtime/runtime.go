package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/julia-sam/pronunciation-app/internal/analysis"
	"github.com/julia-sam/pronunciation-app/internal/bus"
	"github.com/julia-sam/pronunciation-app/internal/capture"
	"github.com/julia-sam/pronunciation-app/internal/codec"
	"github.com/julia-sam/pronunciation-app/internal/config"
	"github.com/julia-sam/pronunciation-app/internal/journal"
	"github.com/julia-sam/pronunciation-app/internal/natsserver"
	"github.com/julia-sam/pronunciation-app/internal/pipeline"
	"github.com/julia-sam/pronunciation-app/internal/store"
	"github.com/julia-sam/pronunciation-app/internal/synth"
)

// Runtime owns the process lifecycle: telemetry, the optional status bus, the
// transition journal, the two pipeline controllers and the HTTP surface.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	bus           *bus.Client
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires the service together and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	var busClient *bus.Client
	sink := pipeline.NopSink()
	if r.cfg.Bus.Enabled {
		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer busClient.Close()
		sink = pipeline.NewBusSink(busClient, r.logger)
	}
	r.bus = busClient

	jnl, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = jnl.Close() }()

	mic, err := capture.NewExecRecorder(r.cfg.Capture, r.logger)
	if err != nil {
		return fmt.Errorf("failed to configure capture: %w", err)
	}

	var synthesizer synth.Synthesizer
	requireKey := false
	switch r.cfg.Synthesis.Mode {
	case "mock":
		synthesizer = synth.NewMockSynth(r.cfg.Codec.SampleRate)
	default:
		synthesizer = synth.NewHTTPSynth(r.cfg.Synthesis, r.logger)
		requireKey = true
	}

	sessionID := uuid.NewString()
	results := store.New()
	transcoder := codec.NewAdapter(r.cfg.Codec, r.logger)
	analyzer := analysis.NewClient(r.cfg.Analysis, r.logger)

	ref := pipeline.NewController(ctx, store.TrackReference, pipeline.Deps{
		SessionID:     sessionID,
		Synth:         synthesizer,
		RequireAPIKey: requireKey,
		Codec:         transcoder,
		Analyzer:      analyzer,
		Store:         results,
		Journal:       jnl,
		Sink:          sink,
	}, r.logger)
	defer ref.Close()

	user := pipeline.NewController(ctx, store.TrackUser, pipeline.Deps{
		SessionID: sessionID,
		Mic:       mic,
		MicFormat: mic.Format(),
		Codec:     transcoder,
		Analyzer:  analyzer,
		Store:     results,
		Journal:   jnl,
		Sink:      sink,
	}, r.logger)
	defer user.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	newAPI(results, ref, user, jnl, r.logger).register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if tel.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("session_id", sessionID),
		slog.String("synthesis_mode", r.cfg.Synthesis.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	ref.Wait()
	user.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
