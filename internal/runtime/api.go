package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/julia-sam/pronunciation-app/internal/analysis"
	"github.com/julia-sam/pronunciation-app/internal/capture"
	"github.com/julia-sam/pronunciation-app/internal/journal"
	"github.com/julia-sam/pronunciation-app/internal/pipeline"
	"github.com/julia-sam/pronunciation-app/internal/store"
)

// api exposes the two pipeline controllers over HTTP. Mutating endpoints
// return 202 with the run id they started; results are observed through the
// track snapshot endpoint (or pushed over the bus when enabled).
type api struct {
	store   *store.Store
	ref     *pipeline.Controller
	user    *pipeline.Controller
	journal *journal.Journal
	logger  *slog.Logger
}

func newAPI(s *store.Store, ref, user *pipeline.Controller, jnl *journal.Journal, logger *slog.Logger) *api {
	return &api{store: s, ref: ref, user: user, journal: jnl, logger: logger.With(slog.String("component", "api"))}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/reference/generate", a.handleGenerate)
	mux.HandleFunc("POST /api/user/capture/start", a.handleCaptureStart)
	mux.HandleFunc("POST /api/user/capture/stop", a.handleCaptureStop)
	mux.HandleFunc("POST /api/tracks/{track}/align", a.handleAlign)
	mux.HandleFunc("GET /api/tracks/{track}", a.handleSnapshot)
	mux.HandleFunc("GET /api/tracks/{track}/audio", a.handleAudio)
	mux.HandleFunc("GET /api/tracks/{track}/journal", a.handleJournal)
}

type generateRequest struct {
	Text   string `json:"text"`
	APIKey string `json:"api_key"`
}

type alignRequest struct {
	Transcript string `json:"transcript"`
}

type runResponse struct {
	Track string `json:"track"`
	Run   uint64 `json:"run"`
}

type stopResponse struct {
	Track   string `json:"track"`
	Run     uint64 `json:"run"`
	NoAudio bool   `json:"no_audio"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	run, err := a.ref.Generate(r.Context(), req.Text, req.APIKey)
	if err != nil {
		a.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{Track: string(store.TrackReference), Run: run})
}

func (a *api) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	run, err := a.user.StartCapture(r.Context())
	if err != nil {
		a.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{Track: string(store.TrackUser), Run: run})
}

func (a *api) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	run, err := a.user.StopCapture(r.Context())
	if err != nil {
		// An empty take is not a failure; the track is already back to idle.
		if errors.Is(err, capture.ErrNoAudioCaptured) {
			writeJSON(w, http.StatusOK, stopResponse{Track: string(store.TrackUser), Run: run, NoAudio: true})
			return
		}
		a.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{Track: string(store.TrackUser), Run: run})
}

func (a *api) handleAlign(w http.ResponseWriter, r *http.Request) {
	ctrl, track, ok := a.controllerFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown track")
		return
	}
	var req alignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	run, err := ctrl.Align(r.Context(), req.Transcript)
	if err != nil {
		a.writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{Track: string(track), Run: run})
}

func (a *api) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	_, track, ok := a.controllerFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown track")
		return
	}
	writeJSON(w, http.StatusOK, a.store.Get(track))
}

func (a *api) handleAudio(w http.ResponseWriter, r *http.Request) {
	_, track, ok := a.controllerFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown track")
		return
	}
	audio, ok := a.store.Audio(track)
	if !ok {
		writeError(w, http.StatusNotFound, "no canonical audio for track")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

// handleJournal exposes recorded transitions for a track. With the journal in
// ephemeral mode the list is always empty.
func (a *api) handleJournal(w http.ResponseWriter, r *http.Request) {
	_, track, ok := a.controllerFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown track")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.journal.ListTrack(r.Context(), string(track), limit)
	if err != nil {
		a.logger.Error("journal list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) controllerFor(r *http.Request) (*pipeline.Controller, store.Track, bool) {
	track := store.Track(r.PathValue("track"))
	switch track {
	case store.TrackReference:
		return a.ref, track, true
	case store.TrackUser:
		return a.user, track, true
	default:
		return nil, track, false
	}
}

func (a *api) writeControllerError(w http.ResponseWriter, err error) {
	var verr *analysis.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, pipeline.ErrNotReady),
		errors.Is(err, pipeline.ErrCaptureActive),
		errors.Is(err, pipeline.ErrNoCapture):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, capture.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "microphone access denied")
	default:
		a.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
