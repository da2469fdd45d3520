package store

import (
	"sync"

	"github.com/julia-sam/pronunciation-app/internal/analysis"
)

// Track identifies one of the two pipelines.
type Track string

const (
	TrackReference Track = "reference"
	TrackUser      Track = "user"
)

// Valid reports whether t names a known track.
func (t Track) Valid() bool { return t == TrackReference || t == TrackUser }

// Status is the main pipeline state of a track.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusCapturing   Status = "capturing"
	StatusTranscoding Status = "transcoding"
	StatusAnalyzing   Status = "analyzing"
	StatusReady       Status = "ready"
	StatusFailed      Status = "failed"
)

// AlignStatus is the forced-alignment sub-state, orthogonal to Status once a
// track is ready.
type AlignStatus string

const (
	AlignNotAligned AlignStatus = "not_aligned"
	AlignAligning   AlignStatus = "aligning"
	AlignAligned    AlignStatus = "aligned"
	AlignFailed     AlignStatus = "alignment_failed"
)

// Snapshot is the read model the presentation layer observes. Partial
// availability is normal: pitch may be populated while alignment is not.
type Snapshot struct {
	Track          Track                     `json:"track"`
	Run            uint64                    `json:"run"`
	Status         Status                    `json:"status"`
	AlignStatus    AlignStatus               `json:"align_status"`
	Message        string                    `json:"message,omitempty"`
	AudioAvailable bool                      `json:"audio_available"`
	Pitch          []analysis.PitchPoint     `json:"pitch_series"`
	Alignment      []analysis.AlignmentToken `json:"alignment_series"`
}

type trackState struct {
	run         uint64
	status      Status
	alignStatus AlignStatus
	message     string
	audio       []byte
	pitch       []analysis.PitchPoint
	alignment   []analysis.AlignmentToken
}

// Store holds the latest published artifacts per track. It is updated only by
// the pipeline controllers; presentation code reads snapshots.
type Store struct {
	mu     sync.RWMutex
	tracks map[Track]*trackState
}

func New() *Store {
	return &Store{
		tracks: map[Track]*trackState{
			TrackReference: {status: StatusIdle, alignStatus: AlignNotAligned},
			TrackUser:      {status: StatusIdle, alignStatus: AlignNotAligned},
		},
	}
}

// BeginRun clears every derived artifact of the track and records the new run
// before any new data exists (the stale-clear invariant).
func (s *Store) BeginRun(track Track, run uint64, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tracks[track]
	st.run = run
	st.status = status
	st.alignStatus = AlignNotAligned
	st.message = ""
	st.audio = nil
	st.pitch = nil
	st.alignment = nil
}

func (s *Store) SetStatus(track Track, status Status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tracks[track]
	st.status = status
	st.message = message
}

func (s *Store) SetCanonicalAudio(track Track, audio []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[track].audio = audio
}

func (s *Store) SetPitch(track Track, points []analysis.PitchPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[track].pitch = points
}

func (s *Store) SetAlignStatus(track Track, status AlignStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[track].alignStatus = status
}

func (s *Store) SetAlignment(track Track, tokens []analysis.AlignmentToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tracks[track]
	st.alignment = tokens
	st.alignStatus = AlignAligned
}

// Audio returns the canonical audio bytes, if published.
func (s *Store) Audio(track Track) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.tracks[track]
	if len(st.audio) == 0 {
		return nil, false
	}
	out := make([]byte, len(st.audio))
	copy(out, st.audio)
	return out, true
}

// Get returns a deep-copied snapshot of the track.
func (s *Store) Get(track Track) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.tracks[track]
	snap := Snapshot{
		Track:          track,
		Run:            st.run,
		Status:         st.status,
		AlignStatus:    st.alignStatus,
		Message:        st.message,
		AudioAvailable: len(st.audio) > 0,
		Pitch:          make([]analysis.PitchPoint, len(st.pitch)),
		Alignment:      make([]analysis.AlignmentToken, len(st.alignment)),
	}
	copy(snap.Pitch, st.pitch)
	copy(snap.Alignment, st.alignment)
	return snap
}
