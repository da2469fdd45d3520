package protocol

import "time"

// TrackEvent announces a pipeline state transition for one track.
type TrackEvent struct {
	SessionID   string    `json:"session_id"`
	Track       string    `json:"track"`
	Run         uint64    `json:"run"`
	Status      string    `json:"status"`
	AlignStatus string    `json:"align_status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const SubjectTrackEventPrefix = "pron.track"

// SubjectForTrack returns the bus subject carrying one track's events.
func SubjectForTrack(track string) string {
	return SubjectTrackEventPrefix + "." + track
}
