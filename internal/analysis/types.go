package analysis

import "fmt"

// PitchPoint is one fundamental-frequency estimate. Time is seconds from the
// start of the audio, Frequency is Hz; both are non-negative and the sequence
// is non-decreasing in time.
type PitchPoint struct {
	Time      float64 `json:"time"`
	Frequency float64 `json:"frequency"`
}

// AlignmentToken maps one transcript token to an audio frame range with a
// confidence score. Sequence order as returned by the service is presentation
// order and is preserved.
type AlignmentToken struct {
	Token      string  `json:"token"`
	StartFrame int64   `json:"start_frame"`
	EndFrame   int64   `json:"end_frame"`
	Score      float64 `json:"score"`
}

// ValidationError reports bad caller input, rejected before any network or
// engine call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
