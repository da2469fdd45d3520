package capture

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned when the runtime refuses access to the
// capture device. The run fails terminally; the other track is unaffected.
var ErrPermissionDenied = errors.New("capture device access denied")

// ErrNoAudioCaptured is returned by Stop when the session produced zero
// bytes. The track goes back to idle, nothing is processed.
var ErrNoAudioCaptured = errors.New("no audio captured")

// MicSession is a live capture session for the user track. Start opens the
// device, Stop finalizes and returns the recorded bytes. One recording at a
// time; Start while recording and Stop while idle are errors.
type MicSession interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) ([]byte, error)
}
