package analysis

import "fmt"

// Reason classifies an analysis failure.
type Reason string

const (
	// ReasonHTTPStatus means the service answered with a non-2xx status.
	ReasonHTTPStatus Reason = "http_status"
	// ReasonTransport means the request never completed (network, timeout).
	ReasonTransport Reason = "transport"
	// ReasonMalformed means the service answered 2xx with a structurally
	// invalid payload. Callers degrade to an empty result instead of failing
	// the pipeline.
	ReasonMalformed Reason = "malformed_response"
)

// Error reports a remote analysis failure.
type Error struct {
	Reason Reason
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("analysis %s (%d): %v", e.Reason, e.Status, e.Err)
	}
	return fmt.Sprintf("analysis %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
