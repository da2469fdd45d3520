package pipeline

import (
	"log/slog"

	"github.com/julia-sam/pronunciation-app/internal/bus"
	"github.com/julia-sam/pronunciation-app/internal/protocol"
)

// EventSink receives track transition events. The bus-backed sink pushes them
// to NATS so a UI can react without polling; the nop sink is used when the
// bus is disabled.
type EventSink interface {
	Publish(evt protocol.TrackEvent)
}

type nopSink struct{}

func (nopSink) Publish(protocol.TrackEvent) {}

// NopSink discards all events.
func NopSink() EventSink { return nopSink{} }

type busSink struct {
	client *bus.Client
	logger *slog.Logger
}

// NewBusSink publishes track events onto the status bus. Publish failures are
// logged and dropped; event delivery is best-effort and never stalls a
// pipeline.
func NewBusSink(client *bus.Client, log *slog.Logger) EventSink {
	return &busSink{client: client, logger: log.With(slog.String("component", "event-sink"))}
}

func (s *busSink) Publish(evt protocol.TrackEvent) {
	if err := s.client.PublishTrackEvent(evt); err != nil {
		s.logger.Warn("failed to publish track event",
			slog.String("track", evt.Track),
			slog.String("error", err.Error()))
	}
}
