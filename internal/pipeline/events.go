package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a domain event.
type EventKind string

const (
	EpisodeStarted  EventKind = "episode_started"
	EpisodeEnded    EventKind = "episode_ended"
	AlertDispatched EventKind = "alert_dispatched"
	SourceLost      EventKind = "source_lost"
)

// Event is emitted by the producer on state changes. Delivery is best
// effort: when the buffer is full the event is dropped and counted.
type Event struct {
	ID          string    `json:"id"`
	Kind        EventKind `json:"kind"`
	Time        time.Time `json:"time"`
	Seq         uint64    `json:"seq"`
	EAR         float64   `json:"ear"`
	TotalEvents uint64    `json:"total_events"`
	AlertCount  uint64    `json:"alert_count"`
	Detail      string    `json:"detail,omitempty"`
}

func newEvent(kind EventKind, now time.Time) Event {
	return Event{
		ID:   uuid.New().String(),
		Kind: kind,
		Time: now,
	}
}

// emit sends e without blocking the producer.
func (p *Pipeline) emit(e Event) {
	select {
	case p.events <- e:
	default:
		p.eventsDropped.Add(1)
		p.log.Debug("event dropped, buffer full", "kind", e.Kind, "seq", e.Seq)
	}
}
