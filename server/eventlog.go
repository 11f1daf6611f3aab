package server

import (
	"context"
	"sync"
	"time"

	"github.com/matgreaves/watt/spec"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Service lifecycle.
	EventServiceStarting      EventType = "service.starting"
	EventServiceStarted       EventType = "service.started"
	EventServiceStopping      EventType = "service.stopping"
	EventServiceStopped       EventType = "service.stopped"
	EventServiceErrored       EventType = "service.errored"
	EventServiceConfigUpdated EventType = "service.config_updated"

	// Runtime lifecycle.
	EventRuntimeStarted EventType = "runtime.started"
	EventRuntimeStopped EventType = "runtime.stopped"
	EventRuntimeStalled EventType = "runtime.stalled"
)

// eventForStatus maps a service status to the event announcing it.
func eventForStatus(s spec.ServiceStatus) EventType {
	switch s {
	case spec.StatusStarting:
		return EventServiceStarting
	case spec.StatusStarted:
		return EventServiceStarted
	case spec.StatusStopping:
		return EventServiceStopping
	case spec.StatusErrored:
		return EventServiceErrored
	}
	return EventServiceStopped
}

// Event is a single entry in the event log.
type Event struct {
	Seq       uint64             `json:"seq"`
	Type      EventType          `json:"type"`
	Service   string             `json:"service,omitempty"`
	Status    spec.ServiceStatus `json:"status,omitempty"`
	URL       string             `json:"url,omitempty"`
	Error     string             `json:"error,omitempty"`
	Message   string             `json:"message,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// EventLog is an ordered, in-memory log of lifecycle events. Events are
// appended with monotonically increasing sequence numbers. Subscribers can
// replay from any point. WaitFor scans the existing log before blocking.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	seq    uint64
	notify chan struct{} // closed and replaced on each new event
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{
		notify: make(chan struct{}),
	}
}

// Publish appends an event to the log with the next sequence number and
// the current timestamp, then wakes all waiters. It returns the assigned
// sequence number.
func (l *EventLog) Publish(event Event) uint64 {
	l.mu.Lock()
	l.seq++
	event.Seq = l.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	l.events = append(l.events, event)
	ch := l.notify
	l.notify = make(chan struct{})
	seq := l.seq
	l.mu.Unlock()

	close(ch)
	return seq
}

// Seq returns the sequence number of the latest event, or 0.
func (l *EventLog) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Events returns a snapshot of all events in the log.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Since returns all events with sequence number > seq.
func (l *EventLog) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eventsSince(seq)
}

// eventsSince returns events with Seq > seq. Caller must hold l.mu.
// Seq numbers are 1-indexed and contiguous, so events after seq start
// at slice index seq.
func (l *EventLog) eventsSince(seq uint64) []Event {
	start := int(seq)
	if start >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Subscribe returns a channel that receives events starting from fromSeq.
// It replays all existing events with Seq > fromSeq, then streams new events
// as they arrive. The channel is closed when ctx is cancelled.
//
// The channel is buffered (256). Replayed events are always delivered. If a
// subscriber falls behind on live events and the buffer fills, further live
// events are dropped for that subscriber (publishers never block).
func (l *EventLog) Subscribe(ctx context.Context, fromSeq uint64, filter func(Event) bool) <-chan Event {
	ch := make(chan Event, 256)
	replayTo := l.Seq()

	go func() {
		defer close(ch)

		cursor := fromSeq

		for {
			l.mu.Lock()
			batch := l.eventsSince(cursor)
			notify := l.notify
			l.mu.Unlock()

			for _, e := range batch {
				cursor = e.Seq
				if filter != nil && !filter(e) {
					continue
				}
				if e.Seq <= replayTo {
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				default:
					// subscriber fell behind, drop event
				}
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// WaitFor returns the first event with Seq > fromSeq that satisfies match.
// Events already in the log are scanned first; otherwise it blocks until a
// matching event is published or ctx is cancelled. Passing 0 scans the whole
// history.
func (l *EventLog) WaitFor(ctx context.Context, fromSeq uint64, match func(Event) bool) (Event, error) {
	cursor := fromSeq
	for {
		l.mu.Lock()
		batch := l.eventsSince(cursor)
		notify := l.notify
		l.mu.Unlock()

		for _, e := range batch {
			if match(e) {
				return e, nil
			}
			cursor = e.Seq
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
