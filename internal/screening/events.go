package screening

import (
	"context"
	"time"
)

// EventKind names a state-machine event.
type EventKind string

const (
	EventPriorityDetermined EventKind = "priority_determined"
	EventAssignmentChanged  EventKind = "assignment_changed"
	EventReviewRecorded     EventKind = "review_recorded"
	EventArchived           EventKind = "archived"
)

// Event is emitted by the Machine after a mutation has been persisted.
// Record is a snapshot taken at commit time; observers must not modify it.
type Event struct {
	Kind             EventKind
	Record           *Record
	Old              PriorityLevel
	New              PriorityLevel
	Manual           bool
	PreviousDoctorID string
	At               time.Time
}

// Observer receives events synchronously, in commit order per record, while
// the record lock is held. Implementations must be fast and must not call
// back into the Machine for the same record.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Assigner picks a doctor for a completed record that has none.
// An empty ID leaves the record unassigned.
type Assigner interface {
	Assign(ctx context.Context, r *Record) (doctorID string, err error)
}
