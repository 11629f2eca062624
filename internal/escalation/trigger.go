package escalation

import (
	"context"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/lookout/internal/screening"
)

// Enqueuer accepts actions for asynchronous delivery.
type Enqueuer interface {
	Enqueue(actions ...Action)
}

// Plan returns the bound actions a state-machine event produces.
func Plan(ev screening.Event) []Action {
	if ev.Record == nil {
		return nil
	}
	switch ev.Kind {
	case screening.EventPriorityDetermined:
		return Bind(Decide(ev.Old, ev.New, ev.Manual), ev.Record)
	case screening.EventReviewRecorded:
		// an override already produced its own decision
		if ev.Manual {
			return nil
		}
		return Bind(ReviewNotice(ev.New, len(ev.Record.Reviews)), ev.Record)
	default:
		return nil
	}
}

// Trigger turns state-machine events into queued notifications.
type Trigger struct {
	q      Enqueuer
	logger log.Logger
}

// NewTrigger creates a Trigger that enqueues onto q.
func NewTrigger(q Enqueuer, logger log.Logger) *Trigger {
	if q == nil {
		panic("escalation.NewTrigger: nil enqueuer")
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Trigger{q: q, logger: logger.With("component", "escalation")}
}

// Observe implements screening.Observer.
func (t *Trigger) Observe(ctx context.Context, ev screening.Event) {
	actions := Plan(ev)
	if len(actions) == 0 {
		return
	}
	t.logger.Info(ctx, "escalation decided",
		"record_id", ev.Record.ID,
		"old", ev.Old,
		"new", ev.New,
		"manual", ev.Manual,
		"actions", len(actions),
	)
	t.q.Enqueue(actions...)
}
