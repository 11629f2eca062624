package livequeue

import (
	"context"

	"github.com/linnemanlabs/lookout/internal/screening"
)

// LeastLoaded assigns completed records to the rostered doctor with the
// fewest queued records. Ties go to the earlier roster entry.
type LeastLoaded struct {
	sync   *Synchronizer
	roster func(ctx context.Context) ([]string, error)
}

var _ screening.Assigner = (*LeastLoaded)(nil)

// NewLeastLoaded returns an Assigner over the doctors listed by roster.
func NewLeastLoaded(s *Synchronizer, roster func(ctx context.Context) ([]string, error)) *LeastLoaded {
	return &LeastLoaded{sync: s, roster: roster}
}

// Assign picks a doctor for r. An empty roster leaves r unassigned.
func (l *LeastLoaded) Assign(ctx context.Context, _ *screening.Record) (string, error) {
	doctors, err := l.roster(ctx)
	if err != nil {
		return "", err
	}

	best := ""
	minLoad := -1
	for _, id := range doctors {
		load := l.sync.Load(id)
		if minLoad < 0 || load < minLoad {
			minLoad = load
			best = id
		}
	}
	return best, nil
}
