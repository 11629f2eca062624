// Package memstore provides an in-memory implementation of screening.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/lookout/internal/screening"
)

type claimKey struct {
	recordID  string
	dedupeKey string
}

// Store holds screening records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*screening.Record              // record ID -> record
	logs    map[string][]screening.NotificationEntry  // record ID -> notification log
	claims  map[claimKey]*screening.NotificationClaim // (record, dedupe key) -> claim
	order   []claimKey                                // claim insertion order
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*screening.Record),
		logs:    make(map[string][]screening.NotificationEntry),
		claims:  make(map[claimKey]*screening.NotificationClaim),
	}
}

// Get retrieves a record by its ID. Returns a copy with its notification log attached.
func (s *Store) Get(_ context.Context, id string) (*screening.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return s.copyOut(r), true, nil
}

// Put stores a copy of the record. The notification log is kept separately and is not overwritten.
func (s *Store) Put(_ context.Context, r *screening.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r.Clone()
	cp.NotificationLog = nil
	s.records[r.ID] = cp
	return nil
}

// ListBySubject returns a page of the subject's records, newest first.
func (s *Store) ListBySubject(_ context.Context, subjectID string, offset, limit int) ([]*screening.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*screening.Record
	for _, r := range s.records {
		if r.SubjectID == subjectID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := len(all)
	if offset >= total {
		return []*screening.Record{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*screening.Record, 0, end-offset)
	for _, r := range all[offset:end] {
		out = append(out, s.copyOut(r))
	}
	return out, total, nil
}

// ListActive returns copies of every non-archived record, oldest first.
func (s *Store) ListActive(_ context.Context) ([]*screening.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*screening.Record
	for _, r := range s.records {
		if r.State != screening.StateArchived {
			out = append(out, s.copyOut(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AppendNotification appends one entry to the record's notification log.
func (s *Store) AppendNotification(_ context.Context, recordID string, e screening.NotificationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[recordID] = append(s.logs[recordID], e)
	return nil
}

// ClaimNotification takes the claim if nobody holds it.
func (s *Store) ClaimNotification(_ context.Context, c screening.NotificationClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := claimKey{c.RecordID, c.DedupeKey}
	if _, ok := s.claims[k]; ok {
		return false, nil
	}
	cp := c
	cp.Action = append([]byte(nil), c.Action...)
	if cp.ClaimedAt.IsZero() {
		cp.ClaimedAt = time.Now()
	}
	s.claims[k] = &cp
	s.order = append(s.order, k)
	return true, nil
}

// ResolveNotification sets the claim's final outcome.
func (s *Store) ResolveNotification(_ context.Context, recordID, dedupeKey string, outcome screening.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[claimKey{recordID, dedupeKey}]; ok {
		c.Outcome = outcome
	}
	return nil
}

// PendingNotifications returns claims without a terminal outcome, in claim order.
func (s *Store) PendingNotifications(_ context.Context) ([]screening.NotificationClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []screening.NotificationClaim
	for _, k := range s.order {
		c := s.claims[k]
		if !c.Outcome.Terminal() {
			cp := *c
			cp.Action = append([]byte(nil), c.Action...)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *Store) copyOut(r *screening.Record) *screening.Record {
	cp := r.Clone()
	cp.NotificationLog = append([]screening.NotificationEntry(nil), s.logs[r.ID]...)
	return cp
}
