// Package livequeue keeps each doctor's review queue as an ordered in-memory
// projection of screening records and streams changes to live subscribers.
//
// The Synchronizer is a screening.Observer. Every event carries a committed
// record snapshot, so the projection is reconciled from the snapshot rather
// than from the event kind: a record is in a doctor's queue while it is
// assigned to them and is completed or reviewed. Subscribers always receive
// a snapshot first, then diffs with per-doctor sequence numbers. A subscriber
// that cannot keep up is disconnected and must subscribe again, which starts
// it from a fresh snapshot.
package livequeue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/lookout/internal/screening"
)

const DefaultBuffer = 64

// Op is the kind of change a Diff describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// Entry is one record summary in a doctor's queue.
type Entry struct {
	RecordID         string                  `json:"record_id"`
	SubjectID        string                  `json:"subject_id"`
	Priority         screening.PriorityLevel `json:"priority"`
	State            screening.State         `json:"state"`
	ManualOverride   bool                    `json:"manual_override"`
	AnalysisDegraded bool                    `json:"analysis_degraded"`
	FollowUpRequired bool                    `json:"follow_up_required"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

func entryFrom(r *screening.Record) Entry {
	return Entry{
		RecordID:         r.ID,
		SubjectID:        r.SubjectID,
		Priority:         r.Priority,
		State:            r.State,
		ManualOverride:   r.ManualOverride,
		AnalysisDegraded: r.AnalysisDegraded,
		FollowUpRequired: r.FollowUpRequired(),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// less orders by priority rank desc, then creation time, then ID.
func less(a, b *Entry) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.RecordID < b.RecordID
}

// Diff is one change to a doctor's queue. Position is the entry's index
// after an insert or update and its former index after a remove.
type Diff struct {
	Seq      uint64 `json:"seq"`
	Op       Op     `json:"op"`
	RecordID string `json:"record_id"`
	Position int    `json:"position"`
	Entry    *Entry `json:"entry,omitempty"`
}

// Snapshot is a doctor's full queue at sequence Seq.
type Snapshot struct {
	DoctorID string         `json:"doctor_id"`
	Seq      uint64         `json:"seq"`
	Entries  []Entry        `json:"entries"`
	Summary  map[string]int `json:"summary"`
}

// Message is what subscribers receive: exactly one of Snapshot or Diff is set.
type Message struct {
	Type     string    `json:"type"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Diff     *Diff     `json:"diff,omitempty"`
}

// Subscription is one live listener on a doctor's queue. C is closed when the
// subscription ends, either by Close or because the subscriber fell behind.
type Subscription struct {
	ID       uuid.UUID
	DoctorID string
	C        <-chan Message

	ch         chan Message
	closed     bool // guarded by Synchronizer.mu
	overflowed atomic.Bool
	s          *Synchronizer
}

// Overflowed reports whether the subscription was dropped for falling behind.
func (sub *Subscription) Overflowed() bool { return sub.overflowed.Load() }

// Close ends the subscription. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	sub.s.unsubscribe(sub)
}

type queue struct {
	entries []Entry
	seq     uint64
}

// Hooks are optional callbacks for observability.
type Hooks struct {
	OnSubscribers func(n int)
	OnEntries     func(n int)
	OnOverflow    func()
}

// Config tunes a Synchronizer.
type Config struct {
	// Buffer is the number of messages a subscriber may lag behind.
	Buffer int
	Hooks  Hooks
}

// Synchronizer maintains per-doctor queues.
type Synchronizer struct {
	mu     sync.Mutex
	queues map[string]*queue                      // doctor ID -> queue
	index  map[string]string                      // record ID -> doctor ID
	subs   map[string]map[uuid.UUID]*Subscription // doctor ID -> subscribers
	nsubs  int
	buffer int
	hooks  Hooks
	logger log.Logger
}

// New creates an empty Synchronizer.
func New(cfg Config, logger log.Logger) *Synchronizer {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	return &Synchronizer{
		queues: make(map[string]*queue),
		index:  make(map[string]string),
		subs:   make(map[string]map[uuid.UUID]*Subscription),
		buffer: cfg.Buffer,
		hooks:  cfg.Hooks,
		logger: logger.With("component", "livequeue"),
	}
}

// Observe reconciles the record carried by ev into the doctor queues.
func (s *Synchronizer) Observe(ctx context.Context, ev screening.Event) {
	if ev.Record == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(ctx, ev.Record)
	s.entriesChanged()
}

// Rebuild replaces every queue with the in-queue records among records.
// Existing subscribers receive a fresh snapshot.
func (s *Synchronizer) Rebuild(records []*screening.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs := make(map[string]uint64, len(s.queues))
	for doc, q := range s.queues {
		seqs[doc] = q.seq
	}
	s.queues = make(map[string]*queue)
	s.index = make(map[string]string)

	for _, r := range records {
		if !r.InQueue() {
			continue
		}
		q := s.queue(r.AssignedDoctorID)
		q.entries = append(q.entries, entryFrom(r))
		s.index[r.ID] = r.AssignedDoctorID
	}
	for _, q := range s.queues {
		sort.Slice(q.entries, func(i, j int) bool { return less(&q.entries[i], &q.entries[j]) })
	}
	for doc, seq := range seqs {
		s.queue(doc).seq = seq + 1
	}
	for doc, subs := range s.subs {
		snap := s.snapshot(doc)
		for _, sub := range subs {
			s.deliver(sub, Message{Type: "snapshot", Snapshot: &snap})
		}
	}
	s.entriesChanged()
}

// Subscribe registers a listener for doctorID. The first message on C is
// always a snapshot.
func (s *Synchronizer) Subscribe(doctorID string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Message, s.buffer+1)
	sub := &Subscription{
		ID:       uuid.New(),
		DoctorID: doctorID,
		C:        ch,
		ch:       ch,
		s:        s,
	}
	snap := s.snapshot(doctorID)
	ch <- Message{Type: "snapshot", Snapshot: &snap}

	if s.subs[doctorID] == nil {
		s.subs[doctorID] = make(map[uuid.UUID]*Subscription)
	}
	s.subs[doctorID][sub.ID] = sub
	s.nsubs++
	if s.hooks.OnSubscribers != nil {
		s.hooks.OnSubscribers(s.nsubs)
	}
	return sub
}

// Snapshot returns the doctor's current queue.
func (s *Synchronizer) Snapshot(doctorID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(doctorID)
}

// Load is the number of records in the doctor's queue.
func (s *Synchronizer) Load(doctorID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[doctorID]; ok {
		return len(q.entries)
	}
	return 0
}

// Subscribers is the number of live subscriptions.
func (s *Synchronizer) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nsubs
}

func (s *Synchronizer) apply(ctx context.Context, r *screening.Record) {
	prevDoc, wasQueued := s.index[r.ID]
	nextDoc := ""
	if r.InQueue() {
		nextDoc = r.AssignedDoctorID
	}

	if wasQueued && prevDoc != nextDoc {
		if pos, ok := s.remove(prevDoc, r.ID); ok {
			s.emit(prevDoc, Diff{Op: OpRemove, RecordID: r.ID, Position: pos})
		}
		delete(s.index, r.ID)
	}
	if nextDoc == "" {
		return
	}

	e := entryFrom(r)
	op := OpInsert
	if wasQueued && prevDoc == nextDoc {
		s.remove(nextDoc, r.ID)
		op = OpUpdate
	}
	pos := s.insert(nextDoc, e)
	s.index[r.ID] = nextDoc
	s.emit(nextDoc, Diff{Op: op, RecordID: r.ID, Position: pos, Entry: &e})

	s.logger.Info(ctx, "queue updated",
		"doctor_id", nextDoc,
		"record_id", r.ID,
		"op", op,
		"position", pos,
	)
}

func (s *Synchronizer) queue(doctorID string) *queue {
	q, ok := s.queues[doctorID]
	if !ok {
		q = &queue{}
		s.queues[doctorID] = q
	}
	return q
}

func (s *Synchronizer) insert(doctorID string, e Entry) int {
	q := s.queue(doctorID)
	pos := sort.Search(len(q.entries), func(i int) bool { return less(&e, &q.entries[i]) })
	q.entries = append(q.entries, Entry{})
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = e
	return pos
}

func (s *Synchronizer) remove(doctorID, recordID string) (int, bool) {
	q, ok := s.queues[doctorID]
	if !ok {
		return 0, false
	}
	for i := range q.entries {
		if q.entries[i].RecordID == recordID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return i, true
		}
	}
	return 0, false
}

func (s *Synchronizer) emit(doctorID string, d Diff) {
	q := s.queue(doctorID)
	q.seq++
	d.Seq = q.seq
	for _, sub := range s.subs[doctorID] {
		dd := d
		s.deliver(sub, Message{Type: "diff", Diff: &dd})
	}
}

// deliver never blocks. A full buffer drops the subscriber.
func (s *Synchronizer) deliver(sub *Subscription, m Message) {
	select {
	case sub.ch <- m:
	default:
		sub.overflowed.Store(true)
		s.unsubscribe(sub)
		s.logger.Warn(context.Background(), "queue subscriber fell behind, disconnecting",
			"doctor_id", sub.DoctorID,
			"subscriber_id", sub.ID.String(),
		)
		if s.hooks.OnOverflow != nil {
			s.hooks.OnOverflow()
		}
	}
}

func (s *Synchronizer) unsubscribe(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if m := s.subs[sub.DoctorID]; m != nil {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(s.subs, sub.DoctorID)
		}
	}
	s.nsubs--
	if s.hooks.OnSubscribers != nil {
		s.hooks.OnSubscribers(s.nsubs)
	}
}

func (s *Synchronizer) snapshot(doctorID string) Snapshot {
	snap := Snapshot{
		DoctorID: doctorID,
		Entries:  []Entry{},
		Summary:  make(map[string]int, len(screening.Levels)),
	}
	for _, l := range screening.Levels {
		snap.Summary[l.String()] = 0
	}
	if q, ok := s.queues[doctorID]; ok {
		snap.Seq = q.seq
		snap.Entries = append(snap.Entries, q.entries...)
		for _, e := range q.entries {
			snap.Summary[e.Priority.String()]++
		}
	}
	return snap
}

func (s *Synchronizer) entriesChanged() {
	if s.hooks.OnEntries == nil {
		return
	}
	s.hooks.OnEntries(len(s.index))
}
