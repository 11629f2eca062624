package screening

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultMaxRetries  = 3
	DefaultLockTimeout = 5 * time.Second
)

// MachineHooks are optional callbacks for observability. Nil fields are skipped.
type MachineHooks struct {
	OnTransition func(from, to State)
	OnPriority   func(level PriorityLevel, manual bool)
	OnStale      func()
}

// MachineConfig tunes a Machine. Zero values fall back to defaults.
type MachineConfig struct {
	Policy      Policy
	MaxRetries  int
	LockTimeout time.Duration
	Assigner    Assigner
	Hooks       MachineHooks
	Now         func() time.Time
}

// ReviewInput is a doctor's review of a record. A non-empty Override that differs
// from the current priority replaces it.
type ReviewInput struct {
	DoctorID         string
	Diagnosis        string
	Notes            string
	Recommendations  []string
	FollowUpRequired bool
	FollowUpDate     *time.Time
	Override         PriorityLevel
}

// Machine owns every mutation of a screening record. Each operation runs under a
// per-record lock, persists the record and then emits events to observers
// before the lock is released.
type Machine struct {
	store       Store
	policy      Policy
	maxRetries  int
	lockTimeout time.Duration
	assigner    Assigner
	hooks       MachineHooks
	now         func() time.Time
	locks       *keyedLock
	logger      log.Logger

	obsMu     sync.RWMutex
	observers []Observer
}

// errUnchanged short-circuits a mutation without writing.
var errUnchanged = errors.New("unchanged")

// NewMachine creates a Machine over store.
func NewMachine(store Store, cfg MachineConfig, logger log.Logger) *Machine {
	if store == nil {
		panic("screening.NewMachine: nil store")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{
		store:       store,
		policy:      cfg.Policy,
		maxRetries:  cfg.MaxRetries,
		lockTimeout: cfg.LockTimeout,
		assigner:    cfg.Assigner,
		hooks:       cfg.Hooks,
		now:         cfg.Now,
		locks:       newKeyedLock(),
		logger:      logger.With("component", "screening_machine"),
	}
}

// AddObserver registers o to receive events.
func (m *Machine) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// Policy returns the classifier policy in use.
func (m *Machine) Policy() Policy { return m.policy }

// Create stores a new pending record. doctorID may be empty.
func (m *Machine) Create(ctx context.Context, subjectID string, images []Image, doctorID string) (*Record, error) {
	if err := validateCapture(subjectID, images); err != nil {
		return nil, err
	}
	now := m.now()
	r := &Record{
		ID:               ulid.Make().String(),
		SubjectID:        subjectID,
		Images:           append([]Image(nil), images...),
		State:            StatePending,
		AssignedDoctorID: doctorID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.Put(ctx, r); err != nil {
		return nil, fmt.Errorf("put %s: %w", r.ID, err)
	}
	return r.Clone(), nil
}

// BeginAnalysis moves a pending record to analyzing and returns the new attempt number.
func (m *Machine) BeginAnalysis(ctx context.Context, id string) (int, error) {
	r, err := m.mutate(ctx, id, func(r *Record) ([]Event, error) {
		if r.State != StatePending {
			return nil, fmt.Errorf("%w: begin analysis from %s", ErrInvalidState, r.State)
		}
		r.State = StateAnalyzing
		r.AnalysisAttempt++
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	return r.AnalysisAttempt, nil
}

// CompleteAnalysis applies a scorer result for the given attempt. It reports
// applied=false with a nil error when the attempt was already applied.
func (m *Machine) CompleteAnalysis(ctx context.Context, id string, attempt int, risk *RiskAssessment) (bool, error) {
	if risk == nil {
		return false, fmt.Errorf("%w: nil risk assessment", ErrInvalidInput)
	}
	_, err := m.mutate(ctx, id, func(r *Record) ([]Event, error) {
		if attempt > 0 && r.AppliedAttempt == attempt && r.State != StateArchived {
			return nil, errUnchanged
		}
		if r.State != StateAnalyzing || r.AnalysisAttempt != attempt {
			return nil, m.stale(ctx, r, attempt, "complete")
		}

		old := r.Priority
		r.Risk = risk.clone()
		r.Priority = m.policy.Classify(risk.OverallScore)
		r.State = StateCompleted
		r.AppliedAttempt = attempt
		r.AnalysisDegraded = false
		m.autoAssign(ctx, r)

		return []Event{{Kind: EventPriorityDetermined, Old: old, New: r.Priority}}, nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FailAnalysis records a scorer failure for the given attempt. The record goes
// back to pending, or once retries are exhausted it completes as normal with
// AnalysisDegraded set.
func (m *Machine) FailAnalysis(ctx context.Context, id string, attempt int, reason error) (*Record, error) {
	return m.mutate(ctx, id, func(r *Record) ([]Event, error) {
		if r.State != StateAnalyzing || r.AnalysisAttempt != attempt {
			return nil, m.stale(ctx, r, attempt, "fail")
		}
		r.RetryCount++
		if r.RetryCount < m.maxRetries {
			r.State = StatePending
			m.logger.Warn(ctx, "analysis failed, will retry",
				"record_id", r.ID,
				"attempt", attempt,
				"retry_count", r.RetryCount,
				"reason", errString(reason),
			)
			return nil, nil
		}

		old := r.Priority
		r.State = StateCompleted
		r.Priority = PriorityNormal
		r.AnalysisDegraded = true
		r.AppliedAttempt = attempt
		m.autoAssign(ctx, r)
		m.logger.Warn(ctx, "analysis retries exhausted, record degraded",
			"record_id", r.ID,
			"retry_count", r.RetryCount,
			"reason", errString(reason),
		)
		return []Event{{Kind: EventPriorityDetermined, Old: old, New: r.Priority}}, nil
	})
}

// SubmitReview appends a doctor review and applies an optional override.
func (m *Machine) SubmitReview(ctx context.Context, id string, in ReviewInput) (*Record, error) {
	if in.DoctorID == "" {
		return nil, fmt.Errorf("%w: doctor id is required", ErrInvalidInput)
	}
	if in.Override != PriorityNone && !in.Override.Valid() {
		return nil, fmt.Errorf("%w: unknown override priority %q", ErrInvalidInput, in.Override)
	}
	return m.mutate(ctx, id, func(r *Record) ([]Event, error) {
		if r.State != StateCompleted && r.State != StateReviewed {
			return nil, fmt.Errorf("%w: review from %s", ErrInvalidState, r.State)
		}
		if err := checkAssignee(r, in.DoctorID); err != nil {
			return nil, err
		}

		r.Reviews = append(r.Reviews, Review{
			DoctorID:         in.DoctorID,
			Diagnosis:        in.Diagnosis,
			Notes:            in.Notes,
			Recommendations:  append([]string(nil), in.Recommendations...),
			FollowUpRequired: in.FollowUpRequired,
			FollowUpDate:     in.FollowUpDate,
			OverridePriority: in.Override,
			ReviewedAt:       m.now(),
		})
		r.State = StateReviewed
		if r.AssignedDoctorID == "" {
			r.AssignedDoctorID = in.DoctorID
		}

		var events []Event
		changed := in.Override != PriorityNone && in.Override != r.Priority
		if changed {
			old := r.Priority
			r.Priority = in.Override
			r.ManualOverride = true
			events = append(events, Event{Kind: EventPriorityDetermined, Old: old, New: r.Priority, Manual: true})
		}
		// Manual on ReviewRecorded says the review already produced a priority event.
		events = append(events, Event{Kind: EventReviewRecorded, Old: r.Priority, New: r.Priority, Manual: changed})
		return events, nil
	})
}

// Archive moves a reviewed record, or a completed one that needs no follow-up, to
// archived. A non-empty doctorID must be the assigned doctor; empty means a
// trusted caller.
func (m *Machine) Archive(ctx context.Context, id, doctorID string) (*Record, error) {
	return m.mutate(ctx, id, func(r *Record) ([]Event, error) {
		if doctorID != "" {
			if err := checkAssignee(r, doctorID); err != nil {
				return nil, err
			}
		}
		switch {
		case r.State == StateReviewed:
		case r.State == StateCompleted && !r.FollowUpRequired():
		default:
			return nil, fmt.Errorf("%w: archive from %s", ErrInvalidState, r.State)
		}
		r.State = StateArchived
		return []Event{{Kind: EventArchived, Old: r.Priority, New: r.Priority}}, nil
	})
}

// Assign sets the doctor responsible for a record.
func (m *Machine) Assign(ctx context.Context, id, doctorID string) (*Record, error) {
	if doctorID == "" {
		return nil, fmt.Errorf("%w: doctor id is required", ErrInvalidInput)
	}
	r, err := m.mutate(ctx, id, func(r *Record) ([]Event, error) {
		if r.State == StateArchived {
			return nil, fmt.Errorf("%w: assign archived record", ErrInvalidState)
		}
		if r.AssignedDoctorID == doctorID {
			return nil, errUnchanged
		}
		prev := r.AssignedDoctorID
		r.AssignedDoctorID = doctorID
		return []Event{{Kind: EventAssignmentChanged, Old: r.Priority, New: r.Priority, PreviousDoctorID: prev}}, nil
	})
	if errors.Is(err, errUnchanged) {
		rec, _, gerr := m.store.Get(ctx, id)
		return rec, gerr
	}
	return r, err
}

// mutate runs fn on the stored record under its lock, persists the result and
// emits fn's events. Returning errUnchanged skips the write.
func (m *Machine) mutate(ctx context.Context, id string, fn func(r *Record) ([]Event, error)) (*Record, error) {
	release, err := m.locks.acquire(ctx, id, m.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	r, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	from := r.State
	events, err := fn(r)
	if err != nil {
		return nil, err
	}

	now := m.now()
	r.UpdatedAt = now
	if err := m.store.Put(ctx, r); err != nil {
		return nil, fmt.Errorf("put %s: %w", id, err)
	}

	if from != r.State && m.hooks.OnTransition != nil {
		m.hooks.OnTransition(from, r.State)
	}
	for _, ev := range events {
		if ev.Kind == EventPriorityDetermined && m.hooks.OnPriority != nil {
			m.hooks.OnPriority(ev.New, ev.Manual)
		}
		ev.Record = r.Clone()
		ev.At = now
		m.emit(ctx, ev)
	}
	return r.Clone(), nil
}

func (m *Machine) emit(ctx context.Context, ev Event) {
	m.obsMu.RLock()
	obs := m.observers
	m.obsMu.RUnlock()
	for _, o := range obs {
		o.Observe(ctx, ev)
	}
}

func (m *Machine) stale(ctx context.Context, r *Record, attempt int, op string) error {
	if m.hooks.OnStale != nil {
		m.hooks.OnStale()
	}
	m.logger.Warn(ctx, "discarding stale analysis event",
		"record_id", r.ID,
		"op", op,
		"attempt", attempt,
		"current_attempt", r.AnalysisAttempt,
		"state", r.State,
	)
	return fmt.Errorf("%w: %s attempt %d for %s in %s", ErrStaleEvent, op, attempt, r.ID, r.State)
}

func (m *Machine) autoAssign(ctx context.Context, r *Record) {
	if r.AssignedDoctorID != "" || m.assigner == nil {
		return
	}
	doctorID, err := m.assigner.Assign(ctx, r)
	if err != nil {
		m.logger.Warn(ctx, "auto-assignment failed", "record_id", r.ID, "err", err)
		return
	}
	r.AssignedDoctorID = doctorID
}

// checkAssignee allows doctorID to act on unassigned records and its own.
func checkAssignee(r *Record, doctorID string) error {
	if r.AssignedDoctorID != "" && r.AssignedDoctorID != doctorID {
		return fmt.Errorf("%w: %s is assigned to %s", ErrNotAssignee, r.ID, r.AssignedDoctorID)
	}
	return nil
}

func validateCapture(subjectID string, images []Image) error {
	var errs []error
	if subjectID == "" {
		errs = append(errs, errors.New("subject id is required"))
	}
	if len(images) == 0 {
		errs = append(errs, errors.New("at least one image is required"))
	}
	for i, img := range images {
		if img.URL == "" {
			errs = append(errs, fmt.Errorf("image %d: url is required", i))
		}
		if !img.Role.Valid() {
			errs = append(errs, fmt.Errorf("image %d: unknown role %q", i, img.Role))
		}
		if img.QualityScore < 0 || img.QualityScore > 100 {
			errs = append(errs, fmt.Errorf("image %d: quality score %v out of range", i, img.QualityScore))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
