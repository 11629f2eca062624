package screening

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lookout/internal/screening")

// Scorer is the opaque image-analysis collaborator.
type Scorer interface {
	Score(ctx context.Context, imageURL string) (*RiskAssessment, error)
}

// CaptureRequest is a new screening capture from the capture collaborator.
type CaptureRequest struct {
	SubjectID string
	DoctorID  string
	Images    []Image
}

// SubmitResult is the outcome of submitting a capture or a retry.
type SubmitResult struct {
	ID      string
	State   State
	Attempt int
}

// HistoryPage is one page of a subject's screening history.
type HistoryPage struct {
	Records []*Record
	Total   int
	Page    int
	Limit   int
	Pages   int
}

// ServiceHooks are optional callbacks for observability.
type ServiceHooks struct {
	OnAnalysis func(outcome string, seconds float64)
	OnSubmit   func(result string)
}

// ServiceConfig tunes a Service.
type ServiceConfig struct {
	// RetryDelay is the pause before a failed analysis is attempted again.
	RetryDelay time.Duration
	Hooks      ServiceHooks
}

const (
	DefaultRetryDelay = 2 * time.Second
	defaultPageLimit  = 10
	maxPageLimit      = 100
)

// Service is the business boundary for screening operations. It drives the
// Machine and runs scoring in the background, off the record lock.
type Service struct {
	machine    *Machine
	store      Store
	scorer     Scorer
	retryDelay time.Duration
	hooks      ServiceHooks
	logger     log.Logger

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewService creates a new screening service.
func NewService(machine *Machine, store Store, scorer Scorer, cfg ServiceConfig, logger log.Logger) *Service {
	if machine == nil || store == nil || scorer == nil {
		panic("screening.NewService: nil dependency")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Service{
		machine:    machine,
		store:      store,
		scorer:     scorer,
		retryDelay: cfg.RetryDelay,
		hooks:      cfg.Hooks,
		logger:     logger.With("component", "screening_service"),
		stop:       make(chan struct{}),
	}
}

// Submit creates a record for a capture and starts its first analysis.
func (s *Service) Submit(ctx context.Context, req CaptureRequest) (*SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "screening.Submit", trace.WithAttributes(
		attribute.String("subject.id", req.SubjectID),
		attribute.Int("images", len(req.Images)),
	))
	defer span.End()

	rec, err := s.machine.Create(ctx, req.SubjectID, req.Images, req.DoctorID)
	if err != nil {
		s.submitted("rejected")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("record.id", rec.ID))

	attempt, err := s.machine.BeginAnalysis(ctx, rec.ID)
	if err != nil {
		s.submitted("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// pass only the ID and images so the goroutine never shares the record.
	s.spawn(ctx, rec.ID, attempt, rec.Images)
	s.submitted("accepted")

	return &SubmitResult{ID: rec.ID, State: StateAnalyzing, Attempt: attempt}, nil
}

// Retry starts a new analysis attempt for a pending record.
func (s *Service) Retry(ctx context.Context, id string) (*SubmitResult, error) {
	attempt, err := s.machine.BeginAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.spawn(ctx, id, attempt, rec.Images)
	return &SubmitResult{ID: id, State: StateAnalyzing, Attempt: attempt}, nil
}

var errInterrupted = errors.New("analysis interrupted by restart")

// Resume restarts analysis for records a previous process left mid-pipeline.
// An analyzing record has its orphaned attempt failed first so the retry
// budget still applies; pending records begin a new attempt straight away.
// It returns the number of records moved forward.
func (s *Service) Resume(ctx context.Context, records []*Record) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, r := range records {
		switch r.State {
		case StateAnalyzing:
			rec, err := s.machine.FailAnalysis(ctx, r.ID, r.AnalysisAttempt, errInterrupted)
			if err != nil {
				if !errors.Is(err, ErrStaleEvent) {
					errs = append(errs, fmt.Errorf("fail orphaned attempt %s: %w", r.ID, err))
				}
				continue
			}
			if rec.State != StatePending {
				// retries exhausted, completed as degraded
				n++
				continue
			}
		case StatePending:
		default:
			continue
		}

		attempt, err := s.machine.BeginAnalysis(ctx, r.ID)
		if err != nil {
			if !errors.Is(err, ErrInvalidState) {
				errs = append(errs, fmt.Errorf("resume %s: %w", r.ID, err))
			}
			continue
		}
		s.spawn(ctx, r.ID, attempt, r.Images)
		n++
	}
	return n, errors.Join(errs...)
}

// Get retrieves a record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, bool, error) {
	return s.store.Get(ctx, id)
}

// History returns a page of a subject's records, newest first. page is 1-based.
func (s *Service) History(ctx context.Context, subjectID string, page, limit int) (*HistoryPage, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject id is required", ErrInvalidInput)
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	recs, total, err := s.store.ListBySubject(ctx, subjectID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{
		Records: recs,
		Total:   total,
		Page:    page,
		Limit:   limit,
		Pages:   (total + limit - 1) / limit,
	}, nil
}

// Review records a doctor review, optionally overriding the priority.
func (s *Service) Review(ctx context.Context, id string, in ReviewInput) (*Record, error) {
	ctx, span := tracer.Start(ctx, "screening.Review", trace.WithAttributes(
		attribute.String("record.id", id),
		attribute.String("doctor.id", in.DoctorID),
	))
	defer span.End()

	rec, err := s.machine.SubmitReview(ctx, id, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.logger.Info(ctx, "review recorded",
		"record_id", id,
		"doctor_id", in.DoctorID,
		"priority", rec.Priority,
		"override", rec.ManualOverride,
	)
	return rec, nil
}

// Archive archives a record on behalf of doctorID, or of a trusted caller when empty.
func (s *Service) Archive(ctx context.Context, id, doctorID string) (*Record, error) {
	return s.machine.Archive(ctx, id, doctorID)
}

// Assign assigns a record to a doctor.
func (s *Service) Assign(ctx context.Context, id, doctorID string) (*Record, error) {
	return s.machine.Assign(ctx, id, doctorID)
}

// Shutdown stops scheduling retries and waits for in-flight analyses.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) spawn(ctx context.Context, id string, attempt int, images []Image) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAnalysis(context.WithoutCancel(ctx), id, attempt, images)
	}()
}

func (s *Service) runAnalysis(ctx context.Context, id string, attempt int, images []Image) {
	L := s.logger.With("record_id", id, "attempt", attempt)

	ctx, span := tracer.Start(ctx, "screening.analyze", trace.WithAttributes(
		attribute.String("record.id", id),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	risk, err := s.score(ctx, images)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.analysed("failed", start)

		rec, ferr := s.machine.FailAnalysis(ctx, id, attempt, err)
		if ferr != nil {
			if errors.Is(ferr, ErrStaleEvent) {
				return
			}
			L.Error(ctx, ferr, "failed to record analysis failure")
			return
		}
		if rec.State == StatePending {
			s.scheduleRetry(ctx, id)
		}
		return
	}

	applied, err := s.machine.CompleteAnalysis(ctx, id, attempt, risk)
	if err != nil {
		if errors.Is(err, ErrStaleEvent) {
			s.analysed("stale", start)
			return
		}
		s.analysed("error", start)
		L.Error(ctx, err, "failed to apply analysis result")
		return
	}
	s.analysed("completed", start)

	L.Info(ctx, "analysis complete",
		"applied", applied,
		"overall_score", risk.OverallScore,
		"duration", time.Since(start).Seconds(),
	)
}

func (s *Service) scheduleRetry(ctx context.Context, id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(s.retryDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.stop:
			return
		}

		attempt, err := s.machine.BeginAnalysis(ctx, id)
		if err != nil {
			// a manual retry may have started the attempt already
			if !errors.Is(err, ErrInvalidState) {
				s.logger.Error(ctx, err, "failed to begin retry analysis", "record_id", id)
			}
			return
		}
		rec, ok, err := s.store.Get(ctx, id)
		if err != nil || !ok {
			s.logger.Error(ctx, err, "failed to load record for retry", "record_id", id)
			return
		}
		s.runAnalysis(ctx, id, attempt, rec.Images)
	}()
}

// score runs the scorer for every image concurrently and merges the results.
func (s *Service) score(ctx context.Context, images []Image) (*RiskAssessment, error) {
	results := make([]*RiskAssessment, len(images))
	g, gctx := errgroup.WithContext(ctx)
	for i, img := range images {
		g.Go(func() error {
			ra, err := s.scorer.Score(gctx, img.URL)
			if err != nil {
				return fmt.Errorf("score image %d: %w", i, err)
			}
			if ra == nil {
				return fmt.Errorf("score image %d: %w: empty result", i, ErrScorerUnavailable)
			}
			results[i] = ra
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return MergeAssessments(results), nil
}

// MergeAssessments combines per-image results. The highest overall score wins
// and per-condition values are merged by maximum so nothing is under-classified.
func MergeAssessments(in []*RiskAssessment) *RiskAssessment {
	if len(in) == 0 {
		return nil
	}
	if len(in) == 1 {
		return in[0].clone()
	}
	out := &RiskAssessment{
		Conditions: make(map[string]ConditionScore),
		Structural: make(map[string]float64),
	}
	seenRec := make(map[string]bool)
	first := true
	for _, ra := range in {
		if ra == nil {
			continue
		}
		if first || math.IsNaN(ra.OverallScore) || ra.OverallScore > out.OverallScore {
			out.OverallScore = ra.OverallScore
			out.Factors = append([]RiskFactor(nil), ra.Factors...)
		}
		first = false
		for name, c := range ra.Conditions {
			cur, ok := out.Conditions[name]
			if !ok || c.Probability > cur.Probability {
				out.Conditions[name] = c
			}
		}
		for name, v := range ra.Structural {
			if cur, ok := out.Structural[name]; !ok || v > cur {
				out.Structural[name] = v
			}
		}
		for _, rec := range ra.Recommendations {
			if !seenRec[rec] {
				seenRec[rec] = true
				out.Recommendations = append(out.Recommendations, rec)
			}
		}
	}
	return out
}

func (s *Service) analysed(outcome string, start time.Time) {
	if s.hooks.OnAnalysis != nil {
		s.hooks.OnAnalysis(outcome, time.Since(start).Seconds())
	}
}

func (s *Service) submitted(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}
