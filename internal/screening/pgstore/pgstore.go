// Package pgstore provides a PostgreSQL implementation of screening.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/lookout/internal/screening"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lookout/internal/screening/pgstore")

//go:embed schema.sql
var schema string

// Store persists screening records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ screening.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const screeningColumns = `id, subject_id, state, priority, assigned_doctor_id, images, risk, reviews,
	manual_override, analysis_degraded, analysis_attempt, applied_attempt, retry_count, created_at, updated_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves a record by ID with its notification log.
func (s *Store) Get(ctx context.Context, id string) (*screening.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+screeningColumns+` FROM screenings WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if r == nil {
		return nil, false, nil
	}

	log, err := s.loadLog(ctx, id)
	if err != nil {
		return nil, false, fail(span, err)
	}
	r.NotificationLog = log
	return r, true, nil
}

// Put inserts or updates a record. The notification log is stored separately and is not touched.
func (s *Store) Put(ctx context.Context, r *screening.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	images, err := json.Marshal(r.Images)
	if err != nil {
		return fail(span, fmt.Errorf("marshal images: %w", err))
	}
	var risk []byte
	if r.Risk != nil {
		if risk, err = json.Marshal(r.Risk); err != nil {
			return fail(span, fmt.Errorf("marshal risk: %w", err))
		}
	}
	reviews := r.Reviews
	if reviews == nil {
		reviews = []screening.Review{}
	}
	reviewsJSON, err := json.Marshal(reviews)
	if err != nil {
		return fail(span, fmt.Errorf("marshal reviews: %w", err))
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO screenings (`+screeningColumns+`)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (id) DO UPDATE SET
		state              = EXCLUDED.state,
		priority           = EXCLUDED.priority,
		assigned_doctor_id = EXCLUDED.assigned_doctor_id,
		images             = EXCLUDED.images,
		risk               = EXCLUDED.risk,
		reviews            = EXCLUDED.reviews,
		manual_override    = EXCLUDED.manual_override,
		analysis_degraded  = EXCLUDED.analysis_degraded,
		analysis_attempt   = EXCLUDED.analysis_attempt,
		applied_attempt    = EXCLUDED.applied_attempt,
		retry_count        = EXCLUDED.retry_count,
		updated_at         = EXCLUDED.updated_at`,
		r.ID, r.SubjectID, string(r.State), string(r.Priority), r.AssignedDoctorID, images, risk, reviewsJSON,
		r.ManualOverride, r.AnalysisDegraded, r.AnalysisAttempt, r.AppliedAttempt, r.RetryCount,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert screening %s: %w", r.ID, err))
	}
	return nil
}

// ListBySubject returns a page of the subject's records, newest first, and the total count.
func (s *Store) ListBySubject(ctx context.Context, subjectID string, offset, limit int) ([]*screening.Record, int, error) {
	ctx, span := startSpan(ctx, "pgstore.ListBySubject", "SELECT")
	defer span.End()

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM screenings WHERE subject_id = $1`, subjectID).Scan(&total); err != nil {
		return nil, 0, fail(span, fmt.Errorf("count: %w", err))
	}

	rows, err := s.pool.Query(ctx, `SELECT `+screeningColumns+` FROM screenings
		WHERE subject_id = $1 ORDER BY created_at DESC, id DESC OFFSET $2 LIMIT $3`,
		subjectID, offset, limit)
	if err != nil {
		return nil, 0, fail(span, fmt.Errorf("query: %w", err))
	}
	out, err := collect(rows)
	if err != nil {
		return nil, 0, fail(span, err)
	}
	for _, r := range out {
		if r.NotificationLog, err = s.loadLog(ctx, r.ID); err != nil {
			return nil, 0, fail(span, err)
		}
	}
	return out, total, nil
}

// ListActive returns every non-archived record, without notification logs.
func (s *Store) ListActive(ctx context.Context) ([]*screening.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActive", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+screeningColumns+` FROM screenings
		WHERE state <> 'archived' ORDER BY id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query: %w", err))
	}
	out, err := collect(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// AppendNotification appends one entry to the record's notification log.
func (s *Store) AppendNotification(ctx context.Context, recordID string, e screening.NotificationEntry) error {
	ctx, span := startSpan(ctx, "pgstore.AppendNotification", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	// serialize appenders per record so seq stays dense
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, recordID); err != nil {
		return fail(span, fmt.Errorf("lock log %s: %w", recordID, err))
	}
	_, err = tx.Exec(ctx, `INSERT INTO notification_log
		(record_id, seq, channel, recipient_role, dedupe_key, attempt, outcome, error, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8
		FROM notification_log WHERE record_id = $1`,
		recordID, string(e.Channel), string(e.RecipientRole), e.DedupeKey, e.Attempt, string(e.Outcome), e.Error, e.Timestamp,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert notification %s: %w", recordID, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ClaimNotification inserts the claim unless one exists for the same key.
func (s *Store) ClaimNotification(ctx context.Context, c screening.NotificationClaim) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.ClaimNotification", "INSERT")
	defer span.End()

	claimedAt := c.ClaimedAt
	if claimedAt.IsZero() {
		claimedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO notification_claims (record_id, dedupe_key, action, outcome, claimed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_id, dedupe_key) DO NOTHING`,
		c.RecordID, c.DedupeKey, []byte(c.Action), string(c.Outcome), claimedAt,
	)
	if err != nil {
		return false, fail(span, fmt.Errorf("claim %s/%s: %w", c.RecordID, c.DedupeKey, err))
	}
	return tag.RowsAffected() == 1, nil
}

// ResolveNotification records the claim's final outcome.
func (s *Store) ResolveNotification(ctx context.Context, recordID, dedupeKey string, outcome screening.DeliveryOutcome) error {
	ctx, span := startSpan(ctx, "pgstore.ResolveNotification", "UPDATE")
	defer span.End()

	_, err := s.pool.Exec(ctx, `UPDATE notification_claims SET outcome = $3, resolved_at = now()
		WHERE record_id = $1 AND dedupe_key = $2`,
		recordID, dedupeKey, string(outcome),
	)
	if err != nil {
		return fail(span, fmt.Errorf("resolve %s/%s: %w", recordID, dedupeKey, err))
	}
	return nil
}

// PendingNotifications returns claims with no terminal outcome, oldest first.
func (s *Store) PendingNotifications(ctx context.Context) ([]screening.NotificationClaim, error) {
	ctx, span := startSpan(ctx, "pgstore.PendingNotifications", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT record_id, dedupe_key, action, outcome, claimed_at
		FROM notification_claims
		WHERE outcome NOT IN ('sent', 'failed', 'duplicate')
		ORDER BY claimed_at, record_id, dedupe_key`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query claims: %w", err))
	}
	defer rows.Close()

	var out []screening.NotificationClaim
	for rows.Next() {
		var (
			c       screening.NotificationClaim
			action  []byte
			outcome string
		)
		if err := rows.Scan(&c.RecordID, &c.DedupeKey, &action, &outcome, &c.ClaimedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan claim: %w", err))
		}
		c.Action = action
		c.Outcome = screening.DeliveryOutcome(outcome)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate claims: %w", err))
	}
	return out, nil
}

func (s *Store) loadLog(ctx context.Context, recordID string) ([]screening.NotificationEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT channel, recipient_role, dedupe_key, attempt, outcome, error, created_at
		FROM notification_log WHERE record_id = $1 ORDER BY seq`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query notification log: %w", err)
	}
	defer rows.Close()

	var out []screening.NotificationEntry
	for rows.Next() {
		var (
			e                      screening.NotificationEntry
			channel, role, outcome string
		)
		if err := rows.Scan(&channel, &role, &e.DedupeKey, &e.Attempt, &outcome, &e.Error, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		e.Channel = screening.Channel(channel)
		e.RecipientRole = screening.RecipientRole(role)
		e.Outcome = screening.DeliveryOutcome(outcome)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification log: %w", err)
	}
	return out, nil
}

func collect(rows pgx.Rows) ([]*screening.Record, error) {
	defer rows.Close()
	var out []*screening.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate screenings: %w", err)
	}
	return out, nil
}

// scanRecord scans a single row into a Record (without notification log).
// Returns (nil, nil) when no row is found.
func scanRecord(row pgx.Row) (*screening.Record, error) {
	var (
		r                     screening.Record
		state, priority       string
		images, risk, reviews []byte
	)
	err := row.Scan(
		&r.ID, &r.SubjectID, &state, &priority, &r.AssignedDoctorID, &images, &risk, &reviews,
		&r.ManualOverride, &r.AnalysisDegraded, &r.AnalysisAttempt, &r.AppliedAttempt, &r.RetryCount,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.State = screening.State(state)
	r.Priority = screening.PriorityLevel(priority)

	if err := json.Unmarshal(images, &r.Images); err != nil {
		return nil, fmt.Errorf("unmarshal images %s: %w", r.ID, err)
	}
	if len(risk) > 0 {
		r.Risk = &screening.RiskAssessment{}
		if err := json.Unmarshal(risk, r.Risk); err != nil {
			return nil, fmt.Errorf("unmarshal risk %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal(reviews, &r.Reviews); err != nil {
		return nil, fmt.Errorf("unmarshal reviews %s: %w", r.ID, err)
	}
	if len(r.Reviews) == 0 {
		r.Reviews = nil
	}
	return &r, nil
}
