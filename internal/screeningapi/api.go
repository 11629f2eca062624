// Package screeningapi exposes screening capture, review and the doctors'
// live queues over HTTP and WebSocket.
package screeningapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/lookout/internal/authmw"
	"github.com/linnemanlabs/lookout/internal/livequeue"
	"github.com/linnemanlabs/lookout/internal/screening"
)

// ScreeningService defines the business operations the API needs.
type ScreeningService interface {
	Submit(ctx context.Context, req screening.CaptureRequest) (*screening.SubmitResult, error)
	Retry(ctx context.Context, id string) (*screening.SubmitResult, error)
	Get(ctx context.Context, id string) (*screening.Record, bool, error)
	History(ctx context.Context, subjectID string, page, limit int) (*screening.HistoryPage, error)
	Review(ctx context.Context, id string, in screening.ReviewInput) (*screening.Record, error)
	Archive(ctx context.Context, id, doctorID string) (*screening.Record, error)
	Assign(ctx context.Context, id, doctorID string) (*screening.Record, error)
}

// QueueSource serves doctor queue snapshots and live subscriptions.
type QueueSource interface {
	Snapshot(doctorID string) livequeue.Snapshot
	Subscribe(doctorID string) *livequeue.Subscription
}

// Auth holds the credentials the API checks.
type Auth struct {
	// ServiceToken authenticates trusted callers (capture, assignment, retry).
	ServiceToken string
	// DoctorSecret verifies doctor JWTs.
	DoctorSecret string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    ScreeningService
	queues QueueSource
	auth   Auth

	closing   chan struct{}
	closeOnce sync.Once
	streams   sync.WaitGroup
}

// New creates a new API handler.
func New(logger log.Logger, svc ScreeningService, queues QueueSource, auth Auth) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("screening service is required"))
	}
	if queues == nil {
		panic(xerrors.New("queue source is required"))
	}
	return &API{
		logger:  logger.With("component", "screeningapi"),
		svc:     svc,
		queues:  queues,
		auth:    auth,
		closing: make(chan struct{}),
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	service := authmw.BearerToken(a.auth.ServiceToken)
	doctor := authmw.DoctorJWT(a.auth.DoctorSecret)
	reader := authmw.ServiceOrDoctor(a.auth.ServiceToken, a.auth.DoctorSecret)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(service).Post("/screenings", a.handleSubmit)
		r.With(reader).Get("/screenings/{id}", a.handleGet)
		r.With(reader).Get("/subjects/{subjectID}/screenings", a.handleHistory)
		r.With(service).Post("/screenings/{id}/retry", a.handleRetry)
		r.With(service).Post("/screenings/{id}/assign", a.handleAssign)
		r.With(doctor).Post("/screenings/{id}/review", a.handleReview)
		r.With(doctor).Post("/screenings/{id}/archive", a.handleArchive)
		r.With(doctor).Get("/doctors/{doctorID}/queue", a.handleQueue)
		r.With(doctor).Get("/ws/doctors/{doctorID}/queue", a.handleQueueStream)
	})
}

// Close ends every open queue stream and waits for them to finish or ctx to expire.
func (a *API) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.closing) })
	done := make(chan struct{})
	go func() {
		a.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps domain errors onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, screening.ErrInvalidState):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, screening.ErrNotAssignee):
		writeMessage(w, http.StatusForbidden, "record is assigned to another doctor")
	case errors.Is(err, screening.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, screening.ErrInvalidInput):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// ownQueue reports whether the authenticated doctor may read doctorID's queue,
// writing the rejection when not.
func ownQueue(w http.ResponseWriter, r *http.Request, doctorID string) bool {
	caller, ok := authmw.DoctorFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "missing doctor token")
		return false
	}
	if caller != doctorID {
		writeMessage(w, http.StatusForbidden, "queue belongs to another doctor")
		return false
	}
	return true
}
