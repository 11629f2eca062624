package screeningapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/lookout/internal/authmw"
	"github.com/linnemanlabs/lookout/internal/screening"
)

type captureRequest struct {
	SubjectID string            `json:"subject_id"`
	DoctorID  string            `json:"doctor_id,omitempty"`
	Images    []screening.Image `json:"images"`
}

type submitResponse struct {
	ID      string          `json:"id"`
	State   screening.State `json:"state"`
	Attempt int             `json:"attempt"`
}

type reviewRequest struct {
	Diagnosis        string     `json:"diagnosis"`
	Notes            string     `json:"notes"`
	Recommendations  []string   `json:"recommendations"`
	FollowUpRequired bool       `json:"follow_up_required"`
	FollowUpDate     *time.Time `json:"follow_up_date"`
	OverridePriority string     `json:"override_priority"`
}

type assignRequest struct {
	DoctorID string `json:"doctor_id"`
}

// recordResponse is a record plus the fields derived from its risk assessment.
type recordResponse struct {
	*screening.Record
	DetectedConditions []screening.DetectedCondition `json:"detected_conditions"`
	AIConfidence       int                           `json:"ai_confidence"`
}

func newRecordResponse(rec *screening.Record) recordResponse {
	detected := rec.Risk.DetectedConditions()
	if detected == nil {
		detected = []screening.DetectedCondition{}
	}
	return recordResponse{Record: rec, DetectedConditions: detected, AIConfidence: rec.Risk.Confidence()}
}

type historyResponse struct {
	Records []recordResponse `json:"records"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	Limit   int              `json:"limit"`
	Pages   int              `json:"pages"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Submit(r.Context(), screening.CaptureRequest{
		SubjectID: req.SubjectID,
		DoctorID:  req.DoctorID,
		Images:    req.Images,
	})
	if err != nil {
		a.writeError(w, r, err, "failed to submit screening", "subject_id", req.SubjectID)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{ID: res.ID, State: res.State, Attempt: res.Attempt})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("lookout.screening.id", id))

	rec, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get screening", "id", id)
		return
	}
	if !ok {
		writeMessage(w, http.StatusNotFound, "not found")
		return
	}
	// doctors see unassigned records and their own
	if doctorID, isDoctor := authmw.DoctorFromContext(r.Context()); isDoctor &&
		rec.AssignedDoctorID != "" && rec.AssignedDoctorID != doctorID {
		writeMessage(w, http.StatusForbidden, "record is assigned to another doctor")
		return
	}

	span.SetAttributes(attribute.String("lookout.screening.state", string(rec.State)))
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	page, ok := intParam(w, r, "page")
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}

	hp, err := a.svc.History(r.Context(), subjectID, page, limit)
	if err != nil {
		a.writeError(w, r, err, "failed to list screenings", "subject_id", subjectID)
		return
	}
	records := make([]recordResponse, 0, len(hp.Records))
	for _, rec := range hp.Records {
		records = append(records, newRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Records: records,
		Total:   hp.Total,
		Page:    hp.Page,
		Limit:   hp.Limit,
		Pages:   hp.Pages,
	})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := a.svc.Retry(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to retry analysis", "id", id)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: res.ID, State: res.State, Attempt: res.Attempt})
}

func (a *API) handleReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doctorID, _ := authmw.DoctorFromContext(r.Context())

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}
	var override screening.PriorityLevel
	if req.OverridePriority != "" {
		p, err := screening.ParsePriority(req.OverridePriority)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		override = p
	}

	rec, err := a.svc.Review(r.Context(), id, screening.ReviewInput{
		DoctorID:         doctorID,
		Diagnosis:        req.Diagnosis,
		Notes:            req.Notes,
		Recommendations:  req.Recommendations,
		FollowUpRequired: req.FollowUpRequired,
		FollowUpDate:     req.FollowUpDate,
		Override:         override,
	})
	if err != nil {
		a.writeError(w, r, err, "failed to record review", "id", id, "doctor_id", doctorID)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doctorID, _ := authmw.DoctorFromContext(r.Context())
	rec, err := a.svc.Archive(r.Context(), id, doctorID)
	if err != nil {
		a.writeError(w, r, err, "failed to archive screening", "id", id, "doctor_id", doctorID)
		return
	}
	a.logger.Info(r.Context(), "screening archived", "id", id, "doctor_id", doctorID)
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.DoctorID == "" {
		writeMessage(w, http.StatusBadRequest, "doctor_id is required")
		return
	}
	rec, err := a.svc.Assign(r.Context(), id, req.DoctorID)
	if err != nil {
		a.writeError(w, r, err, "failed to assign screening", "id", id, "doctor_id", req.DoctorID)
		return
	}
	writeJSON(w, http.StatusOK, newRecordResponse(rec))
}

// intParam reads an optional non-negative integer query parameter. Zero means unset.
func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeMessage(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}
