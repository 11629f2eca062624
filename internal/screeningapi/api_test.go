package screeningapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lookout/internal/authmw"
	"github.com/linnemanlabs/lookout/internal/livequeue"
	"github.com/linnemanlabs/lookout/internal/scorer"
	"github.com/linnemanlabs/lookout/internal/screening"
	"github.com/linnemanlabs/lookout/internal/screening/memstore"
)

const (
	testServiceToken = "svc-token"
	testSecret       = "doctor-secret"
)

type fixture struct {
	api    *API
	router chi.Router
	store  *memstore.Store
	queues *livequeue.Synchronizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	queues := livequeue.New(livequeue.Config{}, log.Nop())
	m := screening.NewMachine(store, screening.MachineConfig{}, log.Nop())
	m.AddObserver(queues)
	svc := screening.NewService(m, store, scorer.Fixed{Default: 95}, screening.ServiceConfig{RetryDelay: time.Millisecond}, log.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	api := New(nil, svc, queues, Auth{ServiceToken: testServiceToken, DoctorSecret: testSecret})
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return &fixture{api: api, router: r, store: store, queues: queues}
}

func doctorToken(t *testing.T, doctorID string) string {
	t.Helper()
	tok, err := authmw.IssueDoctorToken([]byte(testSecret), doctorID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueDoctorToken: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func captureBody(subject, doctor string) string {
	return fmt.Sprintf(`{"subject_id":%q,"doctor_id":%q,"images":[{"url":"https://img.example/%s.jpg","role":"left_eye","quality_score":80}]}`,
		subject, doctor, subject)
}

// submitCompleted submits a capture and waits for its analysis to finish.
func (f *fixture) submitCompleted(t *testing.T, subject, doctor string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/screenings", testServiceToken, captureBody(subject, doctor))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var res submitResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	waitFor(t, func() bool {
		r, ok, _ := f.store.Get(context.Background(), res.ID)
		return ok && r.State == screening.StateCompleted
	})
	return res.ID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if f.api.logger == nil {
		t.Fatal("New(nil, ...) left logger nil; expected Nop logger")
	}
}

func TestNew_NilDependencies_Panic(t *testing.T) {
	t.Parallel()

	queues := livequeue.New(livequeue.Config{}, nil)
	tests := []struct {
		name string
		fn   func()
	}{
		{"nil service", func() { New(nil, nil, queues, Auth{}) }},
		{"nil queues", func() { New(nil, &screening.Service{}, nil, Auth{}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("New did not panic")
				}
			}()
			tt.fn()
		})
	}
}

// Submit

func TestSubmit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name       string
		token      string
		body       string
		wantStatus int
	}{
		{"valid", testServiceToken, captureBody("p-1", "dr-1"), http.StatusAccepted},
		{"no token", "", captureBody("p-1", "dr-1"), http.StatusUnauthorized},
		{"doctor token rejected", doctorToken(t, "dr-1"), captureBody("p-1", "dr-1"), http.StatusUnauthorized},
		{"invalid JSON", testServiceToken, `{bad`, http.StatusBadRequest},
		{"no images", testServiceToken, `{"subject_id":"p-1","images":[]}`, http.StatusBadRequest},
		{"bad role", testServiceToken, `{"subject_id":"p-1","images":[{"url":"u","role":"nose"}]}`, http.StatusBadRequest},
		{"no subject", testServiceToken, `{"images":[{"url":"u","role":"left_eye"}]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := f.do(t, http.MethodPost, "/api/v1/screenings", tt.token, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("POST /api/v1/screenings = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestSubmit_AnalysisClassifies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submitCompleted(t, "p-1", "dr-1")

	rec := f.do(t, http.MethodGet, "/api/v1/screenings/"+id, testServiceToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET = %d, want %d", rec.Code, http.StatusOK)
	}
	var got struct {
		screening.Record
		DetectedConditions []screening.DetectedCondition `json:"detected_conditions"`
		AIConfidence       int                           `json:"ai_confidence"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Priority != screening.PriorityCritical {
		t.Errorf("priority = %q, want %q", got.Priority, screening.PriorityCritical)
	}
	if got.Risk == nil || got.Risk.OverallScore != 95 {
		t.Errorf("risk = %+v, want overall score 95", got.Risk)
	}
	if len(got.DetectedConditions) != 1 || got.DetectedConditions[0].Name != "fixed" {
		t.Errorf("detected_conditions = %+v, want [fixed]", got.DetectedConditions)
	}
	if got.AIConfidence != 100 {
		t.Errorf("ai_confidence = %d, want 100", got.AIConfidence)
	}
}

func TestGet_PendingHasEmptyDerivedFields(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := time.Now()
	if err := f.store.Put(context.Background(), &screening.Record{
		ID: "rec-new", SubjectID: "p-1", State: screening.StatePending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/screenings/rec-new", testServiceToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"detected_conditions":[]`) || !strings.Contains(body, `"ai_confidence":0`) {
		t.Errorf("body = %s, want empty derived fields", body)
	}
}

func TestReads_RequireAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submitCompleted(t, "p-1", "dr-1")

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"record without token", "/api/v1/screenings/" + id, "", http.StatusUnauthorized},
		{"record bad token", "/api/v1/screenings/" + id, "junk", http.StatusUnauthorized},
		{"record service", "/api/v1/screenings/" + id, testServiceToken, http.StatusOK},
		{"record assigned doctor", "/api/v1/screenings/" + id, doctorToken(t, "dr-1"), http.StatusOK},
		{"record other doctor", "/api/v1/screenings/" + id, doctorToken(t, "dr-2"), http.StatusForbidden},
		{"history without token", "/api/v1/subjects/p-1/screenings", "", http.StatusUnauthorized},
		{"history service", "/api/v1/subjects/p-1/screenings", testServiceToken, http.StatusOK},
		{"history doctor", "/api/v1/subjects/p-1/screenings", doctorToken(t, "dr-2"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := f.do(t, http.MethodGet, tt.path, tt.token, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("GET %s = %d, want %d: %s", tt.path, rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/screenings/nope", testServiceToken, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if msg := errorBody(t, rec); msg != "not found" {
		t.Errorf("error = %q, want %q", msg, "not found")
	}
}

// Review / archive

func TestReview(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submitCompleted(t, "p-1", "dr-1")
	tok := doctorToken(t, "dr-1")

	rec := f.do(t, http.MethodPost, "/api/v1/screenings/"+id+"/review", tok,
		`{"diagnosis":"retinopathy","follow_up_required":true,"override_priority":"urgent"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("review = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var got screening.Record
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != screening.StateReviewed {
		t.Errorf("state = %q, want %q", got.State, screening.StateReviewed)
	}
	if got.Priority != screening.PriorityUrgent || !got.ManualOverride {
		t.Errorf("priority = %q override = %v, want urgent/true", got.Priority, got.ManualOverride)
	}
	if len(got.Reviews) != 1 || got.Reviews[0].DoctorID != "dr-1" {
		t.Errorf("reviews = %+v, want one by dr-1", got.Reviews)
	}
}

func TestReview_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	pending := &screening.Record{
		ID:        "rec-pending",
		SubjectID: "p-9",
		Images:    []screening.Image{{URL: "u", Role: screening.RoleLeftEye}},
		State:     screening.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.Put(ctx, pending); err != nil {
		t.Fatalf("Put: %v", err)
	}
	tok := doctorToken(t, "dr-1")

	tests := []struct {
		name       string
		id         string
		token      string
		body       string
		wantStatus int
	}{
		{"pending record conflicts", "rec-pending", tok, `{"diagnosis":"x"}`, http.StatusConflict},
		{"unknown record", "missing", tok, `{"diagnosis":"x"}`, http.StatusNotFound},
		{"bad override", "rec-pending", tok, `{"override_priority":"panic"}`, http.StatusBadRequest},
		{"invalid JSON", "rec-pending", tok, `{`, http.StatusBadRequest},
		{"no token", "rec-pending", "", `{"diagnosis":"x"}`, http.StatusUnauthorized},
		{"service token rejected", "rec-pending", testServiceToken, `{"diagnosis":"x"}`, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := f.do(t, http.MethodPost, "/api/v1/screenings/"+tt.id+"/review", tt.token, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("review = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestArchive_ThenReviewConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submitCompleted(t, "p-1", "dr-1")
	tok := doctorToken(t, "dr-1")

	rec := f.do(t, http.MethodPost, "/api/v1/screenings/"+id+"/archive", tok, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("archive = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/screenings/"+id+"/review", tok, `{"diagnosis":"late"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("review after archive = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestReviewArchive_OtherDoctorForbidden(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submitCompleted(t, "p-1", "dr-1")
	other := doctorToken(t, "dr-2")

	rec := f.do(t, http.MethodPost, "/api/v1/screenings/"+id+"/review", other, `{"override_priority":"normal"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("review by other doctor = %d, want %d", rec.Code, http.StatusForbidden)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/screenings/"+id+"/archive", other, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("archive by other doctor = %d, want %d", rec.Code, http.StatusForbidden)
	}

	got, _, _ := f.store.Get(context.Background(), id)
	if got.State != screening.StateCompleted || got.Priority != screening.PriorityCritical || len(got.Reviews) != 0 {
		t.Errorf("record = %s/%s reviews %d, want untouched", got.State, got.Priority, len(got.Reviews))
	}
}

// Retry / assign / history

func TestRetry_NotPendingConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submitCompleted(t, "p-1", "dr-1")

	rec := f.do(t, http.MethodPost, "/api/v1/screenings/"+id+"/retry", testServiceToken, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("retry = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestAssign(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := f.submitCompleted(t, "p-1", "dr-1")

	tests := []struct {
		name       string
		id         string
		body       string
		wantStatus int
	}{
		{"reassign", id, `{"doctor_id":"dr-2"}`, http.StatusOK},
		{"missing doctor", id, `{}`, http.StatusBadRequest},
		{"unknown record", "missing", `{"doctor_id":"dr-2"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/api/v1/screenings/"+tt.id+"/assign", testServiceToken, tt.body)
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: assign = %d, want %d: %s", tt.name, rec.Code, tt.wantStatus, rec.Body.String())
		}
	}

	if n := len(f.queues.Snapshot("dr-2").Entries); n != 1 {
		t.Errorf("dr-2 queue entries = %d, want 1", n)
	}
	if n := len(f.queues.Snapshot("dr-1").Entries); n != 0 {
		t.Errorf("dr-1 queue entries = %d, want 0", n)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for range 3 {
		f.submitCompleted(t, "p-hist", "dr-1")
	}

	rec := f.do(t, http.MethodGet, "/api/v1/subjects/p-hist/screenings?page=1&limit=2", testServiceToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history = %d, want %d", rec.Code, http.StatusOK)
	}
	var got historyResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 3 || got.Pages != 2 || len(got.Records) != 2 {
		t.Errorf("history = total %d pages %d len %d, want 3/2/2", got.Total, got.Pages, len(got.Records))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/subjects/p-hist/screenings?page=x", testServiceToken, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad page = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/subjects/nobody/screenings", testServiceToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("empty history = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"records":[]`) {
		t.Errorf("empty history body = %s, want empty records array", rec.Body.String())
	}
}

// Queues

func TestQueue_OwnOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.submitCompleted(t, "p-1", "dr-1")

	rec := f.do(t, http.MethodGet, "/api/v1/doctors/dr-1/queue", doctorToken(t, "dr-1"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queue = %d, want %d", rec.Code, http.StatusOK)
	}
	var snap livequeue.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Entries) != 1 || snap.Summary[string(screening.PriorityCritical)] != 1 {
		t.Errorf("snapshot = %+v, want one critical entry", snap)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/doctors/dr-1/queue", doctorToken(t, "dr-2"), "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("other doctor's queue = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func dialQueue(t *testing.T, srv *httptest.Server, doctorID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/doctors/" + doctorID + "/queue?" + authmw.QueryTokenParam + "=" + token
	return websocket.DefaultDialer.Dial(u, nil)
}

func readQueueMessage(t *testing.T, conn *websocket.Conn) livequeue.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m livequeue.Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return m
}

func TestQueueStream_SnapshotThenDiffs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	conn, _, err := dialQueue(t, srv, "dr-1", doctorToken(t, "dr-1"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	first := readQueueMessage(t, conn)
	if first.Type != "snapshot" || first.Snapshot == nil {
		t.Fatalf("first message = %+v, want snapshot", first)
	}
	if len(first.Snapshot.Entries) != 0 {
		t.Errorf("snapshot entries = %d, want 0", len(first.Snapshot.Entries))
	}

	id := f.submitCompleted(t, "p-1", "dr-1")

	m := readQueueMessage(t, conn)
	if m.Type != "diff" || m.Diff == nil {
		t.Fatalf("second message = %+v, want diff", m)
	}
	if m.Diff.Op != livequeue.OpInsert || m.Diff.RecordID != id {
		t.Errorf("diff = %+v, want insert of %s", m.Diff, id)
	}
	if m.Diff.Seq <= first.Snapshot.Seq {
		t.Errorf("diff seq %d not after snapshot seq %d", m.Diff.Seq, first.Snapshot.Seq)
	}
}

func TestQueueStream_Forbidden(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"other doctor", doctorToken(t, "dr-2"), http.StatusForbidden},
		{"bad token", "junk", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		conn, resp, err := dialQueue(t, srv, "dr-1", tt.token)
		if err == nil {
			_ = conn.Close()
			t.Fatalf("%s: dial succeeded, want handshake failure", tt.name)
		}
		if resp == nil || resp.StatusCode != tt.wantStatus {
			t.Errorf("%s: handshake response = %v, want %d", tt.name, resp, tt.wantStatus)
		}
	}
}

func TestClose_EndsStreams(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	conn, _, err := dialQueue(t, srv, "dr-1", doctorToken(t, "dr-1"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	readQueueMessage(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.api.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after Close = %v, want going-away close", err)
	}
}
