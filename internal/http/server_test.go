package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"feeledger/internal/amqp"
	"feeledger/internal/auth"
	"feeledger/internal/core"
	"feeledger/internal/progress"
	"feeledger/internal/records/memory"
	"feeledger/internal/services"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs []*amqp.BulkDuesJob
	err  error
}

func (f *fakeJobs) PublishJob(_ context.Context, job *amqp.BulkDuesJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeStatus map[string]progress.Status

func (f fakeStatus) Get(_ context.Context, id string) (progress.Status, error) {
	st, ok := f[id]
	if !ok {
		return progress.Status{}, progress.ErrStatusNotFound
	}
	return st, nil
}

func (f fakeStatus) Notify(_ context.Context, ev progress.Event) error {
	f[ev.BatchID] = progress.StatusFromEvent(ev, time.Now())
	return nil
}

type testEnv struct {
	store *memory.Store
	srv   *Server
	token string
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	store := memory.New()
	store.PutClass(core.Class{ID: "c1", Name: "Grade 5", FeeAmount: decimal.NewNullDecimal(decimal.NewFromInt(1000))})
	store.PutClass(core.Class{ID: "c2", Name: "No fee"})
	s1 := core.Student{ID: "s1", Name: "Asha", ClassID: "c1", RollNumber: 1}
	s1.Ledger.Months[core.January] = "Dues"
	s1.Ledger.Months[core.February] = "400=d=2024-02-10T08:00:00.000Z"
	s2 := core.Student{ID: "s2", Name: "Bilal", ClassID: "c1", RollNumber: 2}
	for _, st := range []core.Student{s1, s2} {
		if err := store.PutStudent(st); err != nil {
			t.Fatal(err)
		}
	}

	v, err := auth.NewVerifier("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := v.Issue("clerk", "Clerk", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{
		Ledger:   services.NewLedgerService(store, services.FullYearResolver{}, nil),
		Mutator:  services.NewDuesMutator(store, progress.Nop, services.DefaultDuesMutatorConfig()),
		Verifier: v,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv := NewServer(":0", opts)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testEnv{store: store, srv: srv, token: tok}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)
	env.token = ""
	for _, path := range []string{"/healthz", "/readyz"} {
		rr := env.do(t, http.MethodGet, path, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestReadinessReportsFailedCheck(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Checks = map[string]Pinger{"redis": failingPinger{}}
	})
	rr := env.do(t, http.MethodGet, "/readyz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
	if got := decodeBody[map[string]string](t, rr); got["redis"] != "down" {
		t.Errorf("body = %v", got)
	}
}

func TestAPIRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.token = ""
	rr := env.do(t, http.MethodGet, "/api/students/s1/dues", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rr.Code)
	}

	env.token = "garbage"
	rr = env.do(t, http.MethodGet, "/api/students/s1/dues", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rr.Code)
	}
}

func TestStudentDues(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/students/s1/dues?cutoff=February", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	got := decodeBody[duesDTO](t, rr)
	if got.DueYTD != "1600" || got.PaidYTD != "400" || got.NetDue != "1600" {
		t.Errorf("due/paid/net = %s/%s/%s, want 1600/400/1600", got.DueYTD, got.PaidYTD, got.NetDue)
	}
	if len(got.Months) != 12 {
		t.Fatalf("months = %d, want 12", len(got.Months))
	}
	if got.Months[1].Status != "Partial" || got.Months[2].Status != "Pending" {
		t.Errorf("February/March = %s/%s", got.Months[1].Status, got.Months[2].Status)
	}
}

func TestStudentDuesErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown student", "/api/students/nope/dues", http.StatusNotFound},
		{"bad cutoff", "/api/students/s1/dues?cutoff=Smarch", http.StatusBadRequest},
		{"out of range cutoff", "/api/students/s1/dues?cutoff=13", http.StatusBadRequest},
		{"class without fee", "/api/classes/c2/dues", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := env.do(t, http.MethodGet, tt.path, ""); rr.Code != tt.want {
				t.Errorf("status=%d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestStudentBill(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/students/s1/bill?cutoff=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	got := decodeBody[billDTO](t, rr)
	if len(got.Lines) != 2 || got.Lines[0].Label != "January" || got.Lines[1].Amount != "600" {
		t.Errorf("lines = %+v", got.Lines)
	}
	if got.Lines[0].Month == nil || *got.Lines[0].Month != 1 {
		t.Errorf("January line month = %v, want 1", got.Lines[0].Month)
	}
	if got.Total != "1600" {
		t.Errorf("total = %s, want 1600", got.Total)
	}
}

func TestClassDues(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/classes/c1/dues?cutoff=January", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	got := decodeBody[classSummaryDTO](t, rr)
	if len(got.Students) != 2 || got.Students[0].StudentID != "s1" {
		t.Fatalf("students = %+v", got.Students)
	}
	if got.NetDue != "2000" || got.StudentsWithDue != 2 {
		t.Errorf("net/with due = %s/%d, want 2000/2", got.NetDue, got.StudentsWithDue)
	}
}

func TestRecordPayment(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/api/students/s2/payments", `{"month":"March","amount":"400"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	got := decodeBody[snapshotDTO](t, rr)
	if got.Status != "Partial" || got.Due != "600" || got.Paid != "400" {
		t.Errorf("snapshot = %+v", got)
	}
	st, _ := env.store.GetStudent(context.Background(), "s2")
	if !strings.HasPrefix(st.Ledger.Months[core.March], "400=d=") {
		t.Errorf("stored field = %q", st.Ledger.Months[core.March])
	}

	for _, body := range []string{`{"month":"March"}`, `{"month":"March","amount":"-5"}`, `not json`} {
		if rr := env.do(t, http.MethodPost, "/api/students/s2/payments", body); rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status=%d, want 400", body, rr.Code)
		}
	}
}

func TestMarkUnpaidInline(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"class_id":"c1","months":["January","2"]}`

	rr := env.do(t, http.MethodPost, "/api/dues/mark-unpaid", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	first := decodeBody[services.BulkResult](t, rr)
	// s1 January was already Dues; s2 January and February were Unbilled.
	if first.CountUpdated != 2 || first.Changed != 2 {
		t.Errorf("first run count/changed = %d/%d, want 2/2", first.CountUpdated, first.Changed)
	}

	second := decodeBody[services.BulkResult](t, env.do(t, http.MethodPost, "/api/dues/mark-unpaid", body))
	if second.CountUpdated != first.CountUpdated || second.Changed != 0 {
		t.Errorf("second run count/changed = %d/%d, want %d/0", second.CountUpdated, second.Changed, first.CountUpdated)
	}
}

func TestBulkValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing months", "/api/dues/mark-unpaid", `{"class_id":"c1"}`, http.StatusBadRequest},
		{"bad month", "/api/dues/mark-unpaid", `{"class_id":"c1","months":["Smarch"]}`, http.StatusBadRequest},
		{"unknown class", "/api/dues/mark-unpaid", `{"class_id":"zz","months":["1"]}`, http.StatusNotFound},
		{"empty ids", "/api/dues/force", `{"student_ids":[],"months":["1"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := env.do(t, http.MethodPost, tt.path, tt.body); rr.Code != tt.want {
				t.Errorf("status=%d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestForceInlineReportsUnknownStudent(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodPost, "/api/dues/force", `{"student_ids":["s1","ghost"],"months":["February"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	got := decodeBody[services.BulkResult](t, rr)
	if got.CountUpdated != 1 || len(got.Failures) != 1 || got.Failures[0].StudentID != "ghost" {
		t.Errorf("result = %+v", got)
	}
	st, _ := env.store.GetStudent(context.Background(), "s1")
	if st.Ledger.Months[core.February] != core.DuesMarker {
		t.Errorf("s1 February = %q, want Dues", st.Ledger.Months[core.February])
	}
}

func TestBulkQueuedWhenPublisherConfigured(t *testing.T) {
	jobs := &fakeJobs{}
	env := newTestEnv(t, func(o *Options) { o.Jobs = jobs })

	rr := env.do(t, http.MethodPost, "/api/dues/mark-unpaid", `{"class_id":"c1","months":["March"]}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	got := decodeBody[jobAccepted](t, rr)
	if len(jobs.jobs) != 1 || jobs.jobs[0].JobID != got.JobID {
		t.Fatalf("jobs = %+v, response = %+v", jobs.jobs, got)
	}
	job := jobs.jobs[0]
	if job.Token != env.token || job.ClassID != "c1" || job.Months[0] != int(core.March) {
		t.Errorf("job = %+v", job)
	}
	if rr.Header().Get("Location") != "/api/batches/"+got.JobID {
		t.Errorf("Location = %q", rr.Header().Get("Location"))
	}

	st, _ := env.store.GetStudent(context.Background(), "s2")
	if st.Ledger.Months[core.March] != "" {
		t.Error("queued job must not write inline")
	}

	jobs.err = errors.New("broker down")
	if rr := env.do(t, http.MethodPost, "/api/dues/force", `{"student_ids":["s1"],"months":["1"]}`); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status=%d, want 503", rr.Code)
	}
}

func TestQueuedJobStatus(t *testing.T) {
	tests := []struct {
		name      string
		publisher error
		wantCode  int
		wantState string
	}{
		{name: "accepted job is queued", wantCode: http.StatusAccepted, wantState: progress.StateQueued},
		{name: "unpublished job is failed", publisher: errors.New("broker down"), wantCode: http.StatusServiceUnavailable, wantState: progress.StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeJobs{err: tt.publisher}
			status := fakeStatus{}
			env := newTestEnv(t, func(o *Options) {
				o.Jobs = jobs
				o.Status = status
			})

			rr := env.do(t, http.MethodPost, "/api/dues/mark-unpaid", `{"class_id":"c1","months":["March"]}`)
			if rr.Code != tt.wantCode {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
			if len(status) != 1 {
				t.Fatalf("statuses = %+v, want one", status)
			}
			var id string
			for k := range status {
				id = k
			}
			st := status[id]
			if st.State != tt.wantState || st.Subject != "clerk" {
				t.Errorf("status = %+v, want %s for clerk", st, tt.wantState)
			}
			if tt.wantState == progress.StateFailed && st.Error == "" {
				t.Error("failed status has no reason")
			}

			rr = env.do(t, http.MethodGet, "/api/batches/"+id, "")
			if rr.Code != http.StatusOK {
				t.Fatalf("GET status=%d", rr.Code)
			}
			if got := decodeBody[progress.Status](t, rr); got.State != tt.wantState {
				t.Errorf("GET state = %s, want %s", got.State, tt.wantState)
			}
		})
	}
}

func TestBatchStatus(t *testing.T) {
	status := fakeStatus{
		"mine":   {BatchID: "mine", Subject: "clerk", State: progress.StateDone},
		"theirs": {BatchID: "theirs", Subject: "other", State: progress.StateRunning},
	}
	env := newTestEnv(t, func(o *Options) { o.Status = status })

	rr := env.do(t, http.MethodGet, "/api/batches/mine", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := decodeBody[progress.Status](t, rr); got.State != progress.StateDone {
		t.Errorf("state = %s", got.State)
	}
	for _, id := range []string{"theirs", "missing"} {
		if rr := env.do(t, http.MethodGet, "/api/batches/"+id, ""); rr.Code != http.StatusNotFound {
			t.Errorf("%s: status=%d, want 404", id, rr.Code)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, http.MethodGet, "/api/classes", "")
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("headers = %v", rr.Header())
	}
	got := decodeBody[[]classDTO](t, rr)
	if len(got) != 2 || got[0].Fee != "1000" || got[1].Fee != "" {
		t.Errorf("classes = %+v", got)
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2)
	rl.now = func() time.Time { return now }

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.allow("a") {
		t.Fatal("third request in the window should be rejected")
	}
	if !rl.allow("b") {
		t.Fatal("other clients have their own budget")
	}
	now = now.Add(61 * time.Second)
	if !rl.allow("a") {
		t.Fatal("a new window should reset the budget")
	}
	if rl.hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", rl.hits.Load())
	}

	now = now.Add(11 * time.Minute)
	rl.cleanupStaleEntries()
	if len(rl.clients) != 0 {
		t.Errorf("clients = %d after cleanup, want 0", len(rl.clients))
	}
}

func TestWriteRateLimitResponds429(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.RequestsPerMinute = 1 })
	body := `{"month":"May","amount":"10"}`
	if rr := env.do(t, http.MethodPost, "/api/students/s2/payments", body); rr.Code != http.StatusCreated {
		t.Fatalf("first status=%d", rr.Code)
	}
	rr := env.do(t, http.MethodPost, "/api/students/s2/payments", body)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "60" {
		t.Errorf("second status=%d Retry-After=%q", rr.Code, rr.Header().Get("Retry-After"))
	}
	// Reads are not limited.
	if rr := env.do(t, http.MethodGet, "/api/classes", ""); rr.Code != http.StatusOK {
		t.Errorf("read status=%d", rr.Code)
	}
}
