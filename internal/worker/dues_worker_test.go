package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"feeledger/internal/amqp"
	"feeledger/internal/auth"
	"feeledger/internal/core"
	"feeledger/internal/progress"
	"feeledger/internal/records"
	"feeledger/internal/records/memory"
	"feeledger/internal/services"
)

func setup(t *testing.T) (*memory.Store, *auth.Verifier, *progress.Recorder, *DuesWorker) {
	t.Helper()
	store := memory.New()
	store.PutClass(core.Class{ID: "c1"})
	for _, s := range []core.Student{
		{ID: "s1", Name: "Asha", ClassID: "c1"},
		{ID: "s2", Name: "Bilal", ClassID: "c1"},
	} {
		if err := store.PutStudent(s); err != nil {
			t.Fatal(err)
		}
	}
	v, err := auth.NewVerifier("secret")
	if err != nil {
		t.Fatal(err)
	}
	rec := &progress.Recorder{}
	mutator := services.NewDuesMutator(store, rec, services.DefaultDuesMutatorConfig())
	return store, v, rec, NewDuesWorker(v, store, mutator, rec)
}

func TestHandleJobMarkUnpaid(t *testing.T) {
	store, v, rec, w := setup(t)
	tok, _ := v.Issue("clerk", "Clerk", time.Hour)

	job := amqp.NewBulkDuesJob("job-1", amqp.JobMarkUnpaid, tok, []core.Month{core.January, core.February})
	job.ClassID = "c1"
	if err := w.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}

	st, _ := store.GetStudent(context.Background(), "s2")
	if st.Ledger.Months[core.January] != "Dues" || st.Ledger.Months[core.February] != "Dues" {
		t.Errorf("s2 = %q", st.Ledger.Months[:2])
	}
	events := rec.Events()
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for _, ev := range events {
		if ev.BatchID != "job-1" || ev.Subject != "clerk" {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestHandleJobForce(t *testing.T) {
	store, v, _, w := setup(t)
	tok, _ := v.Issue("clerk", "", time.Hour)

	job := amqp.NewBulkDuesJob("job-2", amqp.JobForce, tok, []core.Month{core.June})
	job.StudentIDs = []string{"s1"}
	if err := w.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	st, _ := store.GetStudent(context.Background(), "s1")
	if st.Ledger.Months[core.June] != "Dues" {
		t.Errorf("s1 June = %q", st.Ledger.Months[core.June])
	}
}

func assertFailedEvent(t *testing.T, rec *progress.Recorder, batchID, subject, reason string) {
	t.Helper()
	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one failed event", events)
	}
	ev := events[0]
	if ev.Kind != progress.KindFailed || ev.BatchID != batchID || ev.Subject != subject {
		t.Errorf("event = %+v, want failed %s for %q", ev, batchID, subject)
	}
	if !strings.Contains(ev.Error, reason) {
		t.Errorf("event error = %q, want it to mention %q", ev.Error, reason)
	}
}

func TestHandleJobRejectsBadToken(t *testing.T) {
	store, _, rec, w := setup(t)
	job := amqp.NewBulkDuesJob("job-3", amqp.JobMarkUnpaid, "not-a-token", []core.Month{core.January})
	job.ClassID = "c1"
	job.Subject = "clerk"

	err := w.HandleJob(context.Background(), job)
	if !amqp.IsPermanent(err) {
		t.Fatalf("HandleJob() error = %v, want permanent", err)
	}
	st, _ := store.GetStudent(context.Background(), "s1")
	if st.Ledger.Months[core.January] != "" {
		t.Error("write happened with invalid token")
	}
	assertFailedEvent(t, rec, "job-3", "clerk", "job-3")
}

func TestHandleJobRejectsUnknownClass(t *testing.T) {
	_, v, rec, w := setup(t)
	tok, _ := v.Issue("clerk", "", time.Hour)
	job := amqp.NewBulkDuesJob("job-4", amqp.JobMarkUnpaid, tok, []core.Month{core.January})
	job.ClassID = "ghost"

	err := w.HandleJob(context.Background(), job)
	if !amqp.IsPermanent(err) || !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("HandleJob() error = %v, want permanent not found", err)
	}
	assertFailedEvent(t, rec, "job-4", "clerk", "ghost")
}

func TestHandleJobRejectsBadMonths(t *testing.T) {
	_, v, rec, w := setup(t)
	tok, _ := v.Issue("clerk", "", time.Hour)
	job := amqp.NewBulkDuesJob("job-5", amqp.JobForce, tok, nil)
	job.StudentIDs = []string{"s1"}
	job.Months = []int{12}

	if err := w.HandleJob(context.Background(), job); !amqp.IsPermanent(err) {
		t.Fatalf("HandleJob() error = %v, want permanent", err)
	}
	assertFailedEvent(t, rec, "job-5", "clerk", "12")
}

type flakyRoster struct {
	*memory.Store
}

func (flakyRoster) ListStudentsByClass(context.Context, string) ([]core.Student, error) {
	return nil, errors.New("connection reset")
}

func TestHandleJobTransientFailure(t *testing.T) {
	tests := []struct {
		name        string
		redelivered bool
		wantEvent   bool
	}{
		{name: "first delivery is retried silently", redelivered: false, wantEvent: false},
		{name: "redelivery is final", redelivered: true, wantEvent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, v, rec, _ := setup(t)
			w := NewDuesWorker(v, flakyRoster{store}, services.NewDuesMutator(store, rec, services.DefaultDuesMutatorConfig()), rec)
			tok, _ := v.Issue("clerk", "", time.Hour)
			job := amqp.NewBulkDuesJob("job-6", amqp.JobMarkUnpaid, tok, []core.Month{core.January})
			job.ClassID = "c1"

			ctx := amqp.WithRedelivered(context.Background(), tt.redelivered)
			err := w.HandleJob(ctx, job)
			if err == nil || amqp.IsPermanent(err) {
				t.Fatalf("HandleJob() error = %v, want retryable", err)
			}
			if tt.wantEvent {
				assertFailedEvent(t, rec, "job-6", "clerk", "connection reset")
			} else if n := len(rec.Events()); n != 0 {
				t.Errorf("events = %d, want none before the retry", n)
			}
		})
	}
}
