package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"feeledger/internal/amqp"
	"feeledger/internal/auth"
	"feeledger/internal/core"
	flog "feeledger/internal/log"
	"feeledger/internal/progress"
	"feeledger/internal/records"
	"feeledger/internal/services"
)

type SessionVerifier interface {
	Verify(raw string) (auth.Session, error)
}

// JobStore resolves the roster of a mark_unpaid job.
type JobStore interface {
	records.ClassReader
	records.StudentReader
}

// DuesWorker runs queued bulk dues jobs.
type DuesWorker struct {
	verifier SessionVerifier
	store    JobStore
	mutator  *services.DuesMutator
	notifier progress.Notifier
}

// NewDuesWorker wires a worker. notifier receives the Failed event of jobs
// rejected before the mutator runs; it may be nil.
func NewDuesWorker(verifier SessionVerifier, store JobStore, mutator *services.DuesMutator, notifier progress.Notifier) *DuesWorker {
	if notifier == nil {
		notifier = progress.Nop
	}
	return &DuesWorker{verifier: verifier, store: store, mutator: mutator, notifier: notifier}
}

// HandleJob verifies the job's session and runs it. Per-student failures are
// reported through the progress events and do not fail the job; only errors
// that prevent the batch from starting are returned. A job that will not be
// retried ends with a Failed event.
func (w *DuesWorker) HandleJob(ctx context.Context, job *amqp.BulkDuesJob) error {
	sess, err := w.verifier.Verify(job.Token)
	if err != nil {
		return w.reject(ctx, job, job.Subject, amqp.Permanent(fmt.Errorf("job %s: %w", job.JobID, err)))
	}
	months, err := job.CoreMonths()
	if err != nil {
		return w.reject(ctx, job, sess.Subject, amqp.Permanent(err))
	}

	ctx = services.WithBatchID(ctx, job.JobID)
	var res *services.BulkResult
	switch job.Mode {
	case amqp.JobMarkUnpaid:
		students, lerr := w.roster(ctx, job.ClassID)
		if lerr != nil {
			return w.reject(ctx, job, sess.Subject, lerr)
		}
		res, err = w.mutator.MarkUnpaidAsDue(ctx, &sess, students, months)
	case amqp.JobForce:
		res, err = w.mutator.ForceMarkDue(ctx, &sess, job.StudentIDs, months)
	default:
		return w.reject(ctx, job, sess.Subject, amqp.Permanent(fmt.Errorf("unknown job mode %q", job.Mode)))
	}
	if err != nil {
		return w.reject(ctx, job, sess.Subject, amqp.Permanent(err))
	}

	slog.InfoContext(ctx, "Bulk dues job finished",
		flog.FieldComponent, flog.ComponentWorker,
		flog.FieldBatchID, job.JobID,
		flog.FieldMode, job.Mode,
		flog.FieldSubject, sess.Subject,
		"count_updated", res.CountUpdated,
		"changed", res.Changed,
		"failed", len(res.Failures))
	return nil
}

// roster returns the students of classID. An unknown class is permanent.
func (w *DuesWorker) roster(ctx context.Context, classID string) ([]core.Student, error) {
	if _, err := w.store.GetClass(ctx, classID); err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return nil, amqp.Permanent(err)
		}
		return nil, fmt.Errorf("load class %s: %w", classID, err)
	}
	students, err := w.store.ListStudentsByClass(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("list students of %s: %w", classID, err)
	}
	return students, nil
}

// reject reports err as the job's terminal state unless the job will be
// redelivered, and returns err for the consumer.
func (w *DuesWorker) reject(ctx context.Context, job *amqp.BulkDuesJob, subject string, err error) error {
	fields := flog.NewFields().
		WithComponent(flog.ComponentWorker).
		WithBatch(job.JobID, job.Mode).
		WithError(err)

	if !amqp.IsPermanent(err) && !amqp.Redelivered(ctx) {
		slog.WarnContext(ctx, "Bulk dues job failed, will retry", fields.ToSlice()...)
		return err
	}

	ev := progress.Event{
		BatchID: job.JobID,
		Subject: subject,
		Kind:    progress.KindFailed,
		Error:   err.Error(),
	}
	if nerr := w.notifier.Notify(ctx, ev); nerr != nil {
		slog.WarnContext(ctx, "Failed to report rejected job",
			flog.FieldComponent, flog.ComponentWorker,
			flog.FieldBatchID, job.JobID,
			flog.FieldError, nerr)
	}
	slog.ErrorContext(ctx, "Bulk dues job rejected", fields.ToSlice()...)
	return err
}
