package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"feeledger/internal/auth"
	"feeledger/internal/core"
	flog "feeledger/internal/log"
	"feeledger/internal/progress"
	"feeledger/internal/records"
)

const (
	ModeMarkUnpaid Mode = "mark_unpaid"
	ModeForce      Mode = "force"
)

var ErrNoMonths = errors.New("at least one month is required")

type (
	// Mode selects how a bulk run treats existing month content.
	Mode string

	// Failure is one student+month write that did not succeed.
	Failure struct {
		StudentID string     `json:"student_id"`
		Month     core.Month `json:"month"`
		Reason    string     `json:"error"`
		Err       error      `json:"-"`
	}

	// BulkResult reports a bulk run. Partial completion is a normal outcome:
	// Failures lists the units that failed while the rest were applied.
	BulkResult struct {
		BatchID string       `json:"batch_id"`
		Mode    Mode         `json:"mode"`
		Months  []core.Month `json:"months"`
		// Affected is the sorted set of students whose month now carries the
		// Dues marker because of this run or an identical earlier one.
		Affected []string `json:"affected"`
		// CountUpdated is len(Affected); repeating a run reports the same value.
		CountUpdated int `json:"count_updated"`
		// Changed counts field writes actually performed.
		Changed   int       `json:"changed"`
		Failures  []Failure `json:"failures,omitempty"`
		Cancelled bool      `json:"cancelled,omitempty"`
	}

	// DuesMutatorConfig holds configuration for bulk runs
	DuesMutatorConfig struct {
		// Concurrency bounds the student writes in flight per month (default: 8)
		Concurrency int
	}

	dueStore interface {
		records.DuesWriter
		records.StudentReader
	}
)

type batchIDKey struct{}

// WithBatchID makes the next bulk run started with ctx use id instead of a
// fresh one, so a queued job and its progress events share an identifier.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, id)
}

func (m *DuesMutator) batchID(ctx context.Context) string {
	if id, ok := ctx.Value(batchIDKey{}).(string); ok && id != "" {
		return id
	}
	return m.newID()
}

func (f Failure) Error() string {
	return fmt.Sprintf("student %s %s: %v", f.StudentID, f.Month, f.Err)
}

// DefaultDuesMutatorConfig returns sensible defaults
func DefaultDuesMutatorConfig() DuesMutatorConfig {
	return DuesMutatorConfig{Concurrency: 8}
}

// DuesMutator applies the "Dues" marker to many students at once.
type DuesMutator struct {
	store    dueStore
	notifier progress.Notifier
	config   DuesMutatorConfig
	now      func() time.Time
	newID    func() string
}

func NewDuesMutator(store dueStore, notifier progress.Notifier, config DuesMutatorConfig) *DuesMutator {
	if notifier == nil {
		notifier = progress.Nop
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultDuesMutatorConfig().Concurrency
	}
	return &DuesMutator{
		store:    store,
		notifier: notifier,
		config:   config,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

type target struct {
	id   string
	name string
}

type unitOutcome struct {
	affected bool
	changed  bool
	err      error
}

type unitFunc func(ctx context.Context, studentID string, month core.Month) unitOutcome

// MarkUnpaidAsDue marks every requested month of every student as due when
// the month is unbilled. Months already due count as affected without a
// write; months holding payments are left alone.
func (m *DuesMutator) MarkUnpaidAsDue(ctx context.Context, sess *auth.Session, students []core.Student, months []core.Month) (*BulkResult, error) {
	if err := sess.Check(m.now()); err != nil {
		return nil, err
	}
	targets := make([]target, 0, len(students))
	for _, s := range students {
		targets = append(targets, target{id: s.ID, name: s.Name})
	}
	return m.run(ctx, sess, ModeMarkUnpaid, targets, months, m.markUnit)
}

// ForceMarkDue overwrites the requested months of the listed students with
// the "Dues" marker regardless of their content.
func (m *DuesMutator) ForceMarkDue(ctx context.Context, sess *auth.Session, studentIDs []string, months []core.Month) (*BulkResult, error) {
	if err := sess.Check(m.now()); err != nil {
		return nil, err
	}
	targets := make([]target, 0, len(studentIDs))
	for _, id := range studentIDs {
		name := id
		if st, err := m.store.GetStudent(ctx, id); err == nil && st.Name != "" {
			name = st.Name
		}
		targets = append(targets, target{id: id, name: name})
	}
	return m.run(ctx, sess, ModeForce, targets, months, m.forceUnit)
}

func (m *DuesMutator) markUnit(ctx context.Context, studentID string, month core.Month) unitOutcome {
	prior, err := m.store.MarkMonthDue(ctx, studentID, month)
	if err != nil {
		return unitOutcome{err: err}
	}
	switch prior {
	case core.StateUnbilled:
		return unitOutcome{affected: true, changed: true}
	case core.StateDue:
		return unitOutcome{affected: true}
	default:
		return unitOutcome{}
	}
}

func (m *DuesMutator) forceUnit(ctx context.Context, studentID string, month core.Month) unitOutcome {
	if err := m.store.ForceMonthDue(ctx, studentID, month); err != nil {
		return unitOutcome{err: err}
	}
	return unitOutcome{affected: true, changed: true}
}

// run executes a batch whose session has already been checked.
func (m *DuesMutator) run(ctx context.Context, sess *auth.Session, mode Mode, targets []target, months []core.Month, unit unitFunc) (*BulkResult, error) {
	months, err := normalizeMonths(months)
	if err != nil {
		return nil, err
	}
	targets = dedupeTargets(targets)

	res := &BulkResult{BatchID: m.batchID(ctx), Mode: mode, Months: months}
	logger := slog.Default().With(flog.NewFields().
		WithComponent(flog.ComponentDues).
		WithBatch(res.BatchID, string(mode)).ToSlice()...)
	logger.InfoContext(ctx, "Starting bulk dues run",
		"students", len(targets),
		"months", len(months),
		flog.FieldSubject, sess.Subject)

	affected := map[string]string{}
	// writes in flight finish even when ctx is cancelled
	writeCtx := context.WithoutCancel(ctx)

	for step, month := range months {
		if err := ctx.Err(); err != nil {
			res.Cancelled = true
			logger.WarnContext(ctx, "Bulk dues run cancelled",
				flog.FieldMonth, month.String(),
				"completed_months", step)
			break
		}

		outcomes := make([]unitOutcome, len(targets))
		var g errgroup.Group
		g.SetLimit(m.config.Concurrency)
		for i, t := range targets {
			g.Go(func() error {
				outcomes[i] = unit(writeCtx, t.id, month)
				return nil
			})
		}
		_ = g.Wait()

		for i, o := range outcomes {
			t := targets[i]
			switch {
			case o.err != nil:
				res.Failures = append(res.Failures, Failure{
					StudentID: t.id, Month: month, Reason: o.err.Error(), Err: o.err,
				})
				logger.ErrorContext(ctx, "Failed to mark month as due",
					flog.FieldStudentID, t.id,
					flog.FieldMonth, month.String(),
					flog.FieldError, o.err)
			case o.affected:
				affected[t.id] = t.name
			}
			if o.changed {
				res.Changed++
			}
		}

		m.notify(ctx, progress.Event{
			BatchID:       res.BatchID,
			Subject:       sess.Subject,
			Kind:          progress.KindProgress,
			Step:          step + 1,
			Total:         len(months),
			Month:         month.String(),
			AffectedNames: sortedNames(affected),
		})
	}

	res.Affected = make([]string, 0, len(affected))
	for id := range affected {
		res.Affected = append(res.Affected, id)
	}
	sort.Strings(res.Affected)
	res.CountUpdated = len(res.Affected)

	m.notify(ctx, progress.Event{
		BatchID: res.BatchID,
		Subject: sess.Subject,
		Kind:    progress.KindSummary,
		Summary: &progress.Summary{
			CountUpdated: res.CountUpdated,
			Changed:      res.Changed,
			Failed:       len(res.Failures),
			Cancelled:    res.Cancelled,
		},
	})

	logger.InfoContext(ctx, "Bulk dues run complete",
		"count_updated", res.CountUpdated,
		"changed", res.Changed,
		"failed", len(res.Failures),
		"cancelled", res.Cancelled)
	return res, nil
}

func (m *DuesMutator) notify(ctx context.Context, ev progress.Event) {
	// a cancelled caller still gets the events of the work that was done
	if err := m.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		slog.WarnContext(ctx, "Failed to deliver progress event",
			flog.FieldComponent, flog.ComponentDues,
			flog.FieldBatchID, ev.BatchID,
			flog.FieldError, err)
	}
}

// normalizeMonths validates, deduplicates and sorts months in calendar order.
func normalizeMonths(months []core.Month) ([]core.Month, error) {
	if len(months) == 0 {
		return nil, ErrNoMonths
	}
	var seen [core.MonthsPerYear]bool
	out := make([]core.Month, 0, len(months))
	for _, mo := range months {
		if !mo.Valid() {
			return nil, fmt.Errorf("%w: %d", core.ErrInvalidMonth, int(mo))
		}
		if seen[mo] {
			continue
		}
		seen[mo] = true
		out = append(out, mo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func dedupeTargets(in []target) []target {
	seen := make(map[string]struct{}, len(in))
	out := make([]target, 0, len(in))
	for _, t := range in {
		if t.id == "" {
			continue
		}
		if _, ok := seen[t.id]; ok {
			continue
		}
		seen[t.id] = struct{}{}
		out = append(out, t)
	}
	return out
}

func sortedNames(affected map[string]string) []string {
	names := make([]string, 0, len(affected))
	for _, n := range affected {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
