package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"feeledger/internal/cache"
	"feeledger/internal/core"
	flog "feeledger/internal/log"
	"feeledger/internal/records"
)

// maxSwapAttempts bounds the retries of a payment append that lost a race.
const maxSwapAttempts = 3

// LedgerService answers dues questions for students and classes and records
// payments into the monthly ledger.
type LedgerService struct {
	students records.StudentReader
	classes  records.ClassReader
	ledger   records.LedgerWriter
	cutoff   CutoffResolver
	fees     *cache.LRUCache[core.Class]
	now      func() time.Time
}

func NewLedgerService(store records.Store, cutoff CutoffResolver, classCache *cache.LRUCache[core.Class]) *LedgerService {
	if cutoff == nil {
		cutoff = CurrentMonthResolver{}
	}
	if classCache == nil {
		classCache = cache.NewLRUCache[core.Class](256, 5*time.Minute)
	}
	return &LedgerService{
		students: store,
		classes:  store,
		ledger:   store,
		cutoff:   cutoff,
		fees:     classCache,
		now:      time.Now,
	}
}

// DefaultCutoff resolves the cutoff for the current time. When no month is
// billable yet it returns January.
func (s *LedgerService) DefaultCutoff() core.Month {
	m, ok := s.cutoff.Cutoff(s.now())
	if !ok {
		return core.January
	}
	return m
}

func (s *LedgerService) class(ctx context.Context, id string) (core.Class, error) {
	return s.fees.GetOrLoad(id, func() (core.Class, error) {
		return s.classes.GetClass(ctx, id)
	})
}

// InvalidateClass drops the cached class so a changed fee is picked up.
func (s *LedgerService) InvalidateClass(id string) {
	s.fees.Delete(id)
}

func (s *LedgerService) studentAndFee(ctx context.Context, studentID string) (core.Student, decimal.Decimal, error) {
	st, err := s.students.GetStudent(ctx, studentID)
	if err != nil {
		return core.Student{}, decimal.Zero, err
	}
	class, err := s.class(ctx, st.ClassID)
	if err != nil {
		return core.Student{}, decimal.Zero, fmt.Errorf("class of student %s: %w", studentID, err)
	}
	fee, err := class.Fee()
	if err != nil {
		return core.Student{}, decimal.Zero, err
	}
	return st, fee, nil
}

// StudentDues computes the dues of one student up to cutoff.
func (s *LedgerService) StudentDues(ctx context.Context, studentID string, cutoff core.Month) (core.Student, core.Dues, error) {
	st, fee, err := s.studentAndFee(ctx, studentID)
	if err != nil {
		return core.Student{}, core.Dues{}, err
	}
	dues, err := core.StudentDues(st.Ledger, fee, cutoff)
	if err != nil {
		return core.Student{}, core.Dues{}, fmt.Errorf("student %s: %w", studentID, err)
	}
	if dues.Skipped > 0 {
		slog.WarnContext(ctx, "Malformed ledger segments skipped",
			flog.FieldComponent, flog.ComponentLedger,
			flog.FieldStudentID, studentID,
			"skipped", dues.Skipped)
	}
	return st, dues, nil
}

// Bill returns the bill lines of one student up to cutoff.
func (s *LedgerService) Bill(ctx context.Context, studentID string, cutoff core.Month) (core.Bill, error) {
	_, dues, err := s.StudentDues(ctx, studentID, cutoff)
	if err != nil {
		return core.Bill{}, err
	}
	return core.BillFromDues(dues), nil
}

// ClassSummary computes dues for every student of a class.
func (s *LedgerService) ClassSummary(ctx context.Context, classID string, cutoff core.Month) (core.ClassSummary, error) {
	class, err := s.class(ctx, classID)
	if err != nil {
		return core.ClassSummary{}, err
	}
	students, err := s.students.ListStudentsByClass(ctx, classID)
	if err != nil {
		return core.ClassSummary{}, fmt.Errorf("list students of %s: %w", classID, err)
	}
	sum, err := core.SummarizeClass(class, students, cutoff)
	if err != nil {
		return core.ClassSummary{}, err
	}
	if sum.Skipped > 0 {
		slog.WarnContext(ctx, "Malformed ledger segments skipped",
			flog.FieldComponent, flog.ComponentLedger,
			flog.FieldClassID, classID,
			"skipped", sum.Skipped)
	}
	return sum, nil
}

// Students lists the students of a class.
func (s *LedgerService) Students(ctx context.Context, classID string) ([]core.Student, error) {
	if _, err := s.class(ctx, classID); err != nil {
		return nil, err
	}
	return s.students.ListStudentsByClass(ctx, classID)
}

// Classes lists every class.
func (s *LedgerService) Classes(ctx context.Context) ([]core.Class, error) {
	return s.classes.ListClasses(ctx)
}

// RecordPayment appends a payment to the month's ledger and returns the
// month's new snapshot. A concurrent change of the same field is retried
// against the fresh value.
func (s *LedgerService) RecordPayment(ctx context.Context, studentID string, month core.Month, amount decimal.Decimal) (core.DuesSnapshot, error) {
	if !month.Valid() {
		return core.DuesSnapshot{}, fmt.Errorf("%w: %d", core.ErrInvalidMonth, int(month))
	}
	if !amount.IsPositive() {
		return core.DuesSnapshot{}, fmt.Errorf("%w: amount must be positive", core.ErrInvalidPayment)
	}

	for attempt := 1; attempt <= maxSwapAttempts; attempt++ {
		st, fee, err := s.studentAndFee(ctx, studentID)
		if err != nil {
			return core.DuesSnapshot{}, err
		}
		old := st.Ledger.Months[month]
		next, err := core.EncodeAppendPayment(old, amount, s.now())
		if err != nil {
			return core.DuesSnapshot{}, err
		}
		err = s.ledger.SwapMonthField(ctx, studentID, month, old, next)
		if errors.Is(err, records.ErrConflict) {
			slog.WarnContext(ctx, "Ledger field changed during payment, retrying",
				flog.FieldComponent, flog.ComponentLedger,
				flog.FieldStudentID, studentID,
				flog.FieldMonth, month.String(),
				"attempt", attempt)
			continue
		}
		if err != nil {
			return core.DuesSnapshot{}, fmt.Errorf("record payment: %w", err)
		}

		slog.InfoContext(ctx, "Payment recorded",
			flog.FieldComponent, flog.ComponentLedger,
			flog.FieldStudentID, studentID,
			flog.FieldMonth, month.String(),
			flog.FieldAmount, amount.String())
		return core.MonthStatus(month, next, fee, core.December)
	}
	return core.DuesSnapshot{}, fmt.Errorf("record payment for %s %s: %w", studentID, month, records.ErrConflict)
}
