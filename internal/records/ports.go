package records

import (
	"context"
	"errors"

	"feeledger/internal/core"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-swap finds the field changed.
	ErrConflict = errors.New("field changed concurrently")
)

// Ports for outbound adapters.
type (
	ClassReader interface {
		GetClass(ctx context.Context, id string) (core.Class, error)
		ListClasses(ctx context.Context) ([]core.Class, error)
	}

	StudentReader interface {
		GetStudent(ctx context.Context, id string) (core.Student, error)
		// ListStudentsByClass returns every student of the class ordered by
		// roll number.
		ListStudentsByClass(ctx context.Context, classID string) ([]core.Student, error)
	}

	// DuesWriter performs the single-field writes of a bulk dues run. Each call
	// is atomic for its row; nothing spans more than one field.
	DuesWriter interface {
		// MarkMonthDue writes the "Dues" marker only when the field is
		// currently unbilled and returns the state the field had before.
		// Ledger and legacy values are never touched.
		MarkMonthDue(ctx context.Context, studentID string, month core.Month) (prior core.FieldState, err error)
		// ForceMonthDue overwrites the field with the "Dues" marker.
		ForceMonthDue(ctx context.Context, studentID string, month core.Month) error
	}

	// LedgerWriter updates one raw month field if it still holds old.
	LedgerWriter interface {
		SwapMonthField(ctx context.Context, studentID string, month core.Month, old, new string) error
	}

	Store interface {
		ClassReader
		StudentReader
		DuesWriter
		LedgerWriter
	}
)
