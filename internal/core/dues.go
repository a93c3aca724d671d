package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DuesSnapshot is the computed result for one month.
type DuesSnapshot struct {
	Month      Month
	FeeAmount  decimal.Decimal
	PaidAmount decimal.Decimal
	DueAmount  decimal.Decimal
	// Overpaid is paid minus fee when positive. It is reported only; it is not
	// carried into other months.
	Overpaid decimal.Decimal
	Status   Status
	// Skipped counts malformed ledger segments in the raw field.
	Skipped int
}

// Dues aggregates a student's ledger up to a cutoff month.
type Dues struct {
	Cutoff       Month
	Monthly      [MonthsPerYear]DuesSnapshot
	PaidYTD      decimal.Decimal
	DueYTD       decimal.Decimal
	PreviousDues decimal.Decimal
	NetDue       decimal.Decimal
	Skipped      int
}

func checkPreconditions(classFee decimal.Decimal, cutoff Month) error {
	if classFee.IsNegative() {
		return ErrNegativeFee
	}
	if !cutoff.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCutoff, int(cutoff))
	}
	return nil
}

// MonthStatus computes the snapshot of one month.
//
// Months after cutoff are Pending with nothing due, whatever they contain.
// The literal "Dues" marker always yields due = classFee. Unbilled months at
// or before the cutoff are due in full.
func MonthStatus(month Month, raw string, classFee decimal.Decimal, cutoff Month) (DuesSnapshot, error) {
	if !month.Valid() {
		return DuesSnapshot{}, fmt.Errorf("%w: %d", ErrInvalidMonth, int(month))
	}
	if err := checkPreconditions(classFee, cutoff); err != nil {
		return DuesSnapshot{}, err
	}
	return monthStatus(month, raw, classFee, cutoff), nil
}

func monthStatus(month Month, raw string, classFee decimal.Decimal, cutoff Month) DuesSnapshot {
	snap := DuesSnapshot{
		Month:      month,
		FeeAmount:  classFee,
		PaidAmount: decimal.Zero,
		DueAmount:  decimal.Zero,
		Overpaid:   decimal.Zero,
	}
	decoded := Decode(raw)
	snap.Skipped = decoded.Skipped

	if month > cutoff {
		snap.Status = Pending
		return snap
	}

	if decoded.State == StateDue {
		snap.DueAmount = classFee
		snap.Status = Due
		return snap
	}

	paid := decoded.Resolve(classFee)
	snap.PaidAmount = paid
	due := classFee.Sub(paid)
	if due.IsNegative() {
		snap.Overpaid = due.Neg()
		due = decimal.Zero
	}
	snap.DueAmount = due

	switch {
	case due.IsZero():
		snap.Status = Paid
	case paid.IsPositive():
		snap.Status = Partial
	default:
		snap.Status = Due
	}
	return snap
}

// StudentDues computes every month of ledger and the year-to-date totals.
// Only months at or before cutoff count towards PaidYTD and DueYTD;
// PreviousDues is added to NetDue without being spread over months.
func StudentDues(ledger StudentFeeLedger, classFee decimal.Decimal, cutoff Month) (Dues, error) {
	if err := checkPreconditions(classFee, cutoff); err != nil {
		return Dues{}, err
	}
	if err := ledger.Validate(); err != nil {
		return Dues{}, err
	}

	out := Dues{
		Cutoff:       cutoff,
		PaidYTD:      decimal.Zero,
		DueYTD:       decimal.Zero,
		PreviousDues: ledger.PreviousDues,
	}
	for m := January; m <= December; m++ {
		snap := monthStatus(m, ledger.Months[m], classFee, cutoff)
		out.Monthly[m] = snap
		out.Skipped += snap.Skipped
		if m > cutoff {
			continue
		}
		out.PaidYTD = out.PaidYTD.Add(snap.PaidAmount)
		out.DueYTD = out.DueYTD.Add(snap.DueAmount)
	}
	out.NetDue = out.DueYTD.Add(ledger.PreviousDues)
	return out, nil
}
