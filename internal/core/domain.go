package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	January Month = iota
	February
	March
	April
	May
	June
	July
	August
	September
	October
	November
	December
)

// MonthsPerYear is the number of fee fields on a ledger.
const MonthsPerYear = 12

const (
	Pending Status = "Pending"
	Due     Status = "Due"
	Partial Status = "Partial"
	Paid    Status = "Paid"
)

type (
	// Month is a 0-based calendar month index (January = 0).
	Month int

	// Status is the computed dues status of one month.
	Status string

	// Payment is one entry of a partial-payment ledger.
	Payment struct {
		Amount     decimal.Decimal
		RecordedAt time.Time
	}

	// StudentFeeLedger holds the raw monthly fee fields of one student,
	// January through December, plus arrears predating monthly tracking.
	StudentFeeLedger struct {
		Months       [MonthsPerYear]string
		PreviousDues decimal.Decimal
	}

	Student struct {
		ID         string
		Name       string
		ClassID    string
		RollNumber int
		Ledger     StudentFeeLedger
	}

	Class struct {
		ID   string
		Name string
		// FeeAmount is applied uniformly to every month. Invalid means the
		// class has no fee configured.
		FeeAmount decimal.NullDecimal
	}
)

var (
	ErrInvalidMonth         = errors.New("invalid month")
	ErrInvalidCutoff        = errors.New("cutoff month out of range")
	ErrNegativeFee          = errors.New("class fee must not be negative")
	ErrMissingClassFee      = errors.New("class fee is not configured")
	ErrNegativePreviousDues = errors.New("previous dues must not be negative")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidPayment       = errors.New("invalid payment")
)

var monthNames = [MonthsPerYear]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

func (m Month) Valid() bool {
	return m >= January && m <= December
}

func (m Month) String() string {
	if !m.Valid() {
		return fmt.Sprintf("Month(%d)", int(m))
	}
	return monthNames[m]
}

// Short returns the three letter abbreviation ("Jan").
func (m Month) Short() string {
	return m.String()[:3]
}

// ParseMonth accepts full names, three letter abbreviations (case-insensitive)
// and 1-based month numbers.
func ParseMonth(s string) (Month, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		m := Month(n - 1)
		if !m.Valid() {
			return 0, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
		}
		return m, nil
	}
	for i, name := range monthNames {
		if strings.EqualFold(s, name) || strings.EqualFold(s, name[:3]) {
			return Month(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
}

// Field returns the raw fee field for m.
func (l StudentFeeLedger) Field(m Month) string {
	if !m.Valid() {
		return ""
	}
	return l.Months[m]
}

func (l StudentFeeLedger) Validate() error {
	if l.PreviousDues.IsNegative() {
		return ErrNegativePreviousDues
	}
	return nil
}

// Fee resolves the monthly fee of the class. A missing or negative fee is a
// precondition violation; it is never defaulted to zero.
func (c Class) Fee() (decimal.Decimal, error) {
	if !c.FeeAmount.Valid {
		return decimal.Zero, fmt.Errorf("class %s: %w", c.ID, ErrMissingClassFee)
	}
	if c.FeeAmount.Decimal.IsNegative() {
		return decimal.Zero, fmt.Errorf("class %s: %w", c.ID, ErrNegativeFee)
	}
	return c.FeeAmount.Decimal, nil
}

func (s Student) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("student id cannot be empty")
	}
	return s.Ledger.Validate()
}
