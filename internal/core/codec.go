package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Raw markers of the monthly fee field.
const (
	UnbilledMarker  = "undefined"
	DuesMarker      = "Dues"
	EntrySeparator  = ";"
	AmountDelimiter = "=d="
)

// TimestampLayout is the ISO-8601 form with millisecond precision used by
// legacy full payments and ledger entries.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	StateUnbilled FieldState = iota
	StateDue
	StateLedger
	StateLegacyFull
)

// FieldState is the encoding class of a raw fee field, independent of any fee.
type FieldState int

func (s FieldState) String() string {
	switch s {
	case StateUnbilled:
		return "Unbilled"
	case StateDue:
		return "Due"
	case StateLedger:
		return "Ledger"
	case StateLegacyFull:
		return "LegacyFull"
	default:
		return fmt.Sprintf("FieldState(%d)", int(s))
	}
}

var legacyFullPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

// Decoded is the typed reading of one raw fee field.
type Decoded struct {
	State FieldState
	// Paid is the sum of well-formed ledger entries. Zero for every other state.
	Paid decimal.Decimal
	// LegacyFull marks a historical "paid in full" timestamp. It carries no
	// amount; Resolve turns it into the class fee.
	LegacyFull bool
	Payments   []Payment
	// Skipped counts malformed ledger segments that contributed nothing.
	Skipped int
}

// Resolve returns the paid amount, mapping LegacyFull to exactly classFee.
func (d Decoded) Resolve(classFee decimal.Decimal) decimal.Decimal {
	if d.LegacyFull {
		return classFee
	}
	return d.Paid
}

// IsUnbilled reports whether raw is empty, absent or the "undefined" marker.
func IsUnbilled(raw string) bool {
	return raw == "" || raw == UnbilledMarker
}

// Classify returns the encoding class of raw without summing amounts.
func Classify(raw string) FieldState {
	switch {
	case IsUnbilled(raw):
		return StateUnbilled
	case raw == DuesMarker:
		return StateDue
	case legacyFullPattern.MatchString(raw):
		return StateLegacyFull
	default:
		return StateLedger
	}
}

// Decode reads a raw monthly fee field.
//
// Malformed ledger segments (wrong delimiter count, non-numeric or negative
// amount) are skipped and counted rather than reported as errors, so a
// damaged field still yields a number. An entry whose timestamp does not
// parse keeps its amount; only RecordedAt is left zero.
func Decode(raw string) Decoded {
	out := Decoded{State: Classify(raw), Paid: decimal.Zero}
	switch out.State {
	case StateUnbilled, StateDue:
		return out
	case StateLegacyFull:
		out.LegacyFull = true
		return out
	}

	for _, segment := range strings.Split(raw, EntrySeparator) {
		parts := strings.Split(segment, AmountDelimiter)
		if len(parts) != 2 {
			out.Skipped++
			continue
		}
		amount, ok := parseLedgerAmount(parts[0])
		if !ok || amount.IsNegative() {
			out.Skipped++
			continue
		}
		p := Payment{Amount: amount}
		if ts, err := time.Parse(TimestampLayout, strings.TrimSpace(parts[1])); err == nil {
			p.RecordedAt = ts
		}
		out.Payments = append(out.Payments, p)
		out.Paid = out.Paid.Add(amount)
	}
	return out
}

// FormatTimestamp renders t in UTC with millisecond precision and a Z suffix,
// byte-compatible with stored ledger entries.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// EncodeAppendPayment returns raw with a new amount=d=timestamp entry appended.
//
// Unbilled, Dues and legacy full values are replaced outright: once a
// structured entry exists the formats are mutually exclusive. New entries are
// validated here so that malformed segments are never written.
func EncodeAppendPayment(raw string, amount decimal.Decimal, at time.Time) (string, error) {
	if amount.IsNegative() {
		return "", fmt.Errorf("%w: negative amount %s", ErrInvalidPayment, amount)
	}
	if at.IsZero() {
		return "", fmt.Errorf("%w: missing timestamp", ErrInvalidPayment)
	}
	entry := FormatAmount(amount) + AmountDelimiter + FormatTimestamp(at)
	if Classify(raw) != StateLedger {
		return entry, nil
	}
	return raw + EntrySeparator + entry, nil
}
