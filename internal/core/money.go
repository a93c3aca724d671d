// Package core provides the fee ledger domain: the monthly fee field
// encoding, dues computation and bill aggregation.
//
// This file contains amount parsing for user input and ledger segments.
package core

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ParseAmount converts user input into a non-negative decimal amount.
//
// Both dot (12.50) and comma (12,50) decimal separators are accepted. Signs,
// exponents and thousands separators are rejected.
//
// Examples:
//
//	ParseAmount("250")    -> 250, nil
//	ParseAmount("12,50")  -> 12.5, nil
//	ParseAmount("-1")     -> 0, ErrInvalidAmount
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	return parsePlainDecimal(s)
}

// parseLedgerAmount parses the amount part of a stored ledger segment. It is
// stricter than ParseAmount: the stored format never uses a decimal comma.
func parseLedgerAmount(s string) (decimal.Decimal, bool) {
	d, err := parsePlainDecimal(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func parsePlainDecimal(s string) (decimal.Decimal, error) {
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return decimal.Zero, ErrInvalidAmount
	}
	digits := 0
	for _, part := range parts {
		for _, r := range part {
			if !unicode.IsDigit(r) || r > unicode.MaxASCII {
				return decimal.Zero, ErrInvalidAmount
			}
			digits++
		}
	}
	if digits == 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// FormatAmount renders an amount the way it is stored in ledger segments:
// no trailing zeros, no exponent.
func FormatAmount(d decimal.Decimal) string {
	return d.String()
}
