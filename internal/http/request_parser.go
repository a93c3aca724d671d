// Package http exposes the ledger and the bulk dues operations as a JSON API.
//
// This file holds the request side: body decoding with struct validation,
// cutoff and month parsing, and input sanitization.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"feeledger/internal/core"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New()

type (
	paymentRequest struct {
		Month  string `json:"month" validate:"required"`
		Amount string `json:"amount" validate:"required"`
	}

	markUnpaidRequest struct {
		ClassID string   `json:"class_id" validate:"required"`
		Months  []string `json:"months" validate:"required,min=1,max=12,dive,required"`
	}

	forceRequest struct {
		StudentIDs []string `json:"student_ids" validate:"required,min=1,dive,required"`
		Months     []string `json:"months" validate:"required,min=1,max=12,dive,required"`
	}
)

// decodeJSON reads a single JSON document into dst and validates it.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return errors.New("request body too large")
	}
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError flattens validator errors into one readable message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

// parseCutoff reads the optional ?cutoff= query parameter. Month names,
// abbreviations and 1-based numbers are accepted; fallback is used when the
// parameter is absent.
func parseCutoff(r *http.Request, fallback core.Month) (core.Month, error) {
	v := strings.TrimSpace(r.URL.Query().Get("cutoff"))
	if v == "" {
		return fallback, nil
	}
	m, err := core.ParseMonth(v)
	if err != nil {
		return 0, fmt.Errorf("%w: cutoff %q", core.ErrInvalidCutoff, v)
	}
	return m, nil
}

func parseMonths(in []string) ([]core.Month, error) {
	out := make([]core.Month, 0, len(in))
	for _, s := range in {
		m, err := core.ParseMonth(sanitizeInput(s))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// sanitizeInput removes control characters except tab, newline and carriage
// return, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

func sanitizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = sanitizeInput(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
