package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"feeledger/internal/auth"
	"feeledger/internal/core"
	"feeledger/internal/progress"
	"feeledger/internal/records"
	"feeledger/internal/services"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	payload    any
	headers    map[string]string
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Data sets the value encoded as the response body.
func (b *JSONResponseBuilder) Data(v any) *JSONResponseBuilder {
	b.payload = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	if b.payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(b.payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// ErrorResponse creates an error response with the message as body.
func ErrorResponse(statusCode int, message string) *JSONResponseBuilder {
	return NewJSONResponse().Status(statusCode).Data(errorBody{Error: message})
}

func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, message)
}

func NotFoundError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusNotFound, message)
}

func InternalServerError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, message)
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, records.ErrNotFound), errors.Is(err, progress.ErrStatusNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrNoSession), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, records.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidMonth),
		errors.Is(err, core.ErrInvalidCutoff),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidPayment),
		errors.Is(err, services.ErrNoMonths):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrMissingClassFee),
		errors.Is(err, core.ErrNegativeFee),
		errors.Is(err, core.ErrNegativePreviousDues):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errorFor builds the response for err. Internal errors are logged and
// reported without detail.
func errorFor(r *http.Request, err error) *JSONResponseBuilder {
	code := statusForError(err)
	if code == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path)
		return InternalServerError("internal error")
	}
	return ErrorResponse(code, err.Error())
}

type (
	snapshotDTO struct {
		Month    string `json:"month"`
		Status   string `json:"status"`
		Fee      string `json:"fee"`
		Paid     string `json:"paid"`
		Due      string `json:"due"`
		Overpaid string `json:"overpaid,omitempty"`
		Skipped  int    `json:"skipped,omitempty"`
	}

	duesDTO struct {
		StudentID    string        `json:"student_id,omitempty"`
		Name         string        `json:"name,omitempty"`
		RollNumber   int           `json:"roll_number,omitempty"`
		Cutoff       string        `json:"cutoff"`
		Months       []snapshotDTO `json:"months,omitempty"`
		PaidYTD      string        `json:"paid_ytd"`
		DueYTD       string        `json:"due_ytd"`
		PreviousDues string        `json:"previous_dues"`
		NetDue       string        `json:"net_due"`
		Skipped      int           `json:"skipped,omitempty"`
	}

	billLineDTO struct {
		Kind   string `json:"kind"`
		Label  string `json:"label"`
		Month  *int   `json:"month,omitempty"`
		Amount string `json:"amount"`
	}

	billDTO struct {
		StudentID string        `json:"student_id"`
		Cutoff    string        `json:"cutoff"`
		Lines     []billLineDTO `json:"lines"`
		Total     string        `json:"total"`
	}

	classSummaryDTO struct {
		ClassID         string    `json:"class_id"`
		Name            string    `json:"name"`
		Fee             string    `json:"fee"`
		Cutoff          string    `json:"cutoff"`
		Students        []duesDTO `json:"students"`
		PaidYTD         string    `json:"paid_ytd"`
		DueYTD          string    `json:"due_ytd"`
		PreviousDues    string    `json:"previous_dues"`
		NetDue          string    `json:"net_due"`
		StudentsWithDue int       `json:"students_with_due"`
	}

	jobAccepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
)

func toSnapshotDTO(s core.DuesSnapshot) snapshotDTO {
	dto := snapshotDTO{
		Month:   s.Month.String(),
		Status:  string(s.Status),
		Fee:     core.FormatAmount(s.FeeAmount),
		Paid:    core.FormatAmount(s.PaidAmount),
		Due:     core.FormatAmount(s.DueAmount),
		Skipped: s.Skipped,
	}
	if s.Overpaid.IsPositive() {
		dto.Overpaid = core.FormatAmount(s.Overpaid)
	}
	return dto
}

func toDuesDTO(st core.Student, d core.Dues, withMonths bool) duesDTO {
	dto := duesDTO{
		StudentID:    st.ID,
		Name:         st.Name,
		RollNumber:   st.RollNumber,
		Cutoff:       d.Cutoff.String(),
		PaidYTD:      core.FormatAmount(d.PaidYTD),
		DueYTD:       core.FormatAmount(d.DueYTD),
		PreviousDues: core.FormatAmount(d.PreviousDues),
		NetDue:       core.FormatAmount(d.NetDue),
		Skipped:      d.Skipped,
	}
	if withMonths {
		dto.Months = make([]snapshotDTO, 0, core.MonthsPerYear)
		for _, snap := range d.Monthly {
			dto.Months = append(dto.Months, toSnapshotDTO(snap))
		}
	}
	return dto
}

func toBillDTO(studentID string, b core.Bill) billDTO {
	dto := billDTO{
		StudentID: studentID,
		Cutoff:    b.Cutoff.String(),
		Lines:     make([]billLineDTO, 0, len(b.Lines)),
		Total:     core.FormatAmount(b.Total),
	}
	for _, l := range b.Lines {
		line := billLineDTO{Kind: string(l.Kind), Label: l.Label, Amount: core.FormatAmount(l.Amount)}
		if l.Month != nil {
			n := int(*l.Month) + 1
			line.Month = &n
		}
		dto.Lines = append(dto.Lines, line)
	}
	return dto
}

func toClassSummaryDTO(s core.ClassSummary) classSummaryDTO {
	dto := classSummaryDTO{
		ClassID:         s.Class.ID,
		Name:            s.Class.Name,
		Fee:             core.FormatAmount(s.Fee),
		Cutoff:          s.Cutoff.String(),
		Students:        make([]duesDTO, 0, len(s.Rows)),
		PaidYTD:         core.FormatAmount(s.PaidYTD),
		DueYTD:          core.FormatAmount(s.DueYTD),
		PreviousDues:    core.FormatAmount(s.PreviousDues),
		NetDue:          core.FormatAmount(s.NetDue),
		StudentsWithDue: s.StudentsWithDue,
	}
	for _, row := range s.Rows {
		dto.Students = append(dto.Students, toDuesDTO(row.Student, row.Dues, false))
	}
	return dto
}
