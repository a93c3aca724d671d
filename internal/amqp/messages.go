package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"feeledger/internal/core"
)

const (
	JobMarkUnpaid = "mark_unpaid"
	JobForce      = "force"
)

// BulkDuesJob asks a worker to run a bulk dues operation. The session token
// travels with the job so the worker verifies it once before the batch.
type BulkDuesJob struct {
	JobID      string    `json:"job_id"`
	Mode       string    `json:"mode"`
	ClassID    string    `json:"class_id,omitempty"`
	StudentIDs []string  `json:"student_ids,omitempty"`
	Months     []int     `json:"months"`
	Token      string    `json:"token"`
	// Subject is the requester as seen by the API. It only attributes the
	// status of a job rejected before its token verifies.
	Subject    string    `json:"subject,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewBulkDuesJob(jobID, mode, token string, months []core.Month) *BulkDuesJob {
	idx := make([]int, len(months))
	for i, m := range months {
		idx[i] = int(m)
	}
	return &BulkDuesJob{
		JobID:     jobID,
		Mode:      mode,
		Months:    idx,
		Token:     token,
		Timestamp: time.Now(),
	}
}

// Validate checks the job shape; it does not verify the token.
func (j *BulkDuesJob) Validate() error {
	if j.JobID == "" {
		return errors.New("job id is required")
	}
	switch j.Mode {
	case JobMarkUnpaid:
		if j.ClassID == "" {
			return errors.New("class id is required for mark_unpaid")
		}
	case JobForce:
		if len(j.StudentIDs) == 0 {
			return errors.New("student ids are required for force")
		}
	default:
		return fmt.Errorf("unknown job mode %q", j.Mode)
	}
	if len(j.Months) == 0 {
		return errors.New("at least one month is required")
	}
	if _, err := j.CoreMonths(); err != nil {
		return err
	}
	return nil
}

// CoreMonths converts the month indexes of the job.
func (j *BulkDuesJob) CoreMonths() ([]core.Month, error) {
	out := make([]core.Month, len(j.Months))
	for i, n := range j.Months {
		m := core.Month(n)
		if !m.Valid() {
			return nil, fmt.Errorf("%w: %d", core.ErrInvalidMonth, n)
		}
		out[i] = m
	}
	return out, nil
}

func (j *BulkDuesJob) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

func BulkDuesJobFromJSON(data []byte) (*BulkDuesJob, error) {
	var j BulkDuesJob
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// permanentError marks a handler failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the consumer drops the message instead of
// requeueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type redeliveredKey struct{}

// WithRedelivered marks ctx as carrying a job delivered before. A retryable
// failure of such a job is final: the consumer drops it.
func WithRedelivered(ctx context.Context, redelivered bool) context.Context {
	return context.WithValue(ctx, redeliveredKey{}, redelivered)
}

// Redelivered reports whether the job being handled was delivered before.
func Redelivered(ctx context.Context) bool {
	v, _ := ctx.Value(redeliveredKey{}).(bool)
	return v
}
