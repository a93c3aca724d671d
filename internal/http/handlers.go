package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"feeledger/internal/amqp"
	"feeledger/internal/auth"
	"feeledger/internal/core"
	flog "feeledger/internal/log"
	"feeledger/internal/progress"
)

type classDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Fee  string `json:"fee,omitempty"`
}

func (s *Server) handleListClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.opts.Ledger.Classes(r.Context())
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	out := make([]classDTO, 0, len(classes))
	for _, c := range classes {
		dto := classDTO{ID: c.ID, Name: c.Name}
		if c.FeeAmount.Valid {
			dto.Fee = core.FormatAmount(c.FeeAmount.Decimal)
		}
		out = append(out, dto)
	}
	NewJSONResponse().Data(out).Write(w)
}

func (s *Server) handleClassDues(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r, s.opts.Ledger.DefaultCutoff())
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	sum, err := s.opts.Ledger.ClassSummary(r.Context(), chi.URLParam(r, "id"), cutoff)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	NewJSONResponse().Data(toClassSummaryDTO(sum)).Write(w)
}

func (s *Server) handleStudentDues(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r, s.opts.Ledger.DefaultCutoff())
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	st, dues, err := s.opts.Ledger.StudentDues(r.Context(), chi.URLParam(r, "id"), cutoff)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	NewJSONResponse().Data(toDuesDTO(st, dues, true)).Write(w)
}

func (s *Server) handleStudentBill(w http.ResponseWriter, r *http.Request) {
	cutoff, err := parseCutoff(r, s.opts.Ledger.DefaultCutoff())
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	id := chi.URLParam(r, "id")
	bill, err := s.opts.Ledger.Bill(r.Context(), id, cutoff)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	NewJSONResponse().Data(toBillDTO(id, bill)).Write(w)
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	month, err := core.ParseMonth(sanitizeInput(req.Month))
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	amount, err := core.ParseAmount(req.Amount)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}

	id := chi.URLParam(r, "id")
	snap, err := s.opts.Ledger.RecordPayment(r.Context(), id, month, amount)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	slog.InfoContext(r.Context(), "Payment recorded",
		flog.NewFields().
			WithComponent(flog.ComponentLedger).
			WithOperation(flog.OpPayment).
			WithStudentMonth(id, month.String()).
			ToSlice()...)
	NewJSONResponse().Status(http.StatusCreated).Data(toSnapshotDTO(snap)).Write(w)
}

func (s *Server) handleMarkUnpaid(w http.ResponseWriter, r *http.Request) {
	var req markUnpaidRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	months, err := parseMonths(req.Months)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	classID := sanitizeInput(req.ClassID)
	ctx := r.Context()

	if s.opts.Jobs != nil {
		job := amqp.NewBulkDuesJob(uuid.NewString(), amqp.JobMarkUnpaid, auth.BearerToken(r), months)
		job.ClassID = classID
		s.enqueue(w, r, job)
		return
	}

	sess, _ := auth.FromContext(ctx)
	students, err := s.opts.Ledger.Students(ctx, classID)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	res, err := s.opts.Mutator.MarkUnpaidAsDue(ctx, &sess, students, months)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	NewJSONResponse().Data(res).Write(w)
}

func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if err := decodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	months, err := parseMonths(req.Months)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	ids := sanitizeAll(req.StudentIDs)

	if s.opts.Jobs != nil {
		job := amqp.NewBulkDuesJob(uuid.NewString(), amqp.JobForce, auth.BearerToken(r), months)
		job.StudentIDs = ids
		s.enqueue(w, r, job)
		return
	}

	sess, _ := auth.FromContext(r.Context())
	res, err := s.opts.Mutator.ForceMarkDue(r.Context(), &sess, ids, months)
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	NewJSONResponse().Data(res).Write(w)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, job *amqp.BulkDuesJob) {
	if err := job.Validate(); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	if sess, ok := auth.FromContext(r.Context()); ok {
		job.Subject = sess.Subject
	}
	// Recorded before publishing so a fast worker's first event wins.
	s.recordStatus(r, progress.Event{BatchID: job.JobID, Subject: job.Subject, Kind: progress.KindQueued})
	if err := s.opts.Jobs.PublishJob(r.Context(), job); err != nil {
		slog.ErrorContext(r.Context(), "Failed to queue bulk dues job",
			flog.NewFields().
				WithComponent(flog.ComponentAMQP).
				WithBatch(job.JobID, job.Mode).
				WithError(err).
				ToSlice()...)
		s.recordStatus(r, progress.Event{
			BatchID: job.JobID,
			Subject: job.Subject,
			Kind:    progress.KindFailed,
			Error:   "job queue unavailable",
		})
		ErrorResponse(http.StatusServiceUnavailable, "job queue unavailable").Write(w)
		return
	}
	NewJSONResponse().
		Status(http.StatusAccepted).
		Header("Location", "/api/batches/"+job.JobID).
		Data(jobAccepted{JobID: job.JobID, Status: "queued"}).
		Write(w)
}

func (s *Server) recordStatus(r *http.Request, ev progress.Event) {
	if s.opts.Status == nil {
		return
	}
	if err := s.opts.Status.Notify(r.Context(), ev); err != nil {
		slog.WarnContext(r.Context(), "Failed to record batch status",
			flog.FieldComponent, flog.ComponentHTTP,
			flog.FieldBatchID, ev.BatchID,
			flog.FieldError, err)
	}
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		NotFoundError("batch status tracking is not configured").Write(w)
		return
	}
	st, err := s.opts.Status.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		errorFor(r, err).Write(w)
		return
	}
	// Batches are visible to the session that started them.
	if sess, ok := auth.FromContext(r.Context()); ok && st.Subject != "" && st.Subject != sess.Subject {
		errorFor(r, progress.ErrStatusNotFound).Write(w)
		return
	}
	NewJSONResponse().Data(st).Write(w)
}

func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := auth.FromContext(r.Context())
	if !ok {
		errorFor(r, auth.ErrNoSession).Write(w)
		return
	}
	s.opts.Hub.Serve(w, r, sess.Subject)
}
