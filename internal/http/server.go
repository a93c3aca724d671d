package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"feeledger/internal/amqp"
	"feeledger/internal/auth"
	flog "feeledger/internal/log"
	"feeledger/internal/progress"
	"feeledger/internal/services"
)

type (
	// JobPublisher queues bulk dues jobs for a worker.
	JobPublisher interface {
		PublishJob(ctx context.Context, job *amqp.BulkDuesJob) error
	}

	// StatusStore returns the last known state of a batch and records the
	// queued state of jobs handed to the broker.
	StatusStore interface {
		Get(ctx context.Context, batchID string) (progress.Status, error)
		Notify(ctx context.Context, ev progress.Event) error
	}

	// Pinger is a dependency probed by /readyz.
	Pinger interface {
		Ping(ctx context.Context) error
	}

	// Options wires the server to the engine. Jobs, Status and Hub are
	// optional: without Jobs bulk requests run inline and return the result.
	Options struct {
		Ledger            *services.LedgerService
		Mutator           *services.DuesMutator
		Verifier          *auth.Verifier
		Jobs              JobPublisher
		Status            StatusStore
		Hub               *progress.Hub
		Checks            map[string]Pinger
		Logger            *flog.Logger
		RequestsPerMinute int
		RequestTimeout    time.Duration
	}
)

type Server struct {
	http.Server
	opts    Options
	limiter *rateLimiter
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = flog.New(flog.DefaultConfig())
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		opts:    opts,
		limiter: newRateLimiter(opts.RequestsPerMinute),
	}
	go s.limiter.startCleanup(5 * time.Minute)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		flog.RequestLogger(s.opts.Logger, requestID, clientIP),
		middleware.Recoverer,
		securityHeaders,
		flagSuspicious,
	)

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.opts.Verifier.Middleware)

		if s.opts.Hub != nil {
			r.Get("/ws", s.handleProgressStream)
		}

		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout), s.limiter.limitWrites)

			r.Get("/classes", s.handleListClasses)
			r.Get("/classes/{id}/dues", s.handleClassDues)
			r.Get("/students/{id}/dues", s.handleStudentDues)
			r.Get("/students/{id}/bill", s.handleStudentBill)
			r.Post("/students/{id}/payments", s.handleRecordPayment)
			r.Post("/dues/mark-unpaid", s.handleMarkUnpaid)
			r.Post("/dues/force", s.handleForce)
			r.Get("/batches/{id}", s.handleBatchStatus)
		})
	})
	return r
}

// Shutdown stops background routines and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.stop()
	return s.Server.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range s.opts.Checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		NewJSONResponse().Status(http.StatusServiceUnavailable).Data(failed).Write(w)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
