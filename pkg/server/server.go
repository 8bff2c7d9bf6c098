// Package server exposes the policy, pace note and admin HTTP API.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/auth"
	"github.com/cafgpt/cafgpt/pkg/models"
	"github.com/cafgpt/cafgpt/pkg/ratelimit"
	"github.com/cafgpt/cafgpt/pkg/tracker"
)

// PolicyHandler answers policy questions.
type PolicyHandler interface {
	Handle(ctx context.Context, tool, message string, history []models.ChatMessage) (*models.PolicyQueryResult, error)
}

// PaceNoteGenerator writes pace notes.
type PaceNoteGenerator interface {
	Generate(ctx context.Context, req models.PaceNoteRequest) (*models.PaceNote, error)
}

// UsageReader exposes the monthly cost ledger.
type UsageReader interface {
	Snapshot(ctx context.Context) models.UsageRecord
	MonthlyTotal(ctx context.Context) float64
}

// AuditLog records and reports API requests.
type AuditLog interface {
	Log(ctx context.Context, entry models.AuditEntry) error
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error)
	Stats(ctx context.Context, since time.Time) ([]models.AuditStat, error)
}

// Deps are the components behind the API. Limiter, Tracker, Audit and Auth
// are optional: a nil Limiter disables rate limiting, a nil Auth disables
// the admin routes.
type Deps struct {
	Policy   PolicyHandler
	PaceNote PaceNoteGenerator
	Ledger   UsageReader
	Limiter  *ratelimit.Limiter
	Tracker  tracker.Tracker
	Audit    AuditLog
	Auth     *auth.Authority
}

// Server is the cafgpt HTTP API.
type Server struct {
	listen   string
	policy   PolicyHandler
	pacenote PaceNoteGenerator
	ledger   UsageReader
	limiter  *ratelimit.Limiter
	tracker  tracker.Tracker
	audit    AuditLog
	started  time.Time
	handler  http.Handler
}

// New creates a Server listening on listen.
func New(listen string, deps Deps) *Server {
	s := &Server{
		listen:   listen,
		policy:   deps.Policy,
		pacenote: deps.PaceNote,
		ledger:   deps.Ledger,
		limiter:  deps.Limiter,
		tracker:  deps.Tracker,
		audit:    deps.Audit,
		started:  time.Now(),
	}

	r := mux.NewRouter()
	setFallbacks(r)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	setFallbacks(api)
	api.Use(withClientKey)
	api.HandleFunc("/policy", s.audited("", s.rateLimited(s.handlePolicy))).Methods(http.MethodPost)
	api.HandleFunc("/pacenote", s.audited(toolPaceNote, s.rateLimited(s.handlePaceNote))).Methods(http.MethodPost)
	api.HandleFunc("/pacenote/ranks", s.handleRanks).Methods(http.MethodGet)
	api.HandleFunc("/ratelimit", s.handleRateLimit).Methods(http.MethodGet)

	if deps.Auth != nil {
		admin := r.PathPrefix("/admin").Subrouter()
		setFallbacks(admin)
		admin.Use(deps.Auth.Require(auth.RoleAdmin, writeError))
		admin.HandleFunc("/usage", s.handleAdminUsage).Methods(http.MethodGet)
		if s.audit != nil {
			admin.HandleFunc("/audit", s.handleAdminAudit).Methods(http.MethodGet)
			admin.HandleFunc("/audit/stats", s.handleAdminAuditStats).Methods(http.MethodGet)
		}
	}

	s.handler = withRequestID(r)
	return s
}

// setFallbacks renders unmatched routes and methods as envelopes.
func setFallbacks(r *mux.Router) {
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperr.New(apperr.KindNotFound, "no such route"))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperr.Validation("method %s not allowed", r.Method))
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("cafgpt listening on %s", s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
