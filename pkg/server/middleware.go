package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/completion"
	"github.com/cafgpt/cafgpt/pkg/ratelimit"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestID tags every request with an X-Request-ID and logs it.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		log.Printf("%s %s %d %v id=%s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond), id)
	})
}

// withClientKey attributes downstream completions to the caller's address.
func withClientKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := completion.WithCaller(r.Context(), completion.Caller{ClientKey: ratelimit.ClientKey(r)})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimited consumes one request from the caller's windows before next
// runs. Store failures let the request through.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next(w, r)
			return
		}

		key := ratelimit.ClientKey(r)
		d, err := s.limiter.CheckAndConsume(r.Context(), key)
		if err != nil {
			log.Printf("rate limit check for %s failed, admitting: %v", key, err)
			next(w, r)
			return
		}

		ratelimit.SetHeaders(w.Header(), d)
		if !d.Allowed {
			log.Printf("rate limited %s (%s)", key, d.Scope)
			writeError(w, r, apperr.RateLimited(apperr.KindRateLimited.UserMessage(), d.RetryAfter).
				With("scope", string(d.Scope)).
				With("retryAfter", ratelimit.RetryAfterSeconds(d.RetryAfter)))
			return
		}
		next(w, r)
	}
}
