package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/audit"
	"github.com/cafgpt/cafgpt/pkg/models"
	"github.com/cafgpt/cafgpt/pkg/ratelimit"
)

const toolPaceNote = "pacenote"

const auditInfoKey contextKey = "audit_info"

// auditInfo collects what handlers learn about a request for its audit entry.
type auditInfo struct {
	tool     string
	question string
	errCode  apperr.Kind
}

func auditInfoFrom(ctx context.Context) *auditInfo {
	info, _ := ctx.Value(auditInfoKey).(*auditInfo)
	return info
}

// noteAudit attaches the tool and question to the request's audit entry.
func noteAudit(r *http.Request, tool, question string) {
	if info := auditInfoFrom(r.Context()); info != nil {
		info.tool = tool
		info.question = question
	}
}

// audited writes one audit entry per request, including rate-limited and
// rejected ones.
func (s *Server) audited(tool string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.audit == nil {
			next(w, r)
			return
		}

		info := &auditInfo{tool: tool}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r.WithContext(context.WithValue(r.Context(), auditInfoKey, info)))

		entry := models.AuditEntry{
			RequestID:  requestID(r.Context()),
			ClientHash: audit.HashClient(ratelimit.ClientKey(r)),
			Endpoint:   r.URL.Path,
			Tool:       info.tool,
			StatusCode: rec.status,
			ErrorCode:  string(info.errCode),
			Question:   info.question,
			LatencyMs:  time.Since(start).Milliseconds(),
			CreatedAt:  start.UTC(),
		}
		if err := s.audit.Log(context.WithoutCancel(r.Context()), entry); err != nil {
			log.Printf("audit request %s: %v", entry.RequestID, err)
		}
	}
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := models.AuditQueryOpts{
		Tool:       q.Get("tool"),
		RequestID:  q.Get("request_id"),
		FailedOnly: q.Get("failed") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, apperr.Validation("limit must be between 1 and 1000"))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, apperr.Validation("since must be an RFC 3339 timestamp"))
			return
		}
		opts.Since = since
	}

	entries, err := s.audit.Query(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAdminAuditStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 366 {
			writeError(w, r, apperr.Validation("days must be between 1 and 366"))
			return
		}
		days = n
	}

	stats, err := s.audit.Stats(r.Context(), time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []models.AuditStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}
