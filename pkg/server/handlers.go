package server

import (
	"net/http"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
	"github.com/cafgpt/cafgpt/pkg/pacenote"
	"github.com/cafgpt/cafgpt/pkg/ratelimit"
)

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	var q models.PolicyQuery
	if err := decodeJSON(w, r, &q); err != nil {
		writeError(w, r, err)
		return
	}
	noteAudit(r, q.Tool, q.Message)

	res, err := s.policy.Handle(r.Context(), q.Tool, q.Message, q.ConversationHistory)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePaceNote(w http.ResponseWriter, r *http.Request) {
	var req models.PaceNoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	note, err := s.pacenote.Generate(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleRanks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pacenote.Ranks())
}

type rateLimitResponse struct {
	Enabled bool `json:"enabled"`
	*models.RateLimitStatus
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.limiter == nil {
		writeJSON(w, http.StatusOK, rateLimitResponse{Enabled: false})
		return
	}
	status, err := s.limiter.Remaining(r.Context(), ratelimit.ClientKey(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rateLimitResponse{Enabled: true, RateLimitStatus: &status})
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	})
}

type adminUsageResponse struct {
	Ledger          models.UsageRecord   `json:"ledger"`
	MonthlyTotalUSD float64              `json:"monthlyTotalUsd"`
	Tools           []models.ToolSummary `json:"tools,omitempty"`
}

func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := adminUsageResponse{
		Ledger:          s.ledger.Snapshot(ctx),
		MonthlyTotalUSD: s.ledger.MonthlyTotal(ctx),
	}
	if s.tracker != nil {
		now := time.Now().UTC()
		tools, err := s.tracker.ToolSummary(ctx, time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC))
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Tools = tools
	}
	writeJSON(w, http.StatusOK, resp)
}
