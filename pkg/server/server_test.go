package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/audit"
	"github.com/cafgpt/cafgpt/pkg/auth"
	"github.com/cafgpt/cafgpt/pkg/completion"
	"github.com/cafgpt/cafgpt/pkg/config"
	"github.com/cafgpt/cafgpt/pkg/models"
	"github.com/cafgpt/cafgpt/pkg/ratelimit"
)

type fakePolicy struct {
	tool    string
	history []models.ChatMessage
	caller  completion.Caller
	err     error
}

func (f *fakePolicy) Handle(ctx context.Context, tool, message string, history []models.ChatMessage) (*models.PolicyQueryResult, error) {
	f.tool = tool
	f.history = history
	f.caller = completion.CallerFrom(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return &models.PolicyQueryResult{Answer: "answer to " + message, Citations: []string{"DAOD 5017-1"}}, nil
}

type fakePaceNote struct {
	calls int
}

func (f *fakePaceNote) Generate(_ context.Context, req models.PaceNoteRequest) (*models.PaceNote, error) {
	f.calls++
	return &models.PaceNote{Feedback: "well done", Rank: req.Rank}, nil
}

type fakeLedger struct{}

func (fakeLedger) Snapshot(context.Context) models.UsageRecord {
	return models.UsageRecord{APICostUSD: 1.5, ServerCostUSD: 15.70, LastResetDate: "2026-10-01"}
}

func (fakeLedger) MonthlyTotal(context.Context) float64 { return 17.2 }

type fakeAudit struct {
	entries []models.AuditEntry
	opts    models.AuditQueryOpts
}

func (f *fakeAudit) Log(_ context.Context, e models.AuditEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) Query(_ context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	f.opts = opts
	return f.entries, nil
}

func (f *fakeAudit) Stats(context.Context, time.Time) ([]models.AuditStat, error) {
	return []models.AuditStat{{Tool: "doad", Day: "2026-10-18", Count: len(f.entries)}}, nil
}

type testEnv struct {
	srv      *Server
	policy   *fakePolicy
	pacenote *fakePaceNote
	audit    *fakeAudit
	auth     *auth.Authority
}

func setupServer(t *testing.T, hourly, daily int) *testEnv {
	t.Helper()
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(0), ratelimit.Options{
		Limits:       ratelimit.Limits{Hourly: hourly, Daily: daily},
		TrustedCIDRs: []string{"205.193.0.0/16"},
	})
	if err != nil {
		t.Fatal(err)
	}
	a, err := auth.New(config.AdminConfig{JWTSecret: "secret", TokenTTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{policy: &fakePolicy{}, pacenote: &fakePaceNote{}, audit: &fakeAudit{}, auth: a}
	env.srv = New(":0", Deps{
		Policy:   env.policy,
		PaceNote: env.pacenote,
		Ledger:   fakeLedger{},
		Limiter:  limiter,
		Audit:    env.audit,
		Auth:     a,
	})
	return env
}

func do(t *testing.T, srv *Server, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "1.2.3.4:5555"
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v\nraw: %s", err, w.Body.String())
	}
	return w, env
}

const paceNoteBody = `{"rank":"Cpl","observations":"Led the section through the range without incident."}`

func TestPolicy(t *testing.T) {
	env := setupServer(t, 10, 30)
	body := `{"tool":"doad","message":"grievance?","conversationHistory":[{"role":"user","content":"hi"}]}`
	w, resp := do(t, env.srv, http.MethodPost, "/api/policy", body, nil)

	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected success, got %d: %s", w.Code, w.Body.String())
	}
	data := resp.Data.(map[string]any)
	if data["answer"] != "answer to grievance?" {
		t.Errorf("unexpected answer %v", data["answer"])
	}
	if env.policy.tool != "doad" || len(env.policy.history) != 1 {
		t.Errorf("unexpected handler input tool=%s history=%d", env.policy.tool, len(env.policy.history))
	}
	if env.policy.caller.ClientKey != "1.2.3.4" {
		t.Errorf("expected client key 1.2.3.4, got %q", env.policy.caller.ClientKey)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("expected 9 remaining, got %q", w.Header().Get("X-RateLimit-Remaining"))
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestPolicyErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   apperr.Kind
		msg    string
	}{
		{"bad json", `{"tool":`, nil, http.StatusBadRequest, apperr.KindValidation, "invalid request body"},
		{"too large", `{"message":"` + strings.Repeat("x", maxBodyBytes) + `"}`, nil, http.StatusBadRequest, apperr.KindValidation, "request body exceeds"},
		{"validation", `{}`, apperr.Validation("unknown tool %q", ""), http.StatusBadRequest, apperr.KindValidation, "unknown tool"},
		{"upstream auth", `{}`, apperr.New(apperr.KindUnauthorized, "bad key"), http.StatusUnauthorized, apperr.KindUnauthorized, "Authentication failed."},
		{"timeout", `{}`, apperr.New(apperr.KindTimeout, "slow"), http.StatusServiceUnavailable, apperr.KindTimeout, "timed out"},
		{"internal hides detail", `{}`, apperr.Wrap(apperr.KindInternal, "load secret/path.md", context.Canceled), http.StatusInternalServerError, apperr.KindInternal, "An internal error occurred."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupServer(t, 10, 30)
			env.policy.err = tt.err
			w, resp := do(t, env.srv, http.MethodPost, "/api/policy", tt.body, nil)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
			if resp.Success || resp.Code != tt.code {
				t.Errorf("expected code %s, got %+v", tt.code, resp)
			}
			if !strings.Contains(resp.Error, tt.msg) {
				t.Errorf("expected error containing %q, got %q", tt.msg, resp.Error)
			}
			if strings.Contains(w.Body.String(), "secret/path.md") {
				t.Error("internal detail leaked")
			}
		})
	}
}

func TestPaceNoteRateLimited(t *testing.T) {
	env := setupServer(t, 10, 30)

	for i := 0; i < 10; i++ {
		w, _ := do(t, env.srv, http.MethodPost, "/api/pacenote", paceNoteBody, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w, resp := do(t, env.srv, http.MethodPost, "/api/pacenote", paceNoteBody, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if resp.Code != apperr.KindRateLimited {
		t.Errorf("expected RATE_LIMITED, got %s", resp.Code)
	}
	if resp.Details["scope"] != "hourly" {
		t.Errorf("expected hourly scope, got %v", resp.Details["scope"])
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if env.pacenote.calls != 10 {
		t.Errorf("expected generator to run 10 times, got %d", env.pacenote.calls)
	}

	// A different client is unaffected.
	_, resp = do(t, env.srv, http.MethodPost, "/api/pacenote", paceNoteBody, map[string]string{"CF-Connecting-IP": "5.6.7.8"})
	if !resp.Success {
		t.Errorf("expected other client to succeed, got %+v", resp)
	}
}

func TestTrustedNetworkNotLimited(t *testing.T) {
	env := setupServer(t, 1, 1)
	hdr := map[string]string{"X-Forwarded-For": "205.193.4.5, 10.0.0.1"}
	for i := 0; i < 3; i++ {
		w, _ := do(t, env.srv, http.MethodPost, "/api/pacenote", paceNoteBody, hdr)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
}

func TestRateLimitStatus(t *testing.T) {
	env := setupServer(t, 10, 30)
	do(t, env.srv, http.MethodPost, "/api/pacenote", paceNoteBody, nil)

	for i := 0; i < 2; i++ {
		w, resp := do(t, env.srv, http.MethodGet, "/api/ratelimit", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		data := resp.Data.(map[string]any)
		hourly := data["hourly"].(map[string]any)
		if hourly["remaining"].(float64) != 9 {
			t.Errorf("expected 9 hourly remaining, got %v", hourly["remaining"])
		}
		daily := data["daily"].(map[string]any)
		if daily["remaining"].(float64) != 29 {
			t.Errorf("expected 29 daily remaining, got %v", daily["remaining"])
		}
	}
}

func TestRanksAndHealth(t *testing.T) {
	env := setupServer(t, 10, 30)

	_, resp := do(t, env.srv, http.MethodGet, "/api/pacenote/ranks", "", nil)
	if ranks := resp.Data.([]any); len(ranks) != 4 {
		t.Errorf("expected 4 ranks, got %d", len(ranks))
	}

	_, resp = do(t, env.srv, http.MethodGet, "/health", "", nil)
	if resp.Data.(map[string]any)["status"] != "ok" {
		t.Errorf("unexpected health %+v", resp.Data)
	}
}

func TestRoutingErrors(t *testing.T) {
	env := setupServer(t, 10, 30)

	w, resp := do(t, env.srv, http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound || resp.Code != apperr.KindNotFound {
		t.Errorf("expected 404 NOT_FOUND, got %d %s", w.Code, resp.Code)
	}

	w, resp = do(t, env.srv, http.MethodGet, "/api/policy", "", nil)
	if w.Code != http.StatusBadRequest || resp.Code != apperr.KindValidation {
		t.Errorf("expected 400 for wrong method, got %d %s", w.Code, resp.Code)
	}
}

func TestAdminUsage(t *testing.T) {
	env := setupServer(t, 10, 30)

	w, resp := do(t, env.srv, http.MethodGet, "/admin/usage", "", nil)
	if w.Code != http.StatusUnauthorized || resp.Code != apperr.KindUnauthorized {
		t.Fatalf("expected 401, got %d %s", w.Code, resp.Code)
	}

	token, _, err := env.auth.GenerateToken("ops", auth.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	w, resp = do(t, env.srv, http.MethodGet, "/admin/usage", "", map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := resp.Data.(map[string]any)
	if data["monthlyTotalUsd"].(float64) != 17.2 {
		t.Errorf("expected monthly total 17.2, got %v", data["monthlyTotalUsd"])
	}
	ledger := data["ledger"].(map[string]any)
	if ledger["serverCostUsd"].(float64) != 15.70 {
		t.Errorf("expected server cost 15.70, got %v", ledger["serverCostUsd"])
	}
}

func TestRequestIDPropagated(t *testing.T) {
	env := setupServer(t, 10, 30)
	id := "0b6c6b0e-3c57-4b8a-9a43-52a1c7d5b8e1"
	w, _ := do(t, env.srv, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": id})
	if got := w.Header().Get("X-Request-ID"); got != id {
		t.Errorf("expected request id %s, got %s", id, got)
	}

	w, _ = do(t, env.srv, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "not-a-uuid"})
	if got := w.Header().Get("X-Request-ID"); got == "not-a-uuid" || got == "" {
		t.Errorf("expected a fresh request id, got %q", got)
	}
}

func TestAuditRecordsRequests(t *testing.T) {
	env := setupServer(t, 1, 30)

	do(t, env.srv, http.MethodPost, "/api/policy", `{"tool":"doad","message":"grievance?"}`, nil)
	env.policy.err = apperr.Validation("message is required")
	do(t, env.srv, http.MethodPost, "/api/policy", `{"tool":"leave","message":""}`, map[string]string{"CF-Connecting-IP": "9.9.9.9"})
	do(t, env.srv, http.MethodPost, "/api/pacenote", paceNoteBody, nil)
	do(t, env.srv, http.MethodGet, "/api/ratelimit", "", nil)

	if len(env.audit.entries) != 3 {
		t.Fatalf("expected 3 audited requests, got %d", len(env.audit.entries))
	}

	ok := env.audit.entries[0]
	if ok.Tool != "doad" || ok.Question != "grievance?" || ok.StatusCode != http.StatusOK || ok.ErrorCode != "" {
		t.Errorf("unexpected success entry %+v", ok)
	}
	if ok.ClientHash != audit.HashClient("1.2.3.4") {
		t.Errorf("expected hashed client key, got %q", ok.ClientHash)
	}
	if ok.RequestID == "" || ok.Endpoint != "/api/policy" {
		t.Errorf("expected request id and endpoint, got %+v", ok)
	}

	bad := env.audit.entries[1]
	if bad.Tool != "leave" || bad.StatusCode != http.StatusBadRequest || bad.ErrorCode != string(apperr.KindValidation) {
		t.Errorf("unexpected validation entry %+v", bad)
	}

	limited := env.audit.entries[2]
	if limited.Tool != toolPaceNote || limited.StatusCode != http.StatusTooManyRequests || limited.ErrorCode != string(apperr.KindRateLimited) {
		t.Errorf("unexpected rate limited entry %+v", limited)
	}
	if limited.Question != "" {
		t.Errorf("expected no question for pace notes, got %q", limited.Question)
	}
}

func TestAuditKeepsRepeatedRequestIDs(t *testing.T) {
	env := setupServer(t, 10, 30)
	logger, err := audit.New(filepath.Join(t.TempDir(), "audit.db"), config.AuditConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	env.srv.audit = logger

	id := "11111111-1111-1111-1111-111111111111"
	hdr := map[string]string{"X-Request-ID": id}
	do(t, env.srv, http.MethodPost, "/api/policy", `{"tool":"doad","message":"grievance?"}`, hdr)
	env.policy.err = apperr.Validation("message is required")
	do(t, env.srv, http.MethodPost, "/api/policy", `{"tool":"doad","message":"again"}`, hdr)

	entries, err := logger.Query(context.Background(), models.AuditQueryOpts{RequestID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(entries))
	}
	codes := map[int]bool{entries[0].StatusCode: true, entries[1].StatusCode: true}
	if !codes[http.StatusOK] || !codes[http.StatusBadRequest] {
		t.Errorf("expected both the 200 and 400 rows, got %+v", entries)
	}
}

func TestAdminAudit(t *testing.T) {
	env := setupServer(t, 10, 30)
	do(t, env.srv, http.MethodPost, "/api/policy", `{"tool":"doad","message":"grievance?"}`, nil)

	token, _, err := env.auth.GenerateToken("ops", auth.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	hdr := map[string]string{"Authorization": "Bearer " + token}

	w, resp := do(t, env.srv, http.MethodGet, "/admin/audit?tool=doad&failed=true&limit=5", "", hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if entries := resp.Data.([]any); len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
	if env.audit.opts.Tool != "doad" || !env.audit.opts.FailedOnly || env.audit.opts.Limit != 5 {
		t.Errorf("unexpected query opts %+v", env.audit.opts)
	}

	w, resp = do(t, env.srv, http.MethodGet, "/admin/audit?limit=0", "", hdr)
	if w.Code != http.StatusBadRequest || resp.Code != apperr.KindValidation {
		t.Errorf("expected 400 for bad limit, got %d %s", w.Code, resp.Code)
	}

	w, resp = do(t, env.srv, http.MethodGet, "/admin/audit/stats?days=3", "", hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if stats := resp.Data.([]any); len(stats) != 1 {
		t.Errorf("expected 1 stat row, got %d", len(stats))
	}

	w, _ = do(t, env.srv, http.MethodGet, "/admin/audit", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
}
