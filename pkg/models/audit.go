package models

import "time"

// AuditEntry records one policy or pace note request.
type AuditEntry struct {
	RequestID  string    `json:"request_id"`
	ClientHash string    `json:"client_hash"`
	Endpoint   string    `json:"endpoint"`
	Tool       string    `json:"tool"`
	StatusCode int       `json:"status_code"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Question   string    `json:"question,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Tool       string
	ClientHash string
	RequestID  string
	Since      time.Time
	FailedOnly bool
	Limit      int
}

// AuditStat holds aggregate request counts for a tool/day combination.
type AuditStat struct {
	Tool   string `json:"tool"`
	Day    string `json:"day"`
	Count  int    `json:"count"`
	Failed int    `json:"failed"`
}
