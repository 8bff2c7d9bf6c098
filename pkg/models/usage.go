package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// UsageRecord is the monthly cost ledger.
type UsageRecord struct {
	APICostUSD    float64   `json:"apiCostUsd"`
	ServerCostUSD float64   `json:"serverCostUsd"`
	LastResetDate string    `json:"lastResetDate"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// UsageEntry tracks token usage for a single billed completion.
type UsageEntry struct {
	ID               int64     `json:"id"`
	ClientKey        string    `json:"client_key"`
	Tool             string    `json:"tool"`
	Step             string    `json:"step"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageSummary aggregates usage across requests.
type UsageSummary struct {
	ClientKey       string  `json:"client_key"`
	Model           string  `json:"model"`
	RequestCount    int     `json:"request_count"`
	TotalPrompt     int     `json:"total_prompt"`
	TotalCompletion int     `json:"total_completion"`
	TotalTokens     int     `json:"total_tokens"`
	CostUSD         float64 `json:"cost_usd"`
}

// ToolSummary aggregates usage per router tool and step.
type ToolSummary struct {
	Tool         string  `json:"tool"`
	Step         string  `json:"step"`
	RequestCount int     `json:"request_count"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}
