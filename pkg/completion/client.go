// Package completion calls the chat completion backend with retry, error
// classification and usage accounting.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/budget"
	cachepkg "github.com/cafgpt/cafgpt/pkg/cache/sqlite"
	"github.com/cafgpt/cafgpt/pkg/models"
	"github.com/cafgpt/cafgpt/pkg/tracker"
)

// Backend sends one chat completion request.
type Backend interface {
	ChatCompletion(ctx context.Context, req models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)
}

// UsageRecorder receives the token usage of every successful completion.
type UsageRecorder interface {
	RecordTokenUsage(ctx context.Context, usage models.Usage)
	EstimateCost(usage models.Usage) float64
}

// BudgetChecker gates completions on remaining budget.
type BudgetChecker interface {
	Check(ctx context.Context, clientKey, model string) error
}

// Request is one completion call.
type Request struct {
	Model       string
	Messages    []models.ChatMessage
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Tools       []models.Tool
	// Step labels the call in usage history, e.g. "finder" or "chat".
	Step string
	// Cacheable allows the response to be served from and stored in the cache.
	Cacheable bool
}

// Response is a successful completion.
type Response struct {
	Text      string            `json:"text"`
	Model     string            `json:"model"`
	Usage     *models.Usage     `json:"usage,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Cached    bool              `json:"-"`
}

// Options configures a Client.
type Options struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxConcurrent     int64
	RequestsPerSecond float64
	Temperature       float64
	MaxTokens         int

	Ledger  UsageRecorder
	Tracker tracker.Tracker
	Budget  BudgetChecker
	Cache   *cachepkg.Cache

	// Sleep waits between attempts; it defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client wraps a Backend.
type Client struct {
	backend     Backend
	maxRetries  int
	baseDelay   time.Duration
	temperature float64
	maxTokens   int
	sem         *semaphore.Weighted
	pacer       *rate.Limiter
	ledger      UsageRecorder
	tracker     tracker.Tracker
	budget      BudgetChecker
	cache       *cachepkg.Cache
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a Client.
func New(backend Backend, opts Options) *Client {
	c := &Client{
		backend:     backend,
		maxRetries:  max(opts.MaxRetries, 0),
		baseDelay:   opts.BaseDelay,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		ledger:      opts.Ledger,
		tracker:     opts.Tracker,
		budget:      opts.Budget,
		cache:       opts.Cache,
		sleep:       opts.Sleep,
	}
	if opts.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	if opts.RequestsPerSecond > 0 {
		c.pacer = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(int(opts.RequestsPerSecond), 1))
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

// Caller identifies who a completion is billed to.
type Caller struct {
	ClientKey string
	Tool      string
}

type callerKey struct{}

// WithCaller attaches the caller to ctx for usage attribution.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx, if any.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// Complete sends req, retrying transient failures with exponential backoff.
// Errors are *apperr.Error values.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	caller := CallerFrom(ctx)
	wire := c.wireRequest(req)

	if c.budget != nil {
		if err := c.budget.Check(ctx, caller.ClientKey, wire.Model); err != nil {
			if errors.Is(err, budget.ErrBudgetExceeded) {
				return nil, apperr.Wrap(apperr.KindQuotaExceeded, "usage budget exhausted", err)
			}
			return nil, apperr.Wrap(apperr.KindInternal, "budget check failed", err)
		}
	}

	var cacheKey string
	if req.Cacheable && c.cache != nil {
		cacheKey = cachepkg.Key(wire)
		if data, ok := c.cache.Get(ctx, cacheKey); ok {
			var resp Response
			if err := json.Unmarshal(data, &resp); err == nil {
				resp.Cached = true
				return &resp, nil
			}
		}
	}

	if c.sem != nil {
		if !c.sem.TryAcquire(1) {
			return nil, apperr.New(apperr.KindRateLimited, "too many concurrent requests")
		}
		defer c.sem.Release(1)
	}

	resp, err := c.completeWithRetry(ctx, wire)
	if err != nil {
		return nil, err
	}

	c.recordUsage(ctx, caller, req.Step, resp)

	if cacheKey != "" {
		if data, err := json.Marshal(resp); err == nil {
			if err := c.cache.Put(ctx, cacheKey, wire.Model, data); err != nil {
				log.Printf("completion cache put failed: %v", err)
			}
		}
	}
	return resp, nil
}

func (c *Client) completeWithRetry(ctx context.Context, wire models.ChatCompletionRequest) (*Response, error) {
	for attempt := 0; ; attempt++ {
		if c.pacer != nil {
			if err := c.pacer.Wait(ctx); err != nil {
				return nil, apperr.Wrap(apperr.KindTimeout, "request cancelled", err)
			}
		}

		raw, err := c.backend.ChatCompletion(ctx, wire)
		if err == nil {
			return toResponse(raw)
		}

		kind, transient := classify(err)
		if !transient || attempt >= c.maxRetries || ctx.Err() != nil {
			return nil, apperr.Wrap(kind, "completion failed", err)
		}

		delay := c.baseDelay * time.Duration(1<<attempt)
		log.Printf("completion attempt %d failed (%s): %v, retrying in %v", attempt+1, kind, err, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, apperr.Wrap(apperr.KindTimeout, "request cancelled", err)
		}
	}
}

func (c *Client) wireRequest(req Request) models.ChatCompletionRequest {
	wire := models.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
	}
	if wire.Temperature == nil {
		t := c.temperature
		wire.Temperature = &t
	}
	if wire.MaxTokens == nil && c.maxTokens > 0 {
		n := c.maxTokens
		wire.MaxTokens = &n
	}
	return wire
}

func (c *Client) recordUsage(ctx context.Context, caller Caller, step string, resp *Response) {
	if resp.Usage == nil {
		return
	}
	var cost float64
	if c.ledger != nil {
		cost = c.ledger.EstimateCost(*resp.Usage)
		c.ledger.RecordTokenUsage(ctx, *resp.Usage)
	}
	if c.tracker != nil {
		err := c.tracker.Record(ctx, models.UsageEntry{
			ClientKey:        caller.ClientKey,
			Tool:             caller.Tool,
			Step:             step,
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			CostUSD:          cost,
			CreatedAt:        time.Now().UTC(),
		})
		if err != nil {
			log.Printf("usage history record failed: %v", err)
		}
	}
}

func toResponse(raw *models.ChatCompletionResponse) (*Response, error) {
	if raw == nil || len(raw.Choices) == 0 {
		return nil, apperr.New(apperr.KindAI, "no choices in completion response")
	}
	msg := raw.Choices[0].Message
	if strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 {
		return nil, apperr.New(apperr.KindAI, "empty completion response")
	}
	return &Response{
		Text:      msg.Content,
		Model:     raw.Model,
		Usage:     raw.Usage,
		ToolCalls: msg.ToolCalls,
	}, nil
}

// classify maps a backend error to a kind and whether it is worth retrying.
// Network failures, rate limiting and 5xx replies are transient.
func classify(err error) (apperr.Kind, bool) {
	if errors.Is(err, context.Canceled) {
		return apperr.KindTimeout, false
	}

	var se *StatusError
	if errors.As(err, &se) {
		kind := apperr.Classify(se.Code, se.Message)
		return kind, kind.Transient() || se.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return apperr.KindTimeout, true
		}
		return apperr.KindAI, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.KindTimeout, false
	}

	kind := apperr.Classify(0, err.Error())
	return kind, kind.Transient()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// String renders a request for logs without message bodies.
func (r Request) String() string {
	return fmt.Sprintf("%s step=%s messages=%d tools=%d", r.Model, r.Step, len(r.Messages), len(r.Tools))
}
