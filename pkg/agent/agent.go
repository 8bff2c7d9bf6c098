// Package agent answers policy questions with a tool-using research loop.
package agent

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/blob"
	"github.com/cafgpt/cafgpt/pkg/breaker"
	"github.com/cafgpt/cafgpt/pkg/completion"
	"github.com/cafgpt/cafgpt/pkg/models"
)

// StepAgent labels research completions in usage history.
const StepAgent = "agent"

// Completer sends completion requests.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Response, error)
}

// Agent runs the research loop.
type Agent struct {
	llm      Completer
	store    blob.Store
	model    string
	maxCalls int
}

// New creates an Agent that reads documents from store. maxCalls bounds the
// tool calls of one turn.
func New(llm Completer, store blob.Store, model string, maxCalls int) *Agent {
	if maxCalls <= 0 {
		maxCalls = breaker.DefaultMaxCalls
	}
	return &Agent{llm: llm, store: store, model: model, maxCalls: maxCalls}
}

// Run answers the conversation in messages, letting the model call research
// tools until it produces a text reply. Tool calls count against the breaker
// carried by ctx; without one, Run scopes a fresh breaker to this turn.
func (a *Agent) Run(ctx context.Context, system string, messages []models.ChatMessage) (*completion.Response, error) {
	if _, ok := breaker.Attached(ctx); !ok {
		ctx = breaker.WithBreaker(ctx, breaker.New(a.maxCalls))
	}
	runID := uuid.NewString()

	convo := make([]models.ChatMessage, 0, len(messages)+1+2*a.maxCalls)
	convo = append(convo, models.ChatMessage{Role: models.RoleSystem, Content: system})
	convo = append(convo, messages...)

	var usage models.Usage
	// One extra round after the breaker trips lets the model read the limit
	// message and answer; the final round offers no tools.
	for round := 0; round <= a.maxCalls+1; round++ {
		req := completion.Request{
			Model:    a.model,
			Messages: convo,
			Step:     StepAgent,
		}
		if round <= a.maxCalls && !breaker.FromContext(ctx).Tripped() {
			req.Tools = allTools
		}

		resp, err := a.llm.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Usage != nil {
			usage = usage.Add(*resp.Usage)
		}
		if len(resp.ToolCalls) == 0 {
			resp.Usage = &usage
			return resp, nil
		}

		convo = append(convo, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			call := breaker.Call{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
			res, err := breaker.FromContext(ctx).Guard(ctx, call, a.dispatch)
			if err != nil {
				return nil, err
			}
			if res.Limited {
				log.Printf("research %s: tool call limit of %d reached", runID, a.maxCalls)
			}
			convo = append(convo, models.ChatMessage{
				Role:       models.RoleTool,
				Content:    res.Content,
				ToolCallID: res.CallID,
			})
		}
	}
	return nil, apperr.New(apperr.KindAI, "research did not produce an answer")
}

// dispatch runs one tool call against the registry.
func (a *Agent) dispatch(ctx context.Context, call breaker.Call) (breaker.Result, error) {
	res := CallTool(ctx, a.store, call.Name, json.RawMessage(call.Arguments))
	if res.IsError {
		log.Printf("research tool %s failed: %s", call.Name, res.Text)
	}
	return breaker.Result{CallID: call.ID, Content: res.Text}, nil
}
