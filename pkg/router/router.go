// Package router dispatches policy questions to the finder, retrieval and
// chat steps of the selected tool.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/blob"
	"github.com/cafgpt/cafgpt/pkg/completion"
	"github.com/cafgpt/cafgpt/pkg/config"
	"github.com/cafgpt/cafgpt/pkg/models"
)

// Tools a question can be routed to.
const (
	ToolDOAD     = "doad"
	ToolLeave    = "leave"
	ToolResearch = "research"
)

// Steps recorded in usage history.
const (
	StepFinder = "finder"
	StepChat   = "chat"
)

// Blob keys of prompts and grounding documents.
const (
	doadFinderPrompt = "policy/doad/prompts/finder.md"
	doadMainPrompt   = "policy/doad/prompts/main.md"
	doadCatalog      = "policy/doad/prompts/DOAD-list-table.md"
	leaveMainPrompt  = "policy/leave/prompts/main.md"
	leaveDocument    = "leave/consolidated_policies.md"
)

const researchPrompt = `You are a research assistant for Canadian Armed Forces policy.
Use list_policies and read_policy to find the DOAD and leave documents that answer the question.
Only state what the documents you read support.

Reply in this format:
<answer>your answer</answer>
<citations>
one document reference per line
</citations>
<follow_up>an optional follow-up question</follow_up>`

// Completer sends completion requests.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Response, error)
}

// Researcher runs a tool-using agent turn.
type Researcher interface {
	Run(ctx context.Context, system string, messages []models.ChatMessage) (*completion.Response, error)
}

// Router answers policy questions.
type Router struct {
	store    blob.Store
	llm      Completer
	research Researcher
	models   config.ModelsConfig
}

// New creates a Router. research may be nil, which disables the research tool.
func New(store blob.Store, llm Completer, research Researcher, m config.ModelsConfig) *Router {
	return &Router{store: store, llm: llm, research: research, models: m}
}

// Tools returns the tools this Router accepts.
func (r *Router) Tools() []string {
	tools := []string{ToolDOAD, ToolLeave}
	if r.research != nil {
		tools = append(tools, ToolResearch)
	}
	return tools
}

func knownTool(tool string) bool {
	switch tool {
	case ToolDOAD, ToolLeave, ToolResearch:
		return true
	}
	return false
}

// Handle validates and answers one question. history is the prior
// conversation, oldest first; only the last HistoryLimit entries are used.
func (r *Router) Handle(ctx context.Context, tool, message string, history []models.ChatMessage) (*models.PolicyQueryResult, error) {
	if err := Validate(tool, message, history); err != nil {
		return nil, err
	}
	history = truncateHistory(history)

	caller := completion.CallerFrom(ctx)
	caller.Tool = tool
	ctx = completion.WithCaller(ctx, caller)

	switch tool {
	case ToolDOAD:
		return r.handleDOAD(ctx, message, history)
	case ToolLeave:
		return r.handleLeave(ctx, message, history)
	default:
		if r.research == nil {
			return nil, apperr.Validation("tool %q is not enabled", tool)
		}
		return r.handleResearch(ctx, message, history)
	}
}

func (r *Router) handleDOAD(ctx context.Context, message string, history []models.ChatMessage) (*models.PolicyQueryResult, error) {
	prompts, err := r.loadPrompts(ctx, doadFinderPrompt, doadCatalog, doadMainPrompt)
	if err != nil {
		return nil, err
	}

	ids, err := r.findPolicies(ctx, prompts[0]+"\n\n"+prompts[1], message, history)
	if err != nil {
		return nil, err
	}

	docs, err := r.fetchPolicies(ctx, "doad", ids)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		log.Printf("doad: no policies resolved for %v", ids)
		return NoPoliciesFound(), nil
	}

	return r.chat(ctx, prompts[2], docs, message, history)
}

func (r *Router) handleLeave(ctx context.Context, message string, history []models.ChatMessage) (*models.PolicyQueryResult, error) {
	prompts, err := r.loadPrompts(ctx, leaveMainPrompt)
	if err != nil {
		return nil, err
	}

	doc, err := r.store.Get(ctx, leaveDocument)
	if errors.Is(err, blob.ErrNotFound) {
		log.Printf("leave: %s not found", leaveDocument)
		return LeaveUnavailable(), nil
	}
	if err != nil {
		return nil, storeError(ctx, leaveDocument, err)
	}

	return r.chat(ctx, prompts[0], []string{doc}, message, history)
}

func (r *Router) handleResearch(ctx context.Context, message string, history []models.ChatMessage) (*models.PolicyQueryResult, error) {
	msgs := append(append([]models.ChatMessage{}, history...), models.ChatMessage{Role: models.RoleUser, Content: message})
	resp, err := r.research.Run(ctx, researchPrompt, msgs)
	if err != nil {
		return nil, err
	}
	return ParseAnswer(resp.Text), nil
}

// findPolicies asks the finder model which documents are relevant.
func (r *Router) findPolicies(ctx context.Context, system, message string, history []models.ChatMessage) ([]string, error) {
	resp, err := r.llm.Complete(ctx, completion.Request{
		Model: r.models.Finder,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: system},
			{Role: models.RoleUser, Content: conversationContext(message, history)},
		},
		Step:      StepFinder,
		Cacheable: true,
	})
	if err != nil {
		return nil, err
	}
	return ParseFinderOutput(resp.Text), nil
}

// fetchPolicies reads each identified document, skipping those that fail.
func (r *Router) fetchPolicies(ctx context.Context, set string, ids []string) ([]string, error) {
	docs := make([]string, 0, len(ids))
	for _, id := range ids {
		key := blob.PolicyKey(set, id)
		text, err := r.store.Get(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindTimeout, "request cancelled", ctx.Err())
			}
			log.Printf("%s: skipping %s: %v", set, key, err)
			continue
		}
		docs = append(docs, text)
	}
	return docs, nil
}

// chat produces the cited answer from the grounding documents.
func (r *Router) chat(ctx context.Context, prompt string, docs []string, message string, history []models.ChatMessage) (*models.PolicyQueryResult, error) {
	system := prompt + "\n\nPOLICY CONTENT:\n" + strings.Join(docs, "\n\n")

	msgs := make([]models.ChatMessage, 0, len(history)+2)
	msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: system})
	msgs = append(msgs, history...)
	msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: message})

	resp, err := r.llm.Complete(ctx, completion.Request{
		Model:    r.models.Chat,
		Messages: msgs,
		Step:     StepChat,
	})
	if err != nil {
		return nil, err
	}
	return ParseAnswer(resp.Text), nil
}

func (r *Router) loadPrompts(ctx context.Context, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	for i, key := range keys {
		text, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, storeError(ctx, key, err)
		}
		out[i] = text
	}
	return out, nil
}

func storeError(ctx context.Context, key string, err error) error {
	if ctx.Err() != nil {
		return apperr.Wrap(apperr.KindTimeout, "request cancelled", ctx.Err())
	}
	return apperr.Wrap(apperr.KindInternal, fmt.Sprintf("load %s", key), err)
}

// conversationContext renders history and message as "Role: content" blocks.
func conversationContext(message string, history []models.ChatMessage) string {
	parts := make([]string, 0, len(history)+1)
	for _, m := range history {
		parts = append(parts, roleLabel(m.Role)+": "+m.Content)
	}
	parts = append(parts, roleLabel(models.RoleUser)+": "+message)
	return strings.Join(parts, "\n\n")
}

func roleLabel(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// NoPoliciesFound is the answer returned when no DOAD document matched.
func NoPoliciesFound() *models.PolicyQueryResult {
	followUp := "Could you provide more specific details about what you're looking for, or mention any DOAD numbers you think might be relevant?"
	return &models.PolicyQueryResult{
		Answer: `I couldn't find any specific DOAD policies that directly address your question. This could mean:

1. Your question might relate to policies not yet digitized or available in my database
2. The question might be addressed by general military procedures rather than specific DOAD policies
3. The topic might fall under a different type of directive or instruction

Could you please:
- Rephrase your question with more specific keywords
- Mention if you know of any specific DOAD numbers that might be relevant
- Provide additional context about what you're trying to accomplish`,
		Citations: []string{},
		FollowUp:  &followUp,
	}
}

// LeaveUnavailable is the answer returned when the leave manual is missing.
func LeaveUnavailable() *models.PolicyQueryResult {
	followUp := "Would you like me to help you with general information about CAF leave procedures, or do you need specific policy references?"
	return &models.PolicyQueryResult{
		Answer:    "I'm sorry, but I'm currently unable to access the CAF Leave Policy document. Please try again later, or contact system support if this issue persists.",
		Citations: []string{},
		FollowUp:  &followUp,
	}
}
