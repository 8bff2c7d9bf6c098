package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/cafgpt/cafgpt/pkg/agent"
	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/models"
)

// Tool argument structs.

type askArgs struct {
	Tool    string               `json:"tool"`
	Message string               `json:"message"`
	History []models.ChatMessage `json:"history"`
}

type paceNoteArgs struct {
	Rank            models.Rank `json:"rank"`
	Observations    string      `json:"observations"`
	CompetencyFocus []string    `json:"competency_focus"`
}

// toolHandler handles one tools/call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

// toolHandlers maps tool names to their handlers. The document tools are
// the same ones the research agent uses.
var toolHandlers = map[string]toolHandler{
	"ask_policy":      handleAskPolicy,
	"write_pace_note": handleWritePaceNote,
	"list_policies":   documentTool("list_policies"),
	"read_policy":     documentTool("read_policy"),
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = append([]ToolDefinition{
	{
		Name:        "ask_policy",
		Description: "Answer a CAF policy question with citations. tool is doad for Defence Administrative Orders and Directives, leave for the leave manual, or research for a multi-document search.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"tool", "message"},
			"properties": map[string]any{
				"tool": map[string]any{
					"type": "string",
					"enum": []string{"doad", "leave", "research"},
				},
				"message": map[string]any{
					"type":        "string",
					"description": "The question to answer",
				},
				"history": map[string]any{
					"type":        "array",
					"description": "Earlier turns of the conversation (optional)",
					"items": map[string]any{
						"type":     "object",
						"required": []string{"role", "content"},
						"properties": map[string]any{
							"role":    map[string]any{"type": "string", "enum": []string{"user", "assistant"}},
							"content": map[string]any{"type": "string"},
						},
					},
				},
			},
		},
	},
	{
		Name:        "write_pace_note",
		Description: "Write a PACE performance note for a member from free-text observations.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"rank", "observations"},
			"properties": map[string]any{
				"rank": map[string]any{
					"type": "string",
					"enum": []string{"Cpl", "MCpl", "Sgt", "WO"},
				},
				"observations": map[string]any{
					"type":        "string",
					"description": "What the member did, 20 to 2000 characters",
				},
				"competency_focus": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Competencies to emphasise (optional)",
				},
			},
		},
	},
}, researchTools()...)

// researchTools converts the agent's function definitions to MCP tools.
func researchTools() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range agent.Tools() {
		defs = append(defs, ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return defs
}

func documentTool(name string) toolHandler {
	return func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult {
		res := agent.CallTool(ctx, s.store, name, args)
		if res.IsError {
			return errorResult(res.Text)
		}
		return textResult(res.Text)
	}
}

func handleAskPolicy(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args askArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	res, err := s.policy.Handle(ctx, args.Tool, args.Message, args.History)
	if err != nil {
		return errorResult(describe(err))
	}
	return textResult(formatAnswer(res))
}

func handleWritePaceNote(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args paceNoteArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return errorResult("Invalid arguments: " + err.Error())
		}
	}
	note, err := s.pacenote.Generate(ctx, models.PaceNoteRequest{
		Rank:            args.Rank,
		Observations:    args.Observations,
		CompetencyFocus: args.CompetencyFocus,
	})
	if err != nil {
		return errorResult(describe(err))
	}
	return textResult(formatPaceNote(note))
}

// describe renders err the way the HTTP API would: validation messages
// verbatim, everything else as the kind's user message.
func describe(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Kind == apperr.KindValidation {
		return e.Message
	}
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal || kind == apperr.KindAI {
		log.Printf("mcp: tool call failed: %v", err)
	}
	return kind.UserMessage()
}
