package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cafgpt/cafgpt/pkg/blob"
	"github.com/cafgpt/cafgpt/pkg/models"
)

// maxDocumentChars bounds a single read_policy result.
const maxDocumentChars = 20000

// policySets are the document prefixes the research tools may read.
var policySets = map[string]bool{"doad": true, "leave": true}

// Tool argument structs.

type listArgs struct {
	PolicySet string `json:"policy_set"`
}

type readArgs struct {
	PolicySet string `json:"policy_set"`
	ID        string `json:"id"`
}

// toolHandler runs one tool call and returns the text handed back to the model.
type toolHandler func(ctx context.Context, store blob.Store, args json.RawMessage) ToolResult

// ToolResult is the text outcome of one tool call.
type ToolResult struct {
	Text    string
	IsError bool
}

// toolHandlers maps tool names to their handlers.
var toolHandlers = map[string]toolHandler{
	"list_policies": handleListPolicies,
	"read_policy":   handleReadPolicy,
}

// allTools is the list of tool definitions offered to the model.
var allTools = []models.Tool{
	{
		Type: "function",
		Function: models.ToolFunction{
			Name:        "list_policies",
			Description: "List the identifiers of available policy documents in a policy set.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"policy_set"},
				"properties": map[string]any{
					"policy_set": map[string]any{
						"type":        "string",
						"enum":        []string{"doad", "leave"},
						"description": "The policy set to list",
					},
				},
			},
		},
	},
	{
		Type: "function",
		Function: models.ToolFunction{
			Name:        "read_policy",
			Description: "Read the full text of one policy document, e.g. DOAD 5019-2 is policy_set doad, id 5019-2.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"policy_set", "id"},
				"properties": map[string]any{
					"policy_set": map[string]any{
						"type":        "string",
						"enum":        []string{"doad", "leave"},
						"description": "The policy set the document belongs to",
					},
					"id": map[string]any{
						"type":        "string",
						"description": "Document identifier as returned by list_policies",
					},
				},
			},
		},
	},
}

// Tools returns the research tool definitions.
func Tools() []models.Tool {
	return slices.Clone(allTools)
}

// CallTool runs the named research tool against store. Unknown tools and
// tool failures come back as error results, never as errors.
func CallTool(ctx context.Context, store blob.Store, name string, args json.RawMessage) ToolResult {
	handler, ok := toolHandlers[name]
	if !ok {
		return errorResult(fmt.Sprintf("Unknown tool: %s", name))
	}
	return handler(ctx, store, args)
}

func textResult(text string) ToolResult {
	return ToolResult{Text: text}
}

func errorResult(text string) ToolResult {
	return ToolResult{Text: text, IsError: true}
}

func handleListPolicies(ctx context.Context, store blob.Store, rawArgs json.RawMessage) ToolResult {
	var args listArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	set := strings.ToLower(args.PolicySet)
	if !policySets[set] {
		return errorResult(fmt.Sprintf("Unknown policy_set %q; use doad or leave.", args.PolicySet))
	}

	keys, err := store.List(ctx, set+"/")
	if err != nil {
		return errorResult("Error listing policies: " + err.Error())
	}
	return textResult(formatPolicyList(set, keys))
}

func handleReadPolicy(ctx context.Context, store blob.Store, rawArgs json.RawMessage) ToolResult {
	var args readArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	set := strings.ToLower(args.PolicySet)
	if !policySets[set] {
		return errorResult(fmt.Sprintf("Unknown policy_set %q; use doad or leave.", args.PolicySet))
	}
	id := strings.TrimSpace(args.ID)
	key := blob.PolicyKey(set, id)
	if id == "" || !blob.ValidKey(key) {
		return errorResult("id is required")
	}

	text, err := store.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return errorResult(fmt.Sprintf("No %s document with id %s.", strings.ToUpper(set), id))
	}
	if err != nil {
		return errorResult("Error reading policy: " + err.Error())
	}
	return textResult(formatDocument(set, id, text))
}
