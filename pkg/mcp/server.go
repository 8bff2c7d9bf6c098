// Package mcp serves the policy and pace note tools to MCP clients over
// stdio using JSON-RPC 2.0.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/cafgpt/cafgpt/pkg/blob"
	"github.com/cafgpt/cafgpt/pkg/completion"
	"github.com/cafgpt/cafgpt/pkg/models"
)

// ClientKey attributes MCP completions in usage history.
const ClientKey = "mcp"

const maxLineBytes = 1 << 20

// PolicyHandler answers policy questions.
type PolicyHandler interface {
	Handle(ctx context.Context, tool, message string, history []models.ChatMessage) (*models.PolicyQueryResult, error)
}

// PaceNoteGenerator writes pace notes.
type PaceNoteGenerator interface {
	Generate(ctx context.Context, req models.PaceNoteRequest) (*models.PaceNote, error)
}

// Server is a line-delimited JSON-RPC server.
type Server struct {
	store    blob.Store
	policy   PolicyHandler
	pacenote PaceNoteGenerator
	version  string
}

// New creates a Server. store backs the document tools.
func New(store blob.Store, policy PolicyHandler, pacenote PaceNoteGenerator, version string) *Server {
	return &Server{
		store:    store,
		policy:   policy,
		pacenote: pacenote,
		version:  version,
	}
}

// Run reads requests from r one per line and writes responses to w.
// It blocks until r is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx = completion.WithCaller(ctx, completion.Caller{ClientKey: ClientKey})

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, fail(nil, CodeParseError, "parse error"))
			continue
		}
		if req.JSONRPC != "2.0" {
			s.write(w, fail(req.ID, CodeInvalidRequest, "jsonrpc must be 2.0"))
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil && len(req.ID) > 0 {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return reply(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "cafgpt", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
			Instructions:    "Answers Canadian Armed Forces policy questions (DOAD, leave) with citations and writes pace notes.",
		})
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return reply(req.ID, map[string]any{})
	case "tools/list":
		return reply(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return fail(req.ID, CodeInvalidParams, "invalid params")
		}
		handler, ok := toolHandlers[params.Name]
		if !ok {
			return reply(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
		}
		return reply(req.ID, handler(ctx, s, params.Arguments))
	default:
		return fail(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("mcp: marshal response: %v", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		log.Printf("mcp: write response: %v", err)
	}
}
