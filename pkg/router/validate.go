package router

import (
	"strings"
	"unicode/utf8"

	"github.com/cafgpt/cafgpt/pkg/apperr"
	"github.com/cafgpt/cafgpt/pkg/models"
)

const (
	// MaxMessageChars bounds a single message.
	MaxMessageChars = 4000
	// MaxTotalChars bounds the message plus its history.
	MaxTotalChars = 20000
	// HistoryLimit is the number of history entries forwarded to the model.
	HistoryLimit = 10
)

// Validate checks a policy question before any backend work.
func Validate(tool, message string, history []models.ChatMessage) error {
	if !knownTool(tool) {
		return apperr.Validation("unknown tool %q", tool)
	}
	if strings.TrimSpace(message) == "" {
		return apperr.Validation("message cannot be empty")
	}
	n := utf8.RuneCountInString(message)
	if n > MaxMessageChars {
		return apperr.Validation("message too long: %d characters (max %d)", n, MaxMessageChars).
			With("field", "message")
	}

	total := n
	for i, m := range history {
		switch m.Role {
		case models.RoleUser, models.RoleAssistant, models.RoleSystem:
		default:
			return apperr.Validation("invalid role %q in conversation history", m.Role).
				With("index", i)
		}
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return apperr.Validation("conversation history entry %d carries tool call fields", i).
				With("index", i)
		}
		if strings.TrimSpace(m.Content) == "" {
			return apperr.Validation("conversation history entry %d is empty", i).With("index", i)
		}
		c := utf8.RuneCountInString(m.Content)
		if c > MaxMessageChars {
			return apperr.Validation("conversation history entry %d too long: %d characters (max %d)", i, c, MaxMessageChars).
				With("index", i)
		}
		total += c
	}
	if total > MaxTotalChars {
		return apperr.Validation("conversation too long: %d characters (max %d)", total, MaxTotalChars)
	}
	return nil
}

// truncateHistory keeps the last HistoryLimit entries.
func truncateHistory(history []models.ChatMessage) []models.ChatMessage {
	if len(history) <= HistoryLimit {
		return history
	}
	return history[len(history)-HistoryLimit:]
}
