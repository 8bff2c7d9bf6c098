package models

// PolicyQuery is the inbound body of a policy question.
type PolicyQuery struct {
	Tool                string        `json:"tool"`
	Message             string        `json:"message"`
	ConversationHistory []ChatMessage `json:"conversationHistory"`
}

// PolicyQueryResult is a parsed, cited answer.
type PolicyQueryResult struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
	FollowUp  *string  `json:"followUp,omitempty"`
}
