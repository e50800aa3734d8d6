package middleware

import (
	"unicode/utf8"

	"github.com/abhi9avx/cognigraph-ai/pkg/models"
)

// charsPerToken is the usual rough ratio for English text.
const charsPerToken = 4

// EstimateTokens approximates the prompt size of a request.
func EstimateTokens(req *models.ModelRequest) int {
	chars := utf8.RuneCountInString(req.SystemPrompt)
	for _, m := range req.Messages {
		chars += EstimateMessageChars(m)
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.Parameters)
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// EstimateMessageChars counts the characters a message contributes.
func EstimateMessageChars(m models.Message) int {
	n := utf8.RuneCountInString(m.Content) + len(m.Structured)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return n
}
