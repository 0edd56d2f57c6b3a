package context

import (
	"github.com/haasonsaas/conductor/pkg/models"
)

// charsPerToken is the cheap proxy used for token estimates.
const charsPerToken = 4

// imageTokens is the flat estimate for one image attachment.
const imageTokens = 1000

// EstimateTokens estimates the tokens of a text.
func EstimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// EstimateMessages estimates the tokens of a message list.
func EstimateMessages(messages []*models.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateMessageTokens(m)
	}
	return total
}

// EstimateToolTokens estimates the tokens of tool definitions.
func EstimateToolTokens(defs []models.ToolDefinition) int {
	chars := 0
	for _, d := range defs {
		chars += len(d.Name) + len(d.Description) + len(d.Schema)
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

func estimateMessageTokens(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range m.ToolResults {
		chars += len(tr.Content)
	}
	tokens := (chars + charsPerToken - 1) / charsPerToken
	for _, a := range m.Attachments {
		if a.Type == models.AttachmentImage {
			tokens += imageTokens
		}
	}
	return tokens
}
