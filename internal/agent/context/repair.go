package context

import (
	"github.com/haasonsaas/conductor/pkg/models"
)

// MissingResultText is the content of a synthesized result for a tool call
// whose result never made it into the transcript.
const MissingResultText = "tool result missing: the call did not complete"

// RepairTranscript makes a transcript acceptable to provider APIs. Tool
// results without a matching preceding call are dropped; a result without an
// id is attributed to the oldest unanswered call; calls left unanswered when
// the next assistant or user message starts, or when the transcript ends,
// get a synthesized error result. The input is not modified.
func RepairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	var owner *models.Message
	pending := make(map[string]struct{})
	pendingOrder := make([]string, 0)
	repaired := make([]*models.Message, 0, len(history))

	flush := func() {
		if len(pendingOrder) == 0 {
			return
		}
		results := make([]models.ToolResult, 0, len(pendingOrder))
		for _, id := range pendingOrder {
			results = append(results, models.ToolResult{
				ToolCallID: id,
				Content:    MissingResultText,
				IsError:    true,
			})
		}
		synthetic := &models.Message{
			SessionID:   owner.SessionID,
			TurnID:      owner.TurnID,
			Role:        models.RoleTool,
			ToolResults: results,
			CreatedAt:   owner.CreatedAt,
		}
		if owner.ID != "" {
			synthetic.ID = owner.ID + ":repair"
		}
		repaired = append(repaired, synthetic)
		for k := range pending {
			delete(pending, k)
		}
		pendingOrder = pendingOrder[:0]
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			flush()
			owner = msg
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				if _, dup := pending[call.ID]; dup {
					continue
				}
				pending[call.ID] = struct{}{}
				pendingOrder = append(pendingOrder, call.ID)
			}
			repaired = append(repaired, msg)
		case models.RoleTool:
			if len(msg.ToolResults) == 0 {
				continue
			}
			fixed := make([]models.ToolResult, 0, len(msg.ToolResults))
			for _, res := range msg.ToolResults {
				if res.ToolCallID == "" && len(pendingOrder) > 0 {
					res.ToolCallID = pendingOrder[0]
				}
				if _, ok := pending[res.ToolCallID]; !ok {
					continue
				}
				delete(pending, res.ToolCallID)
				pendingOrder = removeID(pendingOrder, res.ToolCallID)
				fixed = append(fixed, res)
			}
			if len(fixed) == 0 {
				continue
			}
			copied := *msg
			copied.ToolResults = fixed
			repaired = append(repaired, &copied)
		case models.RoleUser:
			flush()
			repaired = append(repaired, msg)
		default:
			repaired = append(repaired, msg)
		}
	}
	flush()

	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
