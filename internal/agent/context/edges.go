package context

import (
	"github.com/haasonsaas/conductor/pkg/models"
)

// MarkContextEdge pins msg so history truncation never drops it.
func MarkContextEdge(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	msg.Metadata[models.MetaContextEdge] = true
	return msg
}

// unit is a run of history that is kept or dropped as a whole: a user
// message with the assistant and tool messages answering it, or a single
// context edge.
type unit struct {
	messages []*models.Message
	edge     bool
}

// splitUnits groups history into units. Messages before the first user
// message form their own unit, and tool messages always stay with the call
// that produced them.
func splitUnits(history []*models.Message) []unit {
	var units []unit
	var current []*models.Message
	currentEdge := false
	closeCurrent := func() {
		if len(current) > 0 {
			units = append(units, unit{messages: current, edge: currentEdge})
		}
		current = nil
		currentEdge = false
	}
	for _, msg := range history {
		if msg == nil {
			continue
		}
		switch {
		case msg.Role == models.RoleTool:
			current = append(current, msg)
		case msg.IsContextEdge():
			closeCurrent()
			current = []*models.Message{msg}
			currentEdge = true
		case msg.Role == models.RoleUser || currentEdge:
			closeCurrent()
			current = []*models.Message{msg}
		default:
			current = append(current, msg)
		}
	}
	closeCurrent()
	return units
}

func flattenUnits(units []unit) []*models.Message {
	var out []*models.Message
	for _, u := range units {
		out = append(out, u.messages...)
	}
	return out
}
