package history

import "github.com/stratos/relay/internal/types"

// Repair drops every tool message whose ToolCallID does not reference a tool
// call emitted by an assistant message in the same history, and reports the
// indices of the removed messages.
//
// It runs both before transmission and after loading a persisted session,
// since session files can be truncated or edited externally. Idempotent:
// repairing a repaired history removes nothing further.
func Repair(history []types.Message) ([]types.Message, []int) {
	known := make(map[string]struct{})
	for _, msg := range history {
		if msg.Role != types.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			known[tc.ID] = struct{}{}
		}
	}

	out := make([]types.Message, 0, len(history))
	var removed []int
	for i, msg := range history {
		if msg.Role == types.RoleTool {
			if _, ok := known[msg.ToolCallID]; !ok {
				removed = append(removed, i)
				continue
			}
		}
		out = append(out, msg)
	}

	return out, removed
}
