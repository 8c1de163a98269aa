package history

import (
	"reflect"
	"testing"

	"github.com/stratos/relay/internal/types"
)

func TestRepair_DropsOrphanedToolMessage(t *testing.T) {
	h := []types.Message{
		{Role: types.RoleUser, Content: "do task"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "x", Name: "tool_a"}}},
		{Role: types.RoleTool, ToolCallID: "y", Content: "stale result"},
	}

	got, removed := Repair(h)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages after repair, got %d", len(got))
	}
	if !reflect.DeepEqual(removed, []int{2}) {
		t.Fatalf("expected removed indices [2], got %v", removed)
	}
	if got[1].Role != types.RoleAssistant {
		t.Fatalf("expected assistant message preserved, got role=%q", got[1].Role)
	}
}

func TestRepair_KeepsMultipleToolResultsSameTurn(t *testing.T) {
	h := []types.Message{
		{Role: types.RoleUser, Content: "do task"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{
			{ID: "call-1", Name: "tool_a"},
			{ID: "call-2", Name: "tool_b"},
		}},
		{Role: types.RoleTool, ToolCallID: "call-1", Content: "result a"},
		{Role: types.RoleTool, ToolCallID: "call-2", Content: "result b"},
		{Role: types.RoleAssistant, Content: "done"},
	}

	got, removed := Repair(h)
	if len(got) != len(h) {
		t.Fatalf("expected %d messages, got %d", len(h), len(got))
	}
	if len(removed) != 0 {
		t.Fatalf("expected no removals, got %v", removed)
	}
}

func TestRepair_Idempotent(t *testing.T) {
	h := []types.Message{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleTool, ToolCallID: "ghost", Content: "orphan"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "a"}}},
		{Role: types.RoleTool, ToolCallID: "a", Content: "ok"},
	}

	once, _ := Repair(h)
	twice, removed := Repair(once)
	if len(removed) != 0 {
		t.Fatalf("second repair removed messages: %v", removed)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("repair is not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestRepair_EmptyHistory(t *testing.T) {
	got, removed := Repair(nil)
	if len(got) != 0 || len(removed) != 0 {
		t.Fatalf("expected empty result, got %v removed %v", got, removed)
	}
}
