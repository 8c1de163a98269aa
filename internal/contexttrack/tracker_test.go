package contexttrack

import (
	"context"
	"strings"
	"testing"

	"github.com/stratos/relay/internal/llm"
	"github.com/stratos/relay/internal/types"
)

func TestTracker_UsagePercent(t *testing.T) {
	tr := NewTracker(1000)
	tr.UpdateUsage(400, 100)

	u := tr.Usage()
	if u.TotalTokens != 500 {
		t.Errorf("total = %d, want 500", u.TotalTokens)
	}
	if u.UsagePercent != 50 {
		t.Errorf("percent = %v, want 50", u.UsagePercent)
	}

	// Prompt replaces, completion accumulates.
	tr.UpdateUsage(600, 50)
	u = tr.Usage()
	if u.PromptTokens != 600 || u.CompletionTokens != 150 {
		t.Errorf("usage = %+v, want prompt 600 completion 150", u)
	}
}

func TestTracker_AutoCompactEdgeTrigger(t *testing.T) {
	tr := NewTracker(1000)
	if err := tr.SetThreshold(80); err != nil {
		t.Fatal(err)
	}

	tr.UpdateUsage(500, 0)
	if tr.ShouldTriggerAutoCompact() {
		t.Fatal("trigger fired below threshold")
	}

	tr.UpdateUsage(850, 0)
	if !tr.ShouldTriggerAutoCompact() {
		t.Fatal("trigger did not fire on crossing")
	}
	if tr.ShouldTriggerAutoCompact() {
		t.Fatal("trigger fired twice without reset")
	}

	tr.ResetAutoCompactTrigger()
	if !tr.ShouldTriggerAutoCompact() {
		t.Fatal("trigger did not re-arm after reset")
	}
}

func TestTracker_SetThresholdValidation(t *testing.T) {
	tr := NewTracker(1000)
	for _, bad := range []float64{0, -5, 100.5, 200} {
		if err := tr.SetThreshold(bad); err == nil {
			t.Errorf("SetThreshold(%v) accepted an out-of-range value", bad)
		}
	}
	if err := tr.SetThreshold(100); err != nil {
		t.Errorf("SetThreshold(100) = %v, want nil", err)
	}
}

func TestEstimateTokens_CharFallback(t *testing.T) {
	msgs := []types.Message{
		{Role: types.RoleUser, Content: strings.Repeat("a", 10)},
	}
	// ceil(10 / 4) = 3
	if got := EstimateTokens(msgs); got != 3 {
		t.Errorf("EstimateTokens = %d, want 3", got)
	}
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("EstimateTokens(nil) = %d, want 0", got)
	}
}

type fakeSummarizer struct {
	summary string
	err     error
	gotMsgs []types.Message
}

func (f *fakeSummarizer) Complete(ctx context.Context, messages []types.Message, tools []llm.ToolDefinition) (*llm.Completion, error) {
	f.gotMsgs = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Message: types.Message{Role: types.RoleAssistant, Content: f.summary}}, nil
}

func TestCompactor_SummarizesOlderSegment(t *testing.T) {
	fake := &fakeSummarizer{summary: "they discussed the plan"}
	c := NewCompactor(fake, 2, nil)

	hist := []types.Message{
		{Role: types.RoleSystem, Content: "you are helpful"},
		{Role: types.RoleUser, Content: "old question"},
		{Role: types.RoleAssistant, Content: "old answer"},
		{Role: types.RoleUser, Content: "recent question"},
		{Role: types.RoleAssistant, Content: "recent answer"},
	}

	got, err := c.Compact(context.Background(), hist)
	if err != nil {
		t.Fatal(err)
	}

	// system + summary + 2 retained
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(got), got)
	}
	if got[0].Role != types.RoleSystem || got[0].Content != "you are helpful" {
		t.Errorf("leading system message not preserved: %+v", got[0])
	}
	if !strings.Contains(got[1].Content, "they discussed the plan") {
		t.Errorf("summary message missing, got %q", got[1].Content)
	}
	if got[2].Content != "recent question" || got[3].Content != "recent answer" {
		t.Errorf("retained tail wrong: %+v", got[2:])
	}
	if len(fake.gotMsgs) != 1 || !strings.Contains(fake.gotMsgs[0].Content, "old question") {
		t.Errorf("summarizer prompt did not include the older segment")
	}
}

func TestCompactor_ShortHistoryUntouched(t *testing.T) {
	fake := &fakeSummarizer{summary: "unused"}
	c := NewCompactor(fake, 6, nil)

	hist := []types.Message{
		{Role: types.RoleUser, Content: "only"},
		{Role: types.RoleAssistant, Content: "turn"},
	}
	got, err := c.Compact(context.Background(), hist)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("short history was rewritten: %+v", got)
	}
	if fake.gotMsgs != nil {
		t.Error("summarizer called for a short history")
	}
}

func TestCompactor_DropsToolResultsOrphanedByCompaction(t *testing.T) {
	fake := &fakeSummarizer{summary: "earlier tool work"}
	c := NewCompactor(fake, 2, nil)

	hist := []types.Message{
		{Role: types.RoleUser, Content: "start"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "call-1", Name: "tool_a"}}},
		{Role: types.RoleUser, Content: "filler"},
		// Retained tail starts here: the tool result's call lives in the
		// summarized segment.
		{Role: types.RoleTool, ToolCallID: "call-1", Content: "result"},
		{Role: types.RoleAssistant, Content: "done"},
	}

	got, err := c.Compact(context.Background(), hist)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range got {
		if m.Role == types.RoleTool {
			t.Fatalf("orphaned tool result survived compaction: %+v", m)
		}
	}
}
