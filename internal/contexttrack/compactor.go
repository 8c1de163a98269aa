package contexttrack

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stratos/relay/internal/history"
	"github.com/stratos/relay/internal/llm"
	"github.com/stratos/relay/internal/types"
)

const summaryPrompt = `Provide a concise summary of this conversation segment, preserving key decisions, facts, and any pending tasks.

CONVERSATION:
%s

Summary:`

// Summarizer is the slice of the completion client the compactor needs.
type Summarizer interface {
	Complete(ctx context.Context, messages []types.Message, tools []llm.ToolDefinition) (*llm.Completion, error)
}

// Compactor compresses a conversation history once the tracker crosses its
// threshold, replacing the older segment with an LLM-produced summary.
type Compactor struct {
	client Summarizer
	retain int
	logger *zap.Logger
}

// NewCompactor creates a compactor that keeps the most recent retain messages
// verbatim. retain values below 2 are clamped.
func NewCompactor(client Summarizer, retain int, logger *zap.Logger) *Compactor {
	if retain < 2 {
		retain = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{client: client, retain: retain, logger: logger}
}

// Compact summarizes everything but the trailing retained messages and returns
// the rewritten history. The leading system message, when present, survives
// unchanged. Histories short enough already are returned as-is.
func (c *Compactor) Compact(ctx context.Context, hist []types.Message) ([]types.Message, error) {
	var system *types.Message
	body := hist
	if len(hist) > 0 && hist[0].Role == types.RoleSystem {
		system = &hist[0]
		body = hist[1:]
	}
	if len(body) <= c.retain {
		return hist, nil
	}

	older := body[:len(body)-c.retain]
	recent := body[len(body)-c.retain:]

	transcript := renderTranscript(older)
	if transcript == "" {
		return hist, nil
	}

	resp, err := c.client.Complete(ctx, []types.Message{
		{Role: types.RoleUser, Content: fmt.Sprintf(summaryPrompt, transcript)},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}
	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return nil, fmt.Errorf("summarize history: empty summary")
	}

	out := make([]types.Message, 0, len(recent)+2)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, types.Message{
		Role:    types.RoleSystem,
		Content: "Summary of earlier conversation: " + summary,
	})
	out = append(out, recent...)

	// Recent messages can reference tool calls whose assistant message was
	// summarized away.
	repaired, dropped := history.Repair(out)
	if len(dropped) > 0 {
		c.logger.Debug("compaction dropped orphaned tool results", zap.Ints("indices", dropped))
	}

	c.logger.Info("history compacted",
		zap.Int("summarized", len(older)),
		zap.Int("retained", len(recent)),
		zap.Int("summary_chars", len(summary)))

	return repaired, nil
}

// renderTranscript flattens user/assistant messages to role-prefixed lines.
// Tool plumbing is omitted from the summary input.
func renderTranscript(messages []types.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role != types.RoleUser && m.Role != types.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}
