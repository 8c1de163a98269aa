// Package history contains pure transformations applied to a conversation
// history before it is transmitted to a model provider.
package history

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stratos/relay/internal/types"
)

var thinkSpanRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// modelFixup is a per-model-family repair applied after the generic
// normalization rules. Pattern matches against the target model identifier.
type modelFixup struct {
	pattern *regexp.Regexp
	apply   func(msg *types.Message)
}

// Some model servers reject an assistant message that carries tool calls but
// empty content. Backfill a human-readable placeholder from the tool names.
var fixups = []modelFixup{
	{
		pattern: regexp.MustCompile(`(?i)^(qwen|glm|minimax)`),
		apply: func(msg *types.Message) {
			if strings.TrimSpace(msg.Content) != "" || len(msg.ToolCalls) == 0 {
				return
			}
			names := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				names = append(names, tc.Name)
			}
			msg.Content = fmt.Sprintf("Calling tools: %s", strings.Join(names, ", "))
		},
	},
}

// Normalize returns a copy of history safe to transmit to the given model.
//
// Rules, applied to assistant messages only:
//  1. Every assistant message except the latest loses its reasoning trace and
//     any inline <think> spans in content.
//  2. An assistant message with no usable content but a reasoning trace gets
//     the trace promoted into content if it is the latest assistant message;
//     older messages discard the trace instead.
//  3. Model-family fixups apply only when the model id matches.
//  4. Content is never left unset.
//
// The input is not mutated.
func Normalize(history []types.Message, model string) []types.Message {
	out := make([]types.Message, len(history))
	copy(out, history)

	latest := latestAssistantIndex(out)

	for i := range out {
		if out[i].Role != types.RoleAssistant {
			continue
		}

		if i != latest {
			out[i].Content = stripThinkSpans(out[i].Content)
			out[i].Reasoning = ""
		} else if strings.TrimSpace(out[i].Content) == "" && out[i].Reasoning != "" {
			// Supports switching to a model that does not separate reasoning.
			out[i].Content = out[i].Reasoning
		}

		for _, f := range fixups {
			if f.pattern.MatchString(model) {
				f.apply(&out[i])
			}
		}
	}

	return out
}

func latestAssistantIndex(history []types.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == types.RoleAssistant {
			return i
		}
	}
	return -1
}

func stripThinkSpans(content string) string {
	if !strings.Contains(content, "<think>") {
		return content
	}
	return strings.TrimSpace(thinkSpanRe.ReplaceAllString(content, ""))
}
