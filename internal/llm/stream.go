package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratos/relay/internal/types"
)

const (
	dataMarker   = "data:"
	doneSentinel = "[DONE]"
)

// streamChunk is one SSE frame payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning_content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage"`
}

// toolCallAccumulator merges the partial tool-call fragments a stream delivers
// for one tool invocation.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// streamOnce reads one streaming response to completion. Frames that do not
// begin with the data marker are ignored, malformed JSON frames are skipped,
// and the interrupt flag is polled once per read cycle.
func (c *Client) streamOnce(ctx context.Context, body chatRequest, onChunk func(string, bool)) (*Completion, error) {
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		content      strings.Builder
		reasoning    strings.Builder
		finishReason string
		usage        types.Usage
		calls        = make(map[int]*toolCallAccumulator)
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		// Abort cancels the request context, which also unblocks the read;
		// the explicit poll bounds latency when frames keep arriving.
		if c.interrupted.Load() {
			return nil, errInterrupted()
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, dataMarker) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, dataMarker))
		if payload == doneSentinel {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream frame", zap.Error(err))
			continue
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Reasoning != "" {
			reasoning.WriteString(choice.Delta.Reasoning)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			onChunk(choice.Delta.Content, false)
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := calls[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				calls[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err(), 0)
		}
		return nil, &Error{Kind: KindStreaming, Summary: "stream read failed", Err: err}
	}

	onChunk("", true)

	msg := types.Message{
		Role:      types.RoleAssistant,
		Content:   content.String(),
		Reasoning: reasoning.String(),
		Timestamp: time.Now(),
	}
	indices := make([]int, 0, len(calls))
	for i := range calls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		acc := calls[i]
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:            acc.id,
			Name:          acc.name,
			ArgumentsJSON: acc.args.String(),
		})
	}

	return &Completion{Message: msg, Usage: usage, FinishReason: finishReason}, nil
}
