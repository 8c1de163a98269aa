// Package llm provides the completion client for OpenAI-compatible chat
// endpoints, including the phased retry protocol and streaming parse.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stratos/relay/internal/history"
	"github.com/stratos/relay/internal/types"
)

// ToolDefinition describes a callable tool in the provider wire format.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function payload of a ToolDefinition.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Completion is the finalized result of one model call.
type Completion struct {
	Message      types.Message
	Usage        types.Usage
	FinishReason string
}

// Config holds client configuration.
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	Temperature    float32
	MaxTokens      int
	RequestTimeout time.Duration // wall-clock cap per attempt
	Retry          RetryPolicy
	Logger         *zap.Logger
}

// Client talks to one OpenAI-compatible chat endpoint. At most one request may
// be in flight per Client; concurrent sessions each own their own Client.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	temperature    float32
	maxTokens      int
	requestTimeout time.Duration
	retry          RetryPolicy
	httpClient     *http.Client
	logger         *zap.Logger

	inflight    atomic.Bool
	interrupted atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewClient creates a new completion client.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Retry = cfg.Retry.withDefaults()

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		requestTimeout: cfg.RequestTimeout,
		retry:          cfg.Retry,
		// No transport-level timeout: each attempt carries its own deadline
		// so the retry machine sees a context error it can classify.
		httpClient: &http.Client{},
		logger:     cfg.Logger,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Abort marks the interrupt flag and cancels any in-flight transport
// operation. Safe to call from any goroutine.
func (c *Client) Abort() {
	c.interrupted.Store(true)
	c.cancelMu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancelMu.Unlock()
}

// Complete performs a non-streaming completion with the full retry protocol.
func (c *Client) Complete(ctx context.Context, messages []types.Message, tools []ToolDefinition) (*Completion, error) {
	return c.run(ctx, messages, tools, nil)
}

// Stream performs a streaming completion, invoking onChunk for every content
// delta as it arrives. The accumulated message and usage are returned on
// completion. Retries restart the stream from scratch; onChunk is only called
// for the attempt that ultimately succeeds or fails mid-stream.
func (c *Client) Stream(ctx context.Context, messages []types.Message, tools []ToolDefinition, onChunk func(text string, final bool)) (*Completion, error) {
	return c.run(ctx, messages, tools, onChunk)
}

func (c *Client) run(ctx context.Context, messages []types.Message, tools []ToolDefinition, onChunk func(string, bool)) (*Completion, error) {
	if !c.inflight.CompareAndSwap(false, true) {
		return nil, &Error{Kind: KindValidation, Summary: "a request is already in flight"}
	}
	defer c.inflight.Store(false)

	// A fresh call clears any interrupt left over from the previous turn.
	c.interrupted.Store(false)

	prepared := history.Normalize(messages, c.model)
	prepared, dropped := history.Repair(prepared)
	if len(dropped) > 0 {
		c.logger.Warn("dropped orphaned tool messages before transmission",
			zap.Ints("indices", dropped))
	}

	body := chatRequest{
		Model:       c.model,
		Messages:    toWireMessages(prepared),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      onChunk != nil,
		Tools:       tools,
	}
	if len(tools) > 0 {
		body.ToolChoice = "auto"
	}

	return c.executeWithRetry(ctx, func(attemptCtx context.Context) (*Completion, error) {
		if onChunk != nil {
			return c.streamOnce(attemptCtx, body, onChunk)
		}
		return c.completeOnce(attemptCtx, body)
	})
}

func (c *Client) completeOnce(ctx context.Context, body chatRequest) (*Completion, error) {
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Kind: KindStreaming, Summary: "malformed provider response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Kind: KindStreaming, Summary: "provider returned no choices"}
	}

	choice := parsed.Choices[0]
	return &Completion{
		Message:      fromWireMessage(choice.Message),
		Usage:        parsed.Usage,
		FinishReason: choice.FinishReason,
	}, nil
}

func (c *Client) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Summary: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Summary: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Classify(err, 0)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, Classify(fmt.Errorf("provider status %d: %s", resp.StatusCode, string(raw)), resp.StatusCode)
	}
	return resp, nil
}

// Wire types for the /chat/completions contract.

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []wireMessage    `json:"messages"`
	Temperature float32          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Reasoning  string         `json:"reasoning_content,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage types.Usage `json:"usage"`
}

func toWireMessages(msgs []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Reasoning:  m.Reasoning,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunctionCall{
					Name:      tc.Name,
					Arguments: tc.ArgumentsJSON,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func fromWireMessage(wm wireMessage) types.Message {
	msg := types.Message{
		Role:      types.RoleAssistant,
		Content:   wm.Content,
		Reasoning: wm.Reasoning,
		Timestamp: time.Now(),
	}
	for _, tc := range wm.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
			ID:            tc.ID,
			Name:          tc.Function.Name,
			ArgumentsJSON: tc.Function.Arguments,
		})
	}
	return msg
}
