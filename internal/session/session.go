package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stratos/relay/internal/contexttrack"
	"github.com/stratos/relay/internal/llm"
	"github.com/stratos/relay/internal/tools"
	"github.com/stratos/relay/internal/types"
)

// maxTurnIterations bounds the model-call/tool-execution loop within one turn.
const maxTurnIterations = 16

// askUserToolName is the built-in pseudo-tool that routes a model question to
// the human through an ask interaction. It is handled by the session loop, not
// the registry.
const askUserToolName = "ask_user"

// todoToolName is the registry tool whose successful results are additionally
// surfaced as todo-list events.
const todoToolName = "update_todos"

// ErrSessionAborted reports that the turn ended because the session was
// aborted while waiting (on the model or on an interaction).
var ErrSessionAborted = errors.New("session aborted")

// ErrTurnInProgress reports a second RunTurn while a turn is executing.
// Within one session, turns are strictly sequential.
var ErrTurnInProgress = errors.New("a turn is already executing for this session")

// Session is one independently running agent conversation. All exported
// methods are safe for concurrent use; the turn loop itself runs on the
// caller's goroutine.
type Session struct {
	id       string
	client   *llm.Client
	tracker  *contexttrack.Tracker
	registry *tools.Registry
	queue    *InteractionQueue
	logger   *zap.Logger

	emit           func(types.Event)
	usageUpdated   func(types.ContextUsage)
	compactSuggest func()

	reqCounter atomic.Int64

	mu        sync.Mutex
	state     types.SessionState
	history   []types.Message
	executing bool
	cancel    context.CancelFunc
}

func (s *Session) ID() string { return s.id }

// State returns the session lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the session's message history.
func (s *Session) History() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.history))
	copy(out, s.history)
	return out
}

// SetHistory replaces the history, e.g. after loading a persisted session or
// after compaction. The tracker's trigger is re-armed.
func (s *Session) SetHistory(hist []types.Message) {
	s.mu.Lock()
	s.history = append([]types.Message(nil), hist...)
	s.mu.Unlock()
	s.tracker.ResetAutoCompactTrigger()
}

// Tracker exposes the session's context tracker.
func (s *Session) Tracker() *contexttrack.Tracker { return s.tracker }

// Abort cancels the in-flight model call, purges the session's pending
// interactions, and marks the session aborted. The session remains usable for
// a later turn; RunTurn resets the state on entry.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.state = types.SessionAborted
	s.mu.Unlock()

	s.client.Abort()
	if cancel != nil {
		cancel()
	}
	s.queue.PurgeSession(s.id)
}

// Compact rewrites the history through the summarizing compactor, keeping the
// most recent retain messages verbatim, then rebases the tracker on the new
// history. Not allowed while a turn is executing.
func (s *Session) Compact(ctx context.Context, retain int) error {
	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		return ErrTurnInProgress
	}
	hist := make([]types.Message, len(s.history))
	copy(hist, s.history)
	s.mu.Unlock()

	compactor := contexttrack.NewCompactor(s.client, retain, s.logger)
	compacted, err := compactor.Compact(ctx, hist)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.history = compacted
	s.mu.Unlock()

	s.tracker.Reset()
	s.tracker.UpdateUsage(contexttrack.EstimateTokens(compacted), 0)
	if s.usageUpdated != nil {
		s.usageUpdated(s.tracker.Usage())
	}
	return nil
}

// RunTurn executes one user turn to completion: model calls, tool execution,
// and any interactions, until the model produces a final answer.
func (s *Session) RunTurn(ctx context.Context, userMessage string) (types.TurnResult, error) {
	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		return types.TurnResult{}, ErrTurnInProgress
	}
	s.executing = true
	s.state = types.SessionRunning
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.history = append(s.history, types.Message{
		Role:      types.RoleUser,
		Content:   userMessage,
		Timestamp: time.Now(),
	})
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.executing = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	content, err := s.turnLoop(turnCtx)
	if err != nil {
		return types.TurnResult{}, err
	}

	s.mu.Lock()
	s.state = types.SessionCompleted
	hist := make([]types.Message, len(s.history))
	copy(hist, s.history)
	s.mu.Unlock()

	return types.TurnResult{
		Content: content,
		History: hist,
		Usage:   s.tracker.Usage(),
	}, nil
}

func (s *Session) turnLoop(ctx context.Context) (string, error) {
	defs := append(s.registry.Definitions(), askUserDefinition())

	for iteration := 1; iteration <= maxTurnIterations; iteration++ {
		s.mu.Lock()
		hist := make([]types.Message, len(s.history))
		copy(hist, s.history)
		s.mu.Unlock()

		completion, err := s.client.Stream(ctx, hist, defs, func(text string, final bool) {
			if text != "" {
				s.emit(types.Event{
					Kind:      types.EventAssistantDelta,
					SessionID: s.id,
					Text:      text,
					Timestamp: time.Now(),
				})
			}
		})
		if err != nil {
			return "", s.surfaceTurnError(err)
		}

		s.recordUsage(hist, completion)

		s.mu.Lock()
		s.history = append(s.history, completion.Message)
		s.mu.Unlock()

		if len(completion.Message.ToolCalls) == 0 {
			return completion.Message.Content, nil
		}

		for _, tc := range completion.Message.ToolCalls {
			result, err := s.runToolCall(ctx, tc)
			if err != nil {
				return "", err
			}
			s.mu.Lock()
			s.history = append(s.history, types.Message{
				Role:       types.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				Timestamp:  time.Now(),
			})
			s.mu.Unlock()
		}
	}

	return "", fmt.Errorf("turn did not converge after %d iterations", maxTurnIterations)
}

// surfaceTurnError maps a completion failure onto the session failure
// semantics: an interrupt leaves the session resumable, a context overflow is
// an actionable compaction signal, everything else surfaces as-is.
func (s *Session) surfaceTurnError(err error) error {
	classified := llm.Classify(err, 0)

	s.mu.Lock()
	switch classified.Kind {
	case llm.KindUserInterrupted:
		s.state = types.SessionAborted
	default:
		s.state = types.SessionCrashed
	}
	s.mu.Unlock()

	if classified.Kind == llm.KindUserInterrupted {
		return ErrSessionAborted
	}
	if classified.Kind == llm.KindContextLengthExceeded && s.compactSuggest != nil {
		// The overflow is actionable: the host should offer compaction, not
		// just show a failure.
		s.compactSuggest()
	}
	return classified
}

func (s *Session) recordUsage(sent []types.Message, completion *llm.Completion) {
	usage := completion.Usage
	if usage.TotalTokens == 0 {
		// Provider did not report usage; estimate from characters.
		usage.PromptTokens = contexttrack.EstimateTokens(sent)
		usage.CompletionTokens = contexttrack.EstimateTokens([]types.Message{completion.Message})
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	s.tracker.UpdateUsage(usage.PromptTokens, usage.CompletionTokens)

	snapshot := s.tracker.Usage()
	if s.usageUpdated != nil {
		s.usageUpdated(snapshot)
	}
	if s.tracker.ShouldTriggerAutoCompact() && s.compactSuggest != nil {
		s.logger.Info("context threshold crossed",
			zap.String("session_id", s.id),
			zap.Float64("usage_percent", snapshot.UsagePercent))
		s.compactSuggest()
	}
}

func (s *Session) runToolCall(ctx context.Context, tc types.ToolCall) (string, error) {
	if tc.Name == askUserToolName {
		return s.askUser(tc)
	}

	s.emit(types.Event{
		Kind:      types.EventToolCallStarted,
		SessionID: s.id,
		ToolName:  tc.Name,
		Timestamp: time.Now(),
	})

	result, err := s.executeTool(ctx, tc)

	finished := types.Event{
		Kind:      types.EventToolCallFinished,
		SessionID: s.id,
		ToolName:  tc.Name,
		Timestamp: time.Now(),
	}
	if err != nil {
		finished.Err = err.Error()
		s.emit(finished)
		return "", err
	}
	finished.Text = result
	s.emit(finished)

	if tc.Name == todoToolName {
		s.emit(types.Event{
			Kind:      types.EventTodoUpdated,
			SessionID: s.id,
			Text:      result,
			Timestamp: time.Now(),
		})
	}
	return result, nil
}

func (s *Session) executeTool(ctx context.Context, tc types.ToolCall) (string, error) {
	tool, ok := s.registry.Get(tc.Name)
	if !ok {
		// Fed back to the model rather than failing the turn.
		return fmt.Sprintf("unknown tool %q", tc.Name), nil
	}

	if tool.RequiresApproval() {
		answer, err := s.awaitInteraction(types.Interaction{
			Kind:      types.InteractionApproval,
			SessionID: s.id,
			RequestID: s.nextRequestID(),
			ToolCall:  &tc,
		})
		if err != nil {
			return "", err
		}
		if !answer.Approved {
			return fmt.Sprintf("tool %q was denied by the user", tc.Name), nil
		}
	}

	result, err := tool.Execute(ctx, tc.ArgumentsJSON)
	if err != nil {
		// Tool failures are model-visible, not turn-fatal.
		return fmt.Sprintf("tool %q failed: %v", tc.Name, err), nil
	}
	return result, nil
}

func (s *Session) askUser(tc types.ToolCall) (string, error) {
	var args struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(tc.ArgumentsJSON), &args); err != nil || args.Question == "" {
		return "ask_user requires a question argument", nil
	}

	answer, err := s.awaitInteraction(types.Interaction{
		Kind:      types.InteractionAsk,
		SessionID: s.id,
		RequestID: s.nextRequestID(),
		Prompt:    args.Question,
	})
	if err != nil {
		return "", err
	}
	return answer.Text, nil
}

// awaitInteraction parks the turn on the modal queue until the human answers
// or the session is purged.
func (s *Session) awaitInteraction(in types.Interaction) (types.Answer, error) {
	s.mu.Lock()
	s.state = types.SessionAwaitingInteraction
	s.mu.Unlock()

	answer, ok := <-s.queue.Raise(in)

	s.mu.Lock()
	if s.state == types.SessionAwaitingInteraction {
		s.state = types.SessionRunning
	}
	s.mu.Unlock()

	if !ok {
		return types.Answer{}, ErrSessionAborted
	}
	return answer, nil
}

func (s *Session) nextRequestID() string {
	return fmt.Sprintf("%s-req-%d", s.id, s.reqCounter.Add(1))
}

func askUserDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        askUserToolName,
			Description: "Ask the user a clarifying question and wait for their answer",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string", "description": "The question to ask"},
				},
				"required": []string{"question"},
			},
		},
	}
}
