// Package contexttrack maintains the running token-usage estimate for one
// session and the one-shot trigger for auto-compaction.
package contexttrack

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/stratos/relay/internal/types"
)

// DefaultThresholdPercent is the usage percentage at which auto-compaction is
// suggested when no explicit threshold is configured.
const DefaultThresholdPercent = 80.0

// Tracker accumulates usage reports from the completion client. One Tracker
// per session; no cross-session locking is needed.
type Tracker struct {
	mu               sync.Mutex
	maxTokens        int
	thresholdPercent float64
	prompt           int
	completion       int
	autoCompactFired bool
}

// NewTracker creates a tracker for a model with the given context window.
func NewTracker(maxTokens int) *Tracker {
	return &Tracker{
		maxTokens:        maxTokens,
		thresholdPercent: DefaultThresholdPercent,
	}
}

// SetThreshold sets the auto-compact trigger percentage, valid on (0, 100].
func (t *Tracker) SetThreshold(percent float64) error {
	if percent <= 0 || percent > 100 {
		return fmt.Errorf("threshold must be in (0, 100], got %v", percent)
	}
	t.mu.Lock()
	t.thresholdPercent = percent
	t.mu.Unlock()
	return nil
}

// UpdateUsage records the latest usage report. Prompt tokens replace the
// previous prompt figure (each request resends the whole history); completion
// tokens accumulate.
func (t *Tracker) UpdateUsage(promptTokens, completionTokens int) {
	t.mu.Lock()
	t.prompt = promptTokens
	t.completion += completionTokens
	t.mu.Unlock()
}

// Usage returns the current context-budget snapshot.
func (t *Tracker) Usage() types.ContextUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageLocked()
}

func (t *Tracker) usageLocked() types.ContextUsage {
	total := t.prompt + t.completion
	u := types.ContextUsage{
		PromptTokens:     t.prompt,
		CompletionTokens: t.completion,
		TotalTokens:      total,
		MaxTokens:        t.maxTokens,
	}
	if t.maxTokens > 0 {
		u.UsagePercent = float64(total) / float64(t.maxTokens) * 100
	}
	return u
}

// ShouldTriggerAutoCompact reports a threshold crossing exactly once. It keeps
// returning false after the first true until ResetAutoCompactTrigger is
// called, e.g. after a successful compaction or on a new session.
func (t *Tracker) ShouldTriggerAutoCompact() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.autoCompactFired {
		return false
	}
	if t.usageLocked().UsagePercent < t.thresholdPercent {
		return false
	}
	t.autoCompactFired = true
	return true
}

// ResetAutoCompactTrigger re-arms the auto-compact trigger.
func (t *Tracker) ResetAutoCompactTrigger() {
	t.mu.Lock()
	t.autoCompactFired = false
	t.mu.Unlock()
}

// Reset clears accumulated usage and re-arms the trigger, for compaction or a
// fresh session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.prompt = 0
	t.completion = 0
	t.autoCompactFired = false
	t.mu.Unlock()
}

// EstimateTokens is the fallback estimate for providers that do not report
// usage: ceil(charCount / 4).
func EstimateTokens(messages []types.Message) int {
	chars := 0
	for _, m := range messages {
		chars += utf8.RuneCountInString(m.Content)
		chars += utf8.RuneCountInString(m.Reasoning)
	}
	return (chars + 3) / 4
}
