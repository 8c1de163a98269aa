// Package session coordinates concurrently running agent sessions, the
// serialized interaction modal queue, and per-session event routing.
package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stratos/relay/internal/types"
)

// pendingInteraction pairs a raised interaction with the channel its session
// task blocks on. The channel is buffered so delivery never blocks the
// responder; it is closed instead of answered when the session goes away.
type pendingInteraction struct {
	interaction types.Interaction
	answerCh    chan types.Answer
}

// InteractionQueue serializes human-input requests from all sessions onto a
// single modal surface: at most one interaction is visible at a time, the
// rest wait in FIFO order. Answers are routed strictly by
// (sessionID, requestID).
type InteractionQueue struct {
	mu      sync.Mutex
	visible *pendingInteraction
	waiting []*pendingInteraction

	// onModalChange reports the interaction that became visible, or nil when
	// the modal surface went empty. Invoked under the queue lock so that
	// show/dismiss notifications arrive in exact order; the callback must not
	// call back into the queue.
	onModalChange func(*types.Interaction)
	logger        *zap.Logger
}

// NewInteractionQueue creates an empty queue. onModalChange may be nil.
func NewInteractionQueue(onModalChange func(*types.Interaction), logger *zap.Logger) *InteractionQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InteractionQueue{onModalChange: onModalChange, logger: logger}
}

// Raise enqueues an interaction and returns the channel the session task must
// block on. The channel yields exactly one answer, or is closed if the
// session's entries are purged before the human responds.
func (q *InteractionQueue) Raise(in types.Interaction) <-chan types.Answer {
	p := &pendingInteraction{
		interaction: in,
		answerCh:    make(chan types.Answer, 1),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.visible == nil {
		q.visible = p
		q.notifyLocked()
	} else {
		q.waiting = append(q.waiting, p)
	}

	q.logger.Debug("interaction raised",
		zap.String("session_id", in.SessionID),
		zap.String("request_id", in.RequestID),
		zap.String("kind", string(in.Kind)),
		zap.Int("queued", len(q.waiting)))

	return p.answerCh
}

// Respond delivers the human answer for (sessionID, requestID). The entry may
// be the visible one or still queued; either way it is consumed exactly once.
func (q *InteractionQueue) Respond(sessionID, requestID string, answer types.Answer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p := q.visible; p != nil && p.interaction.SessionID == sessionID && p.interaction.RequestID == requestID {
		q.visible = nil
		q.promoteLocked()
		p.answerCh <- answer
		return nil
	}

	for i, p := range q.waiting {
		if p.interaction.SessionID == sessionID && p.interaction.RequestID == requestID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			p.answerCh <- answer
			return nil
		}
	}

	return fmt.Errorf("no pending interaction for session %s request %s", sessionID, requestID)
}

// PurgeSession removes every entry belonging to the session, closing their
// answer channels so blocked tasks unblock. If the purged session owned the
// visible interaction, the next queued one (if any) is shown.
func (q *InteractionQueue) PurgeSession(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	purged := 0
	clearedVisible := false
	if p := q.visible; p != nil && p.interaction.SessionID == sessionID {
		q.visible = nil
		clearedVisible = true
		close(p.answerCh)
		purged++
	}

	kept := q.waiting[:0]
	for _, p := range q.waiting {
		if p.interaction.SessionID == sessionID {
			close(p.answerCh)
			purged++
			continue
		}
		kept = append(kept, p)
	}
	q.waiting = kept

	// Only a dismissed visible entry changes the modal surface. A purge that
	// touched nothing visible must not notify, or hosts would dismiss an
	// unrelated session's modal.
	if clearedVisible {
		q.promoteLocked()
	}

	if purged > 0 {
		q.logger.Info("purged session interactions",
			zap.String("session_id", sessionID),
			zap.Int("purged", purged))
	}
}

// Visible returns a copy of the currently visible interaction, if any.
func (q *InteractionQueue) Visible() *types.Interaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.visible == nil {
		return nil
	}
	in := q.visible.interaction
	return &in
}

// Depth returns the number of interactions waiting behind the visible one.
func (q *InteractionQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *InteractionQueue) promoteLocked() {
	if len(q.waiting) > 0 {
		q.visible = q.waiting[0]
		q.waiting = q.waiting[1:]
	}
	q.notifyLocked()
}

func (q *InteractionQueue) notifyLocked() {
	if q.onModalChange == nil {
		return
	}
	if q.visible == nil {
		q.onModalChange(nil)
		return
	}
	in := q.visible.interaction
	q.onModalChange(&in)
}
