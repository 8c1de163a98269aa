package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stratos/relay/internal/types"
)

func ask(sessionID, requestID string) types.Interaction {
	return types.Interaction{
		Kind:      types.InteractionAsk,
		SessionID: sessionID,
		RequestID: requestID,
		Prompt:    "?",
	}
}

func TestQueue_SingleVisibilityUnderConcurrentRaises(t *testing.T) {
	q := NewInteractionQueue(nil, nil)

	const n = 8
	var wg sync.WaitGroup
	channels := make([]<-chan types.Answer, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			channels[i] = q.Raise(ask(fmt.Sprintf("s%d", i), "r1"))
		}(i)
	}
	wg.Wait()

	if q.Visible() == nil {
		t.Fatal("no interaction visible after concurrent raises")
	}
	if got := q.Depth(); got != n-1 {
		t.Fatalf("queue depth = %d, want %d", got, n-1)
	}

	// Drain: after each answer, exactly one interaction is visible until the
	// queue is empty.
	for answered := 0; answered < n; answered++ {
		vis := q.Visible()
		if vis == nil {
			t.Fatalf("no visible interaction after %d answers", answered)
		}
		if err := q.Respond(vis.SessionID, vis.RequestID, types.Answer{Text: "ok"}); err != nil {
			t.Fatal(err)
		}
	}
	if q.Visible() != nil {
		t.Fatal("interaction still visible after draining the queue")
	}
}

func TestQueue_AnswersRouteByExplicitKeys(t *testing.T) {
	q := NewInteractionQueue(nil, nil)

	chA := q.Raise(ask("session-a", "req-1"))
	chB := q.Raise(ask("session-b", "req-1"))

	// session-b's entry is queued, not visible, yet its answer must reach
	// session-b only.
	if err := q.Respond("session-b", "req-1", types.Answer{Text: "for b"}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-chB:
		if got.Text != "for b" {
			t.Errorf("session-b received %q, want %q", got.Text, "for b")
		}
	case <-time.After(time.Second):
		t.Fatal("session-b never received its answer")
	}

	select {
	case got := <-chA:
		t.Fatalf("session-a received an answer meant for b: %+v", got)
	default:
	}

	if err := q.Respond("session-a", "req-1", types.Answer{Text: "for a"}); err != nil {
		t.Fatal(err)
	}
	if got := <-chA; got.Text != "for a" {
		t.Errorf("session-a received %q, want %q", got.Text, "for a")
	}
}

func TestQueue_RespondUnknownRequest(t *testing.T) {
	q := NewInteractionQueue(nil, nil)
	if err := q.Respond("ghost", "r1", types.Answer{}); err == nil {
		t.Fatal("expected error for unknown interaction")
	}
}

func TestQueue_PurgeDismissesVisibleAndShowsNext(t *testing.T) {
	var modalLog []*types.Interaction
	q := NewInteractionQueue(func(in *types.Interaction) {
		modalLog = append(modalLog, in)
	}, nil)

	chA := q.Raise(ask("session-a", "req-1"))
	q.Raise(ask("session-a", "req-2"))
	chB := q.Raise(ask("session-b", "req-1"))

	q.PurgeSession("session-a")

	// Both of a's channels are closed, so a blocked session task unblocks.
	if _, ok := <-chA; ok {
		t.Error("purged visible interaction delivered an answer")
	}

	vis := q.Visible()
	if vis == nil || vis.SessionID != "session-b" {
		t.Fatalf("expected session-b's interaction visible after purge, got %+v", vis)
	}
	if err := q.Respond("session-b", "req-1", types.Answer{Text: "still here"}); err != nil {
		t.Fatal(err)
	}
	if got := <-chB; got.Text != "still here" {
		t.Errorf("session-b answer = %q", got.Text)
	}

	// Modal transitions: a/req-1 shown, then b/req-1 after purge, then empty.
	last := modalLog[len(modalLog)-1]
	if last != nil {
		t.Errorf("final modal state = %+v, want nil", last)
	}
}

func TestQueue_PurgeWithoutVisibleMatchKeepsModal(t *testing.T) {
	var notifications []*types.Interaction
	q := NewInteractionQueue(func(in *types.Interaction) {
		notifications = append(notifications, in)
	}, nil)

	q.Raise(ask("session-a", "req-1")) // shown
	q.Raise(ask("session-b", "req-1")) // waiting behind it

	// Neither purge touches the visible entry, so the modal surface must not
	// be re-notified (a nil notification would dismiss session-a's modal).
	q.PurgeSession("session-b")
	q.PurgeSession("ghost")

	if got := len(notifications); got != 1 {
		t.Fatalf("modal notifications = %d, want 1 (only the initial show)", got)
	}
	if vis := q.Visible(); vis == nil || vis.SessionID != "session-a" {
		t.Errorf("visible = %+v, want session-a's interaction", vis)
	}
	if got := q.Depth(); got != 0 {
		t.Errorf("queue depth = %d, want 0 after purging the waiting entry", got)
	}
}

func TestQueue_PurgeUnknownSessionIsNoop(t *testing.T) {
	q := NewInteractionQueue(nil, nil)
	ch := q.Raise(ask("session-a", "req-1"))
	q.PurgeSession("other")

	if q.Visible() == nil {
		t.Fatal("visible interaction lost by unrelated purge")
	}
	select {
	case <-ch:
		t.Fatal("answer channel touched by unrelated purge")
	default:
	}
}
