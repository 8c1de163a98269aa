package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/stratos/relay/internal/types"
)

// Messages delivered to the Bubble Tea model from engine goroutines.

// EventMsg carries one engine event for the displayed session.
type EventMsg struct{ Event types.Event }

// ModalMsg carries the interaction now occupying the modal surface; a nil
// Interaction dismisses it.
type ModalMsg struct{ Interaction *types.Interaction }

// UsageMsg carries a context-usage snapshot.
type UsageMsg struct {
	SessionID string
	Usage     types.ContextUsage
}

// CompactSuggestedMsg reports a threshold crossing on a session.
type CompactSuggestedMsg struct{ SessionID string }

// sender is the slice of tea.Program the sink needs.
type sender interface {
	Send(tea.Msg)
}

// ProgramSink adapts the engine's event callbacks to Bubble Tea messages.
// Callbacks never block: messages are queued and forwarded to the program on
// a dedicated goroutine. Program.Send blocks until the event loop picks the
// message up, and engine callbacks can fire from inside Update (abort,
// session switch), so forwarding inline would deadlock the loop against
// itself. Messages raised before Attach are held and delivered once the
// program is attached.
type ProgramSink struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []tea.Msg
	target sender
}

// NewProgramSink creates a detached sink.
func NewProgramSink() *ProgramSink {
	s := &ProgramSink{}
	s.cond = sync.NewCond(&s.mu)
	go s.forward()
	return s
}

// Attach binds the sink to a running program.
func (s *ProgramSink) Attach(p *tea.Program) { s.attach(p) }

func (s *ProgramSink) attach(t sender) {
	s.mu.Lock()
	s.target = t
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *ProgramSink) send(msg tea.Msg) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.cond.Signal()
}

// forward drains the queue toward the program, in order. Runs for the life of
// the process.
func (s *ProgramSink) forward() {
	for {
		s.mu.Lock()
		for s.target == nil || len(s.queue) == 0 {
			s.cond.Wait()
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		t := s.target
		s.mu.Unlock()

		t.Send(msg)
	}
}

func (s *ProgramSink) Event(ev types.Event) {
	s.send(EventMsg{Event: ev})
}

func (s *ProgramSink) InteractionRequested(in *types.Interaction) {
	s.send(ModalMsg{Interaction: in})
}

func (s *ProgramSink) UsageUpdated(sessionID string, usage types.ContextUsage) {
	s.send(UsageMsg{SessionID: sessionID, Usage: usage})
}

func (s *ProgramSink) AutoCompactSuggested(sessionID string) {
	s.send(CompactSuggestedMsg{SessionID: sessionID})
}
