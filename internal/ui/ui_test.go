package ui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/stratos/relay/internal/session"
	"github.com/stratos/relay/internal/types"
)

func newTestModel() Model {
	mux := session.NewMultiplexer(session.Config{Sink: NewProgramSink()})
	return NewModel(mux, nil, nil)
}

func TestHandleEvent_AccumulatesDeltas(t *testing.T) {
	m := newTestModel()

	m.handleEvent(types.Event{Kind: types.EventAssistantDelta, SessionID: "main", Text: "hel"})
	m.handleEvent(types.Event{Kind: types.EventAssistantDelta, SessionID: "main", Text: "lo"})

	if got := m.streamBuf["main"].String(); got != "hello" {
		t.Errorf("stream buffer = %q, want hello", got)
	}
}

func TestHandleEvent_ToolLifecycle(t *testing.T) {
	m := newTestModel()

	m.handleEvent(types.Event{Kind: types.EventToolCallStarted, SessionID: "main", ToolName: "echo"})
	lines := m.lines["main"]
	if len(lines) != 1 || lines[0].tool == nil || lines[0].tool.done {
		t.Fatalf("expected one in-progress tool line, got %+v", lines)
	}

	m.handleEvent(types.Event{Kind: types.EventToolCallFinished, SessionID: "main", ToolName: "echo", Text: "out"})
	if !lines[0].tool.done || lines[0].tool.output != "out" {
		t.Errorf("tool line not finalized: %+v", lines[0].tool)
	}
}

func TestRenderModal_ApprovalAndAsk(t *testing.T) {
	m := newTestModel()

	m.modal = &types.Interaction{
		Kind:      types.InteractionApproval,
		SessionID: "main",
		RequestID: "r1",
		ToolCall:  &types.ToolCall{Name: "write_note", ArgumentsJSON: "{}"},
	}
	out := m.renderModal()
	if !strings.Contains(out, "write_note") || !strings.Contains(out, "approve") {
		t.Errorf("approval modal missing content: %q", out)
	}

	m.modal = &types.Interaction{
		Kind:      types.InteractionAsk,
		SessionID: "other",
		RequestID: "r2",
		Prompt:    "which region?",
	}
	out = m.renderModal()
	if !strings.Contains(out, "which region?") || !strings.Contains(out, "other") {
		t.Errorf("ask modal missing content: %q", out)
	}
}

// chanSender hands each forwarded message to the test over a channel,
// standing in for a program whose event loop may be busy.
type chanSender chan tea.Msg

func (c chanSender) Send(msg tea.Msg) { c <- msg }

func TestProgramSink_CallbacksDoNotBlockOnDelivery(t *testing.T) {
	s := NewProgramSink()
	target := make(chanSender) // unbuffered and not yet drained
	s.attach(target)

	done := make(chan struct{})
	go func() {
		s.Event(types.Event{Kind: types.EventAssistantDelta, SessionID: "main", Text: "a"})
		s.UsageUpdated("main", types.ContextUsage{TotalTokens: 1})
		s.InteractionRequested(nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sink callback blocked while the program was not draining")
	}

	var got []tea.Msg
	for i := 0; i < 3; i++ {
		select {
		case msg := <-target:
			got = append(got, msg)
		case <-time.After(time.Second):
			t.Fatalf("message %d never forwarded", i)
		}
	}
	if _, ok := got[0].(EventMsg); !ok {
		t.Errorf("first forwarded message = %T, want EventMsg", got[0])
	}
	if _, ok := got[1].(UsageMsg); !ok {
		t.Errorf("second forwarded message = %T, want UsageMsg", got[1])
	}
	if _, ok := got[2].(ModalMsg); !ok {
		t.Errorf("third forwarded message = %T, want ModalMsg", got[2])
	}
}

func TestProgramSink_HoldsMessagesUntilAttached(t *testing.T) {
	s := NewProgramSink()
	s.Event(types.Event{Kind: types.EventAssistantDelta, SessionID: "main", Text: "early"})

	target := make(chanSender, 1)
	s.attach(target)

	select {
	case msg := <-target:
		ev, ok := msg.(EventMsg)
		if !ok || ev.Event.Text != "early" {
			t.Errorf("forwarded message = %#v, want the pre-attach event", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("pre-attach message never delivered")
	}
}

func TestUpdate_EscAbortRunsOffTheEventLoop(t *testing.T) {
	m := newTestModel()
	m.busy["main"] = true

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = updated.(Model)
	if m.quitting {
		t.Fatal("esc during a busy turn must abort, not quit")
	}
	if cmd == nil {
		t.Fatal("esc returned no command; the abort would run inside Update")
	}
	if got := m.mux.Session("main").State(); got == types.SessionAborted {
		t.Fatal("session aborted before the command ran")
	}

	cmd()
	if got := m.mux.Session("main").State(); got != types.SessionAborted {
		t.Errorf("session state after abort command = %v, want %v", got, types.SessionAborted)
	}
}

func TestHandleCommand_SwitchDefersDisplayToCommand(t *testing.T) {
	m := newTestModel()

	updated, cmd := m.handleCommand("/switch work")
	m = updated.(Model)
	if m.active != "work" {
		t.Fatalf("active session = %q, want work", m.active)
	}
	if cmd == nil {
		t.Fatal("switch returned no command; the display switch would run inside Update")
	}
	if got := m.mux.Displayed(); got != "main" {
		t.Fatalf("displayed switched to %q before the command ran", got)
	}

	cmd()
	if got := m.mux.Displayed(); got != "work" {
		t.Errorf("displayed = %q after the command, want work", got)
	}
}

func TestBannerAndStyles(t *testing.T) {
	if !strings.Contains(Banner(), "\n") {
		t.Error("banner should span multiple lines")
	}
	styles := DefaultStyles()
	if styles.ModalBox.Render("x") == "" {
		t.Error("ModalBox renders nothing")
	}
}
