// Package ui provides the terminal chat interface using Bubble Tea. It hosts
// the session engine: all rendering happens here, the engine only emits
// events.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/stratos/relay/internal/llm"
	"github.com/stratos/relay/internal/session"
	"github.com/stratos/relay/internal/store"
	"github.com/stratos/relay/internal/types"
)

const defaultSessionID = "main"

// Model is the Bubble Tea model for the relay chat UI.
type Model struct {
	mux    *session.Multiplexer
	store  *store.Store
	logger *zap.Logger

	// UI components
	textInput textinput.Model
	spinner   spinner.Model
	viewport  viewport.Model
	styles    Styles

	// State
	active    string
	lines     map[string][]chatLine
	streamBuf map[string]*strings.Builder
	busy      map[string]bool
	usage     map[string]types.ContextUsage
	modal     *types.Interaction

	width    int
	height   int
	ready    bool
	quitting bool
}

// chatLine is one rendered entry in a session transcript.
type chatLine struct {
	role    string // "user", "assistant", "system", "tool"
	content string
	tool    *toolExecution
}

// toolExecution tracks a tool call and its result.
type toolExecution struct {
	name    string
	output  string
	errText string
	done    bool
}

type turnDoneMsg struct {
	sessionID string
	result    types.TurnResult
	err       error
}

type compactDoneMsg struct {
	sessionID string
	err       error
}

// NewModel creates the chat model. The store may be nil to disable
// persistence.
func NewModel(mux *session.Multiplexer, st *store.Store, logger *zap.Logger) Model {
	if logger == nil {
		logger = zap.NewNop()
	}

	ti := textinput.New()
	ti.Placeholder = "Type a message, or /help for commands"
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 80

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))

	vp := viewport.New(0, 0)
	vp.KeyMap = viewport.DefaultKeyMap()

	m := Model{
		mux:       mux,
		store:     st,
		logger:    logger,
		textInput: ti,
		spinner:   s,
		viewport:  vp,
		styles:    DefaultStyles(),
		active:    defaultSessionID,
		lines:     make(map[string][]chatLine),
		streamBuf: make(map[string]*strings.Builder),
		busy:      make(map[string]bool),
		usage:     make(map[string]types.ContextUsage),
	}
	m.openSession(defaultSessionID)
	return m
}

// openSession ensures the session exists in the engine, loading persisted
// history when available.
func (m *Model) openSession(id string) {
	s := m.mux.Session(id)
	if m.store != nil && m.store.Exists(id) {
		rec, err := m.store.Load(id)
		if err != nil {
			m.appendLine(id, chatLine{role: "system", content: fmt.Sprintf("could not load session %s: %v", id, err)})
		} else {
			s.SetHistory(rec.Messages)
			m.appendLine(id, chatLine{role: "system", content: fmt.Sprintf("restored %d messages", len(rec.Messages))})
		}
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
	)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case tea.KeyEsc:
			if m.busy[m.active] {
				return m, m.abortSession(m.active)
			}
			m.quitting = true
			return m, tea.Quit

		case tea.KeyEnter:
			return m.handleEnter()

		default:
			// Approval modals answer on a single keypress.
			if m.modal != nil && m.modal.Kind == types.InteractionApproval {
				switch strings.ToLower(msg.String()) {
				case "y":
					return m, m.answerModal(types.Answer{Approved: true})
				case "n":
					return m, m.answerModal(types.Answer{Approved: false})
				}
			}
		}

	case tea.WindowSizeMsg:
		m.resize(msg)

	case EventMsg:
		m.handleEvent(msg.Event)
		m.updateViewport()

	case ModalMsg:
		m.modal = msg.Interaction
		m.updateViewport()

	case UsageMsg:
		m.usage[msg.SessionID] = msg.Usage

	case CompactSuggestedMsg:
		m.appendLine(msg.SessionID, chatLine{
			role:    "system",
			content: "context usage crossed the threshold; run /compact to summarize older messages",
		})
		m.updateViewport()

	case turnDoneMsg:
		m.busy[msg.sessionID] = false
		m.streamBuf[msg.sessionID] = nil
		switch {
		case msg.err == nil:
			m.appendLine(msg.sessionID, chatLine{role: "assistant", content: msg.result.Content})
			cmds = append(cmds, m.persist(msg.sessionID, msg.result.History))
		case errors.Is(msg.err, session.ErrSessionAborted):
			m.appendLine(msg.sessionID, chatLine{role: "system", content: "turn aborted"})
		default:
			var lerr *llm.Error
			if errors.As(msg.err, &lerr) && lerr.Kind == llm.KindContextLengthExceeded {
				m.appendLine(msg.sessionID, chatLine{
					role:    "system",
					content: "the conversation no longer fits the model's context window; run /compact and retry",
				})
			} else {
				m.appendLine(msg.sessionID, chatLine{role: "system", content: "error: " + msg.err.Error()})
			}
		}
		m.updateViewport()

	case compactDoneMsg:
		m.busy[msg.sessionID] = false
		if msg.err != nil {
			m.appendLine(msg.sessionID, chatLine{role: "system", content: "compaction failed: " + msg.err.Error()})
		} else {
			m.appendLine(msg.sessionID, chatLine{role: "system", content: "history compacted"})
		}
		m.updateViewport()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
		if m.anyBusy() {
			m.updateViewport()
		}
	}

	if m.modal == nil || m.modal.Kind == types.InteractionAsk {
		var tiCmd tea.Cmd
		m.textInput, tiCmd = m.textInput.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	return m, tea.Batch(cmds...)
}

func (m *Model) resize(msg tea.WindowSizeMsg) {
	m.width = msg.Width
	m.height = msg.Height
	m.textInput.Width = msg.Width - 10

	vpHeight := msg.Height - m.headerHeight() - m.footerHeight()
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(msg.Width, vpHeight)
		m.viewport.KeyMap = viewport.DefaultKeyMap()
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = vpHeight
	}
	m.ready = true
	m.updateViewport()
}

func (m Model) handleEnter() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.textInput.Value())

	if m.modal != nil {
		if m.modal.Kind != types.InteractionAsk || input == "" {
			return m, nil
		}
		m.textInput.SetValue("")
		return m, m.answerModal(types.Answer{Text: input})
	}

	if input == "" {
		return m, nil
	}
	m.textInput.SetValue("")

	if strings.HasPrefix(input, "/") {
		return m.handleCommand(input)
	}

	if m.busy[m.active] {
		m.appendLine(m.active, chatLine{role: "system", content: "a turn is already running; press esc to abort it"})
		m.updateViewport()
		return m, nil
	}

	m.appendLine(m.active, chatLine{role: "user", content: input})
	m.busy[m.active] = true
	m.streamBuf[m.active] = &strings.Builder{}
	m.updateViewport()

	return m, m.runTurn(m.active, input)
}

// handleCommand processes slash commands.
func (m Model) handleCommand(input string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(input)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "/quit", "/exit":
		m.quitting = true
		return m, tea.Quit

	case "/help":
		m.appendLine(m.active, chatLine{role: "system", content: `Commands:
  /new <id>      create a session and switch to it
  /switch <id>   switch the displayed session
  /sessions      list sessions
  /compact       summarize older messages in this session
  /abort         abort the running turn in this session
  /clear         clear this session's transcript display
  /quit          exit`})

	case "/new", "/switch":
		if len(args) != 1 {
			m.appendLine(m.active, chatLine{role: "system", content: "usage: " + cmd + " <session-id>"})
			break
		}
		id := args[0]
		m.openSession(id)
		m.active = id
		m.updateViewport()
		return m, m.displaySession(id)

	case "/sessions":
		var b strings.Builder
		b.WriteString("Sessions:")
		for _, id := range m.mux.SessionIDs() {
			marker := "  "
			if id == m.active {
				marker = "* "
			}
			state := m.mux.Session(id).State()
			fmt.Fprintf(&b, "\n  %s%s [%s]", marker, id, state)
		}
		m.appendLine(m.active, chatLine{role: "system", content: b.String()})

	case "/compact":
		if m.busy[m.active] {
			m.appendLine(m.active, chatLine{role: "system", content: "cannot compact while a turn is running"})
			break
		}
		m.busy[m.active] = true
		m.updateViewport()
		return m, m.runCompact(m.active)

	case "/abort":
		m.updateViewport()
		return m, m.abortSession(m.active)

	case "/clear":
		m.lines[m.active] = nil

	default:
		m.appendLine(m.active, chatLine{role: "system", content: "unknown command " + cmd})
	}

	m.updateViewport()
	return m, nil
}

// abortSession and displaySession run their engine calls off the event loop.
// Both can fire sink callbacks (modal dismiss, buffered-event replay), and
// those must never execute while Update holds the loop.
func (m Model) abortSession(sessionID string) tea.Cmd {
	return func() tea.Msg {
		m.mux.AbortSession(sessionID)
		return nil
	}
}

func (m Model) displaySession(sessionID string) tea.Cmd {
	return func() tea.Msg {
		m.mux.Display(sessionID)
		return nil
	}
}

func (m Model) runTurn(sessionID, text string) tea.Cmd {
	return func() tea.Msg {
		result, err := m.mux.RunTurn(context.Background(), sessionID, text)
		return turnDoneMsg{sessionID: sessionID, result: result, err: err}
	}
}

func (m Model) runCompact(sessionID string) tea.Cmd {
	return func() tea.Msg {
		err := m.mux.Compact(context.Background(), sessionID)
		return compactDoneMsg{sessionID: sessionID, err: err}
	}
}

func (m Model) answerModal(answer types.Answer) tea.Cmd {
	modal := m.modal
	return func() tea.Msg {
		if err := m.mux.RespondToInteraction(modal.SessionID, modal.RequestID, answer); err != nil {
			m.logger.Warn("interaction answer rejected", zap.Error(err))
		}
		return nil
	}
}

// persist saves the session transcript, keeping side-channel data from a
// previous save intact.
func (m Model) persist(sessionID string, hist []types.Message) tea.Cmd {
	if m.store == nil {
		return nil
	}
	st := m.store
	return func() tea.Msg {
		rec := store.Record{ID: sessionID}
		if existing, err := st.Load(sessionID); err == nil {
			rec = existing
		}
		rec.Messages = hist
		if err := st.Save(rec); err != nil {
			m.logger.Warn("session save failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil
	}
}

// handleEvent folds one engine event into the active transcript.
func (m *Model) handleEvent(ev types.Event) {
	id := ev.SessionID

	switch ev.Kind {
	case types.EventAssistantDelta:
		buf := m.streamBuf[id]
		if buf == nil {
			buf = &strings.Builder{}
			m.streamBuf[id] = buf
		}
		buf.WriteString(ev.Text)

	case types.EventToolCallStarted:
		m.appendLine(id, chatLine{role: "tool", tool: &toolExecution{name: ev.ToolName}})

	case types.EventToolCallFinished:
		lines := m.lines[id]
		for i := len(lines) - 1; i >= 0; i-- {
			t := lines[i].tool
			if t != nil && t.name == ev.ToolName && !t.done {
				t.done = true
				t.output = ev.Text
				t.errText = ev.Err
				break
			}
		}

	case types.EventTodoUpdated:
		m.appendLine(id, chatLine{role: "system", content: ev.Text})
	}
}

func (m *Model) appendLine(sessionID string, line chatLine) {
	m.lines[sessionID] = append(m.lines[sessionID], line)
}

func (m Model) anyBusy() bool {
	for _, b := range m.busy {
		if b {
			return true
		}
	}
	return false
}

func (m Model) headerHeight() int {
	banner := m.styles.BannerTitle.Render(Banner())
	return lipgloss.Height(banner) + 2 // banner + tab bar + separator
}

func (m Model) footerHeight() int {
	// blank line + input line + usage bar + help bar
	return 4
}

// updateViewport rebuilds the viewport content and scrolls to the bottom.
func (m *Model) updateViewport() {
	var b strings.Builder

	for _, line := range m.lines[m.active] {
		b.WriteString(m.renderLine(line))
		b.WriteString("\n")
	}

	if buf := m.streamBuf[m.active]; buf != nil && buf.Len() > 0 {
		b.WriteString(m.styles.AssistantMessage.Render("Assistant: " + buf.String()))
		b.WriteString("\n")
	}

	if m.busy[m.active] {
		b.WriteString(fmt.Sprintf("%s %s\n", m.spinner.View(), m.styles.StatusText.Render("working...")))
	}

	if m.modal != nil {
		b.WriteString(m.renderModal())
		b.WriteString("\n")
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

// View renders the UI.
func (m Model) View() string {
	if m.quitting {
		return m.styles.SystemMessage.Render("Goodbye!\n")
	}
	if !m.ready {
		return "Initializing..."
	}

	var b strings.Builder

	b.WriteString(m.styles.BannerTitle.Render(Banner()))
	b.WriteString("\n")
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	b.WriteString(m.styles.Prompt.Render("> "))
	b.WriteString(m.textInput.View())
	b.WriteString("\n")
	b.WriteString(m.renderUsageBar())
	b.WriteString("\n")
	b.WriteString(m.renderHelpBar())

	return m.styles.App.Render(b.String())
}

func (m Model) renderTabs() string {
	var tabs []string
	for _, id := range m.mux.SessionIDs() {
		label := id
		if m.busy[id] {
			label += " *"
		}
		if id == m.active {
			tabs = append(tabs, m.styles.ActiveTab.Render("["+label+"]"))
		} else {
			tabs = append(tabs, m.styles.SessionTab.Render(label))
		}
	}
	return strings.Join(tabs, " ")
}

func (m Model) renderLine(line chatLine) string {
	switch line.role {
	case "user":
		return m.styles.UserMessage.Render("You: " + line.content)
	case "assistant":
		return m.styles.AssistantMessage.Render("Assistant: " + line.content)
	case "system":
		return m.styles.SystemMessage.Render(line.content)
	case "tool":
		if line.tool != nil {
			return m.renderTool(line.tool)
		}
	}
	return ""
}

func (m Model) renderTool(t *toolExecution) string {
	var b strings.Builder
	b.WriteString(m.styles.ToolName.Render("Tool: " + t.name))
	b.WriteString("\n")

	switch {
	case !t.done:
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.styles.StatusText.Render("running..."))
	case t.errText != "":
		b.WriteString(m.styles.ToolError.Render("  Failed: " + t.errText))
	default:
		b.WriteString(m.styles.ToolSuccess.Render("  Done"))
		if t.output != "" {
			output := t.output
			if len(output) > 300 {
				output = output[:300] + "..."
			}
			for _, line := range strings.Split(output, "\n") {
				if line != "" {
					b.WriteString("\n")
					b.WriteString(m.styles.ToolOutput.Render("  | " + line))
				}
			}
		}
	}
	return m.styles.ToolBox.Render(b.String())
}

func (m Model) renderModal() string {
	var b strings.Builder

	switch m.modal.Kind {
	case types.InteractionApproval:
		b.WriteString(m.styles.ModalTitle.Render("Approval required"))
		b.WriteString("\n")
		if m.modal.SessionID != m.active {
			b.WriteString(m.styles.ModalPrompt.Render("session: " + m.modal.SessionID))
			b.WriteString("\n")
		}
		if tc := m.modal.ToolCall; tc != nil {
			b.WriteString(m.styles.ModalPrompt.Render(fmt.Sprintf("run %s %s", tc.Name, tc.ArgumentsJSON)))
			b.WriteString("\n")
		}
		b.WriteString(m.styles.StatusText.Render("press y to approve, n to deny"))

	case types.InteractionAsk:
		b.WriteString(m.styles.ModalTitle.Render("Question"))
		b.WriteString("\n")
		if m.modal.SessionID != m.active {
			b.WriteString(m.styles.ModalPrompt.Render("session: " + m.modal.SessionID))
			b.WriteString("\n")
		}
		b.WriteString(m.styles.ModalPrompt.Render(m.modal.Prompt))
		b.WriteString("\n")
		b.WriteString(m.styles.StatusText.Render("type your answer and press enter"))
	}

	return m.styles.ModalBox.Render(b.String())
}

func (m Model) renderUsageBar() string {
	u, ok := m.usage[m.active]
	if !ok || u.MaxTokens == 0 {
		return m.styles.StatusText.Render("context: n/a")
	}
	text := fmt.Sprintf("context: %d/%d tokens (%.1f%%)", u.TotalTokens, u.MaxTokens, u.UsagePercent)
	if u.UsagePercent >= 80 {
		return m.styles.UsageWarn.Render(text)
	}
	return m.styles.UsageOK.Render(text)
}

func (m Model) renderHelpBar() string {
	help := []string{
		m.styles.HelpKey.Render("enter") + m.styles.HelpValue.Render(" send"),
		m.styles.HelpKey.Render("esc") + m.styles.HelpValue.Render(" abort/quit"),
		m.styles.HelpKey.Render("/help") + m.styles.HelpValue.Render(" commands"),
	}
	return m.styles.HelpBar.Render(strings.Join(help, "  |  "))
}
