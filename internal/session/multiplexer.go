package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stratos/relay/internal/contexttrack"
	"github.com/stratos/relay/internal/llm"
	"github.com/stratos/relay/internal/tools"
	"github.com/stratos/relay/internal/types"
)

// EventSink is the host-side receiver for everything the engine emits. The
// host renders; the engine never touches a window.
type EventSink interface {
	// Event delivers tool/todo/delta events. Events for sessions other than
	// the displayed one are buffered and replayed on switch, so Event only
	// ever fires for the displayed session.
	Event(ev types.Event)
	// InteractionRequested reports the interaction now occupying the single
	// modal surface; nil means the surface went empty.
	InteractionRequested(in *types.Interaction)
	UsageUpdated(sessionID string, usage types.ContextUsage)
	AutoCompactSuggested(sessionID string)
}

// Config configures a Multiplexer.
type Config struct {
	Client         llm.Config // template; each session gets its own client
	ContextWindow  int
	CompactPercent float64 // auto-compact threshold, (0,100]; 0 means default
	CompactRetain  int     // recent messages kept verbatim on compaction
	Registry       *tools.Registry
	Sink           EventSink
	Logger         *zap.Logger
}

// Multiplexer owns N concurrently running agent sessions. It serializes all
// mutations of the modal queue and the per-session event caches; session turn
// loops run on their callers' goroutines.
type Multiplexer struct {
	cfg      Config
	queue    *InteractionQueue
	registry *tools.Registry
	sink     EventSink
	logger   *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	buffers   map[string][]types.Event
	displayed string
}

// NewMultiplexer creates a multiplexer. The sink must be non-nil.
func NewMultiplexer(cfg Config) *Multiplexer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = tools.NewRegistry()
	}

	m := &Multiplexer{
		cfg:      cfg,
		registry: cfg.Registry,
		sink:     cfg.Sink,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		buffers:  make(map[string][]types.Event),
	}
	m.queue = NewInteractionQueue(m.sink.InteractionRequested, cfg.Logger)
	return m
}

// Session returns the session with the given id, creating it on first use.
func (m *Multiplexer) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked(id)
}

func (m *Multiplexer) sessionLocked(id string) *Session {
	if s, ok := m.sessions[id]; ok {
		return s
	}

	clientCfg := m.cfg.Client
	clientCfg.Logger = m.logger.With(zap.String("session_id", id))

	tracker := contexttrack.NewTracker(m.cfg.ContextWindow)
	if m.cfg.CompactPercent > 0 {
		if err := tracker.SetThreshold(m.cfg.CompactPercent); err != nil {
			m.logger.Warn("invalid compact threshold, using default", zap.Error(err))
		}
	}

	s := &Session{
		id:       id,
		client:   llm.NewClient(clientCfg),
		tracker:  tracker,
		registry: m.registry,
		queue:    m.queue,
		logger:   m.logger.With(zap.String("session_id", id)),
		state:    types.SessionCreated,
	}
	s.emit = func(ev types.Event) { m.dispatchEvent(ev) }
	s.usageUpdated = func(u types.ContextUsage) { m.sink.UsageUpdated(id, u) }
	s.compactSuggest = func() { m.sink.AutoCompactSuggested(id) }

	m.sessions[id] = s
	if m.displayed == "" {
		m.displayed = id
	}

	m.logger.Info("session created", zap.String("session_id", id))
	return s
}

// RunTurn executes one user turn on the named session. A panic in the turn
// loop marks the session crashed and purges its pending interactions instead
// of leaving a dangling modal.
func (m *Multiplexer) RunTurn(ctx context.Context, sessionID, userMessage string) (result types.TurnResult, err error) {
	s := m.Session(sessionID)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session turn panicked",
				zap.String("session_id", sessionID),
				zap.Any("panic", r))
			s.mu.Lock()
			s.state = types.SessionCrashed
			s.executing = false
			s.mu.Unlock()
			m.queue.PurgeSession(sessionID)
			err = fmt.Errorf("session %s crashed: %v", sessionID, r)
		}
	}()

	result, err = s.RunTurn(ctx, userMessage)
	if err != nil && !errors.Is(err, ErrTurnInProgress) {
		// Failed turns must not leave queue entries behind. A rejected second
		// turn is not a failure of the running one, so it purges nothing.
		m.queue.PurgeSession(sessionID)
	}
	return result, err
}

// AbortSession cancels the session's in-flight work and purges its pending
// interactions; the next queued interaction, if any, becomes visible.
func (m *Multiplexer) AbortSession(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.Abort()
}

// Compact runs history compaction on the named session.
func (m *Multiplexer) Compact(ctx context.Context, sessionID string) error {
	return m.Session(sessionID).Compact(ctx, m.cfg.CompactRetain)
}

// RespondToInteraction routes the human answer to the session that raised
// (sessionID, requestID), regardless of which session is displayed.
func (m *Multiplexer) RespondToInteraction(sessionID, requestID string, answer types.Answer) error {
	return m.queue.Respond(sessionID, requestID, answer)
}

// Display switches the displayed session and replays the events buffered for
// it while it ran in the background.
func (m *Multiplexer) Display(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.displayLocked(sessionID)
}

// displayLocked replays under m.mu so a freshly emitted event cannot reach
// the sink ahead of older buffered ones (dispatchEvent takes the same lock).
// The sink must not call back into the multiplexer.
func (m *Multiplexer) displayLocked(sessionID string) {
	m.displayed = sessionID
	replay := m.buffers[sessionID]
	delete(m.buffers, sessionID)

	for _, ev := range replay {
		m.sink.Event(ev)
	}
}

// Displayed returns the id of the currently displayed session.
func (m *Multiplexer) Displayed() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displayed
}

// SessionIDs returns the ids of all known sessions, sorted.
func (m *Multiplexer) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove drops a session after aborting it and discards its event buffer. If
// the removed session was displayed, the first remaining session (by id)
// becomes displayed so live events keep flowing instead of buffering.
func (m *Multiplexer) Remove(sessionID string) {
	m.AbortSession(sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	delete(m.buffers, sessionID)
	if m.displayed != sessionID {
		return
	}

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		m.displayed = ""
		return
	}
	sort.Strings(ids)
	m.displayLocked(ids[0])
}

// PendingInteraction exposes the currently visible interaction (for hosts
// that poll instead of consuming the callback).
func (m *Multiplexer) PendingInteraction() *types.Interaction {
	return m.queue.Visible()
}

// dispatchEvent forwards events for the displayed session and caches events
// for background sessions until the host switches to them.
func (m *Multiplexer) dispatchEvent(ev types.Event) {
	m.mu.Lock()
	if ev.SessionID != m.displayed {
		m.buffers[ev.SessionID] = append(m.buffers[ev.SessionID], ev)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.sink.Event(ev)
}
