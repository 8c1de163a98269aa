package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/stratos/relay/internal/llm"
	"github.com/stratos/relay/internal/session"
	"github.com/stratos/relay/internal/store"
	"github.com/stratos/relay/internal/tools"
	"github.com/stratos/relay/internal/ui"
)

// runChat wires the engine together and hands it to the TUI.
func runChat() error {
	defer func() { _ = logger.Sync() }()

	notesDir, err := cfg.NotesDir()
	if err != nil {
		return err
	}
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, notesDir); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	sessionsDir, err := cfg.SessionsDir()
	if err != nil {
		return err
	}
	st, err := store.New(sessionsDir, logger)
	if err != nil {
		return err
	}

	sink := ui.NewProgramSink()
	mux := session.NewMultiplexer(session.Config{
		Client: llm.Config{
			BaseURL:        cfg.Provider.BaseURL,
			APIKey:         cfg.Provider.APIKey,
			Model:          cfg.Provider.Model,
			Temperature:    cfg.Provider.Temperature,
			MaxTokens:      cfg.Provider.MaxTokens,
			RequestTimeout: cfg.Provider.Timeout,
			Retry: llm.RetryPolicy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				Cooldown:    cfg.Retry.Cooldown,
			},
			Logger: logger,
		},
		ContextWindow:  cfg.Context.Window,
		CompactPercent: cfg.Context.CompactPercent,
		CompactRetain:  cfg.Context.CompactRetain,
		Registry:       registry,
		Sink:           sink,
		Logger:         logger,
	})

	model := ui.NewModel(mux, st, logger)
	p := tea.NewProgram(model, tea.WithAltScreen())
	sink.Attach(p)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}
