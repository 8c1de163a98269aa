package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratos/relay/internal/config"
	"github.com/stratos/relay/internal/logging"
)

var (
	cfgFile string
	baseURL string
	model   string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Multi-session LLM chat with tool calling",
	Long: `relay runs concurrent agent sessions against any OpenAI-compatible
endpoint, with streaming output, tool execution with approval gating,
resilient retries, and automatic context compaction.

Usage:
  relay              Start the chat UI
  relay sessions     Manage persisted sessions
  relay config       Show effective configuration
  relay version      Show version info`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		// CLI flags override file and environment.
		if baseURL != "" {
			cfg.Provider.BaseURL = baseURL
		}
		if model != "" {
			cfg.Provider.Model = model
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}

		logger, err = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		return nil
	},

	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Provider API base URL")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model identifier")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}
