package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := cfg.Provider.APIKey
		if key != "" {
			key = "(set)"
		} else {
			key = "(unset)"
		}

		fmt.Println("Provider:")
		fmt.Printf("  base_url:        %s\n", cfg.Provider.BaseURL)
		fmt.Printf("  model:           %s\n", cfg.Provider.Model)
		fmt.Printf("  api_key:         %s\n", key)
		fmt.Printf("  temperature:     %g\n", cfg.Provider.Temperature)
		fmt.Printf("  timeout:         %s\n", cfg.Provider.Timeout)
		fmt.Println("Retry:")
		fmt.Printf("  max_attempts:    %d\n", cfg.Retry.MaxAttempts)
		fmt.Printf("  base_delay:      %s\n", cfg.Retry.BaseDelay)
		fmt.Printf("  cooldown:        %s\n", cfg.Retry.Cooldown)
		fmt.Println("Context:")
		fmt.Printf("  window:          %d\n", cfg.Context.Window)
		fmt.Printf("  compact_percent: %g\n", cfg.Context.CompactPercent)
		fmt.Printf("  compact_retain:  %d\n", cfg.Context.CompactRetain)
		fmt.Println("Logging:")
		fmt.Printf("  level:           %s\n", cfg.Logging.Level)
		fmt.Printf("  format:          %s\n", cfg.Logging.Format)
		return nil
	},
}
