package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratos/relay/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage persisted sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		infos, err := st.List()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No persisted sessions.")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%-20s %4d messages  updated %s\n",
				info.ID, info.Messages, info.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a persisted session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		rec, err := st.Load(args[0])
		if err != nil {
			return err
		}
		for _, m := range rec.Messages {
			content := m.Content
			if content == "" && len(m.ToolCalls) > 0 {
				content = fmt.Sprintf("(%d tool calls)", len(m.ToolCalls))
			}
			fmt.Printf("[%s] %s\n", m.Role, content)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a persisted session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		if err := st.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", args[0])
		return nil
	},
}

func openStore() (*store.Store, error) {
	dir, err := cfg.SessionsDir()
	if err != nil {
		return nil, err
	}
	return store.New(dir, logger)
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}
