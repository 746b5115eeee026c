package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyUser string
	historyDays int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show archived tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyDays < 1 || historyDays > 365 {
			return fmt.Errorf("--days must be between 1 and 365")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		user := historyUser
		if user == "" {
			user = cfg.Workflow.UserID
		}
		history, err := store.GetHistory(context.Background(), user, historyDays)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(history) == 0 {
			fmt.Fprintf(out, "No archived tasks for %s in the last %d days.\n", user, historyDays)
			return nil
		}
		fmt.Fprintln(out, sectionHeader(fmt.Sprintf("History for %s, last %d days", user, historyDays)))
		for _, h := range history {
			fmt.Fprintf(out, "  %s  %s  %-9s  %s\n",
				h.ArchivedAt.Local().Format(time.DateOnly), h.RunID, colorStatus(string(h.Status)), truncate(h.Description, 70))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historyUser, "user", "u", "", "User id (default workflow.user_id)")
	historyCmd.Flags().IntVar(&historyDays, "days", 7, "Days of history to show")
}
