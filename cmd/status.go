package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medallion/medallion/internal/lock"
	"github.com/medallion/medallion/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stage state, the last run and any lock holder",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := state.Load(cfg.StatePath())
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}

		if st.RunID == "" {
			fmt.Println("No run recorded yet.")
		} else {
			fmt.Printf("Run:     %s (attempt %s)\n", st.RunID, st.AttemptID)
			fmt.Printf("Date:    %s\n", st.RunDate)
			fmt.Printf("Updated: %s\n\n", st.LastUpdated.Format("2006-01-02 15:04:05"))
			for _, stage := range state.Stages {
				ss, ok := st.Stages[stage]
				status := state.StatusPending
				if ok {
					status = ss.Status
				}
				line := fmt.Sprintf("  %s %s", labelStyle.Render(string(stage)), statusStyle(status).Render(status))
				if len(ss.Tables) > 0 {
					line += dimStyle.Render(fmt.Sprintf("  %d table(s)", len(ss.Tables)))
				}
				fmt.Println(line)
				if ss.Error != "" {
					fmt.Printf("    %s\n", errStyle.Render(ss.Error))
				}
			}
		}

		if last, ok := st.LastRun(); ok {
			fmt.Printf("\nLast run: %s %s at %s\n", last.RunID, statusStyle(last.Status).Render(last.Status), last.FinishedAt.Format("2006-01-02 15:04:05"))
			if last.ReportPath != "" {
				fmt.Printf("Report:   %s\n", last.ReportPath)
			}
		}

		held, pid, err := lock.IsHeld(cfg.LockPath())
		if err != nil {
			return fmt.Errorf("checking lock: %w", err)
		}
		if held {
			fmt.Printf("\nA run is in progress (pid %d).\n", pid)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
