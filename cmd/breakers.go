package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	breakersWindow time.Duration
	breakersJSON   bool
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Show recent circuit-breaker suppressions",
	Long:  "Aggregates circuit-breaker suppression records from the failure sink for the trailing window, per (processor, entity).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		since := time.Now().UTC().Add(-breakersWindow)
		activity, err := env.wh.RecentBreakerActivity(ctx, since)
		if err != nil {
			return err
		}

		if breakersJSON {
			return printJSON(activity)
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Processor", "Entity", "Suppressions", "Last Seen"})
		for _, a := range activity {
			tw.AppendRow(table.Row{a.Processor, a.EntityID, a.Count, a.LastSeen.Format(time.RFC3339)})
		}
		tw.Render()
		return nil
	},
}

func init() {
	breakersCmd.Flags().DurationVar(&breakersWindow, "window", 24*time.Hour, "trailing window to report")
	breakersCmd.Flags().BoolVar(&breakersJSON, "json", false, "emit JSON instead of a table")
	rootCmd.AddCommand(breakersCmd)
}
