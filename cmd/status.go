package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/warehouse"
)

var (
	statusDate string
	statusJSON bool
)

type dateStatus struct {
	Orchestration []*model.PhaseCompletionState `json:"orchestration"`
	Runs          []warehouse.RunEntry          `json:"runs"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestration state and run history for a date",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		date, err := model.ParseDate(statusDate)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, func(context.Context, model.PhaseCompletionEvent) error { return nil })
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.openStore(ctx); err != nil {
			return err
		}

		out := dateStatus{}
		for _, phase := range env.registry.All() {
			state, err := env.store.Get(ctx, date, phase.ID)
			if err != nil {
				return err
			}
			out.Orchestration = append(out.Orchestration, state)
		}

		runs, err := env.wh.RecentRuns(ctx, date, 50)
		if err != nil {
			return err
		}
		out.Runs = runs

		if statusJSON {
			return printJSON(out)
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Phase completion for %s", date.String())
		tw.AppendHeader(table.Row{"Phase", "Producers Done", "Triggered"})
		for _, state := range out.Orchestration {
			tw.AppendRow(table.Row{
				string(state.PhaseID),
				strings.Join(state.CompletedProducers, ", "),
				state.Triggered,
			})
		}
		tw.Render()

		rw := table.NewWriter()
		rw.SetOutputMirror(os.Stdout)
		rw.SetTitle("Recent runs")
		rw.AppendHeader(table.Row{"ID", "Phase", "Status", "Succeeded", "Failed", "Skipped", "Started"})
		for _, run := range out.Runs {
			rw.AppendRow(table.Row{
				run.ID,
				string(run.Phase),
				string(run.Status),
				run.Succeeded,
				run.Failed,
				run.Skipped,
				run.StartedAt.Format("15:04:05"),
			})
		}
		rw.Render()
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDate, "date", "", "target date YYYY-MM-DD (required)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit JSON instead of tables")
	_ = statusCmd.MarkFlagRequired("date")
	rootCmd.AddCommand(statusCmd)
}
