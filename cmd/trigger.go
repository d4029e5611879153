package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/orchestrate"
	"github.com/courtdata/pipeline-cli/internal/runner"
)

var (
	triggerPhase    string
	triggerDate     string
	triggerTo       string
	triggerBackfill bool
	triggerCascade  bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a phase for a date (or date range)",
	Long:  "Starts one phase invocation per date. With --cascade, completion events feed the dispatcher so downstream phases run in the same process; otherwise they only update orchestration state.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		from, err := model.ParseDate(triggerDate)
		if err != nil {
			return err
		}
		to := from
		if triggerTo != "" {
			if to, err = model.ParseDate(triggerTo); err != nil {
				return err
			}
		}
		if to.Before(from) {
			return eris.New("trigger: --to is before --date")
		}

		// Cascaded start commands queue here; the loop below drains it
		// so a deep pipeline never recurses.
		var queue []model.PhaseStartCommand

		var env *pipelineEnv
		emit := func(ctx context.Context, ev model.PhaseCompletionEvent) error {
			dispatcher := orchestrate.NewDispatcher(env.store, env.registry,
				func(_ context.Context, next model.PhaseStartCommand) error {
					if triggerCascade {
						queue = append(queue, next)
					} else {
						zap.L().Info("downstream ready, not cascading",
							zap.String("phase", string(next.PhaseID)),
							zap.String("date", next.TargetDate.String()))
					}
					return nil
				})
			_, err := dispatcher.HandleCompletion(ctx, ev)
			return err
		}

		env, err = initEnv(ctx, emit)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.openStore(ctx); err != nil {
			return err
		}

		var summaries []*runner.Summary
		failed := false
		for date := from; !to.Before(date); date = date.AddDays(1) {
			queue = append(queue[:0], model.PhaseStartCommand{
				PhaseID:      model.PhaseID(triggerPhase),
				TargetDate:   date,
				BackfillMode: triggerBackfill,
			})
			for len(queue) > 0 {
				next := queue[0]
				queue = queue[1:]

				summary, err := env.runner.Run(ctx, next)
				if summary != nil {
					summaries = append(summaries, summary)
				}
				if err != nil {
					failed = true
					zap.L().Error("phase invocation failed",
						zap.String("phase", string(next.PhaseID)),
						zap.String("date", next.TargetDate.String()),
						zap.Error(err))
					break
				}
			}
		}

		env.notifier.Flush(ctx)
		if err := printJSON(summaries); err != nil {
			return err
		}
		if failed {
			return eris.New("trigger: one or more phase invocations failed")
		}
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerPhase, "phase", "", "phase to run (required)")
	triggerCmd.Flags().StringVar(&triggerDate, "date", "", "target game date YYYY-MM-DD (required)")
	triggerCmd.Flags().StringVar(&triggerTo, "to", "", "end of date range (inclusive)")
	triggerCmd.Flags().BoolVar(&triggerBackfill, "backfill", false, "proceed despite missing critical dependencies, tagging output degraded")
	triggerCmd.Flags().BoolVar(&triggerCascade, "cascade", false, "run triggered downstream phases in-process")
	_ = triggerCmd.MarkFlagRequired("phase")
	_ = triggerCmd.MarkFlagRequired("date")
	rootCmd.AddCommand(triggerCmd)
}
