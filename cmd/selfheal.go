package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/orchestrate"
)

var selfhealDate string

var selfhealCmd = &cobra.Command{
	Use:   "selfheal",
	Short: "Re-trigger phases that silently failed to produce output",
	Long:  "Checks every phase's output table for the target date and re-runs phases with nothing to show. Phases past their retry budget are escalated to the operator webhook instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		date, err := model.ParseDate(selfhealDate)
		if err != nil {
			return err
		}

		var env *pipelineEnv
		emit := func(ctx context.Context, ev model.PhaseCompletionEvent) error {
			_, err := env.dispatcher().HandleCompletion(ctx, ev)
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

		// Re-triggered phases run synchronously so the sweep's retry
		// budget reflects the re-run before the command exits.
		trigger := func(ctx context.Context, next model.PhaseStartCommand) error {
			summary, err := env.runner.Run(ctx, next)
			if err != nil {
				zap.L().Error("healed phase failed again",
					zap.String("phase", string(next.PhaseID)),
					zap.String("date", next.TargetDate.String()),
					zap.Error(err))
				return nil
			}
			zap.L().Info("healed phase completed",
				zap.String("phase", string(next.PhaseID)),
				zap.String("status", string(summary.Status)))
			return nil
		}

		healer := orchestrate.NewSelfHealer(env.wh, env.registry, trigger, env.notifier.PhaseEscalation, cfg.SelfHeal)
		report, err := healer.Sweep(ctx, date)
		env.notifier.Flush(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

func init() {
	selfhealCmd.Flags().StringVar(&selfhealDate, "date", "", "target date YYYY-MM-DD (required)")
	_ = selfhealCmd.MarkFlagRequired("date")
	rootCmd.AddCommand(selfhealCmd)
}
