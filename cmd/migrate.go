package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtdata/pipeline-cli/internal/model"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update warehouse and state store schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, func(context.Context, model.PhaseCompletionEvent) error { return nil })
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.wh.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("warehouse schema up to date")

		// Opening the state store runs its migration.
		if err := env.openStore(ctx); err != nil {
			return err
		}
		zap.L().Info("state store schema up to date",
			zap.String("driver", cfg.State.Driver))

		fmt.Println("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
