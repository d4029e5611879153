package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/courtdata/pipeline-cli/internal/classify"
	"github.com/courtdata/pipeline-cli/internal/model"
	"github.com/courtdata/pipeline-cli/internal/phasedef"
)

var (
	reclassifyFrom      string
	reclassifyTo        string
	reclassifyBatchSize int
)

var reclassifyCmd = &cobra.Command{
	Use:   "reclassify",
	Short: "Classify the incomplete-data failure backlog",
	Long:  "Cross-checks unclassified failure records against the game event log and labels each DID_NOT_OCCUR, REAL_GAP, or FALSE_POSITIVE. Safe to re-run; already-classified records are not revisited.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		from, err := model.ParseDate(reclassifyFrom)
		if err != nil {
			return err
		}
		to, err := model.ParseDate(reclassifyTo)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		classifier := classify.New(env.wh, outputTables(env.registry))
		result, err := classifier.RunBacklog(ctx, from, to, reclassifyBatchSize)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// outputTables maps every producer to the table its phase writes.
func outputTables(registry *phasedef.Registry) map[model.ProcessorID]string {
	out := make(map[model.ProcessorID]string)
	for _, phase := range registry.All() {
		for _, proc := range phase.Producers {
			out[proc] = phase.OutputTable
		}
	}
	return out
}

func init() {
	reclassifyCmd.Flags().StringVar(&reclassifyFrom, "from", "", "start of date range YYYY-MM-DD (required)")
	reclassifyCmd.Flags().StringVar(&reclassifyTo, "to", "", "end of date range YYYY-MM-DD (required)")
	reclassifyCmd.Flags().IntVar(&reclassifyBatchSize, "batch-size", 100, "records per classification page")
	_ = reclassifyCmd.MarkFlagRequired("from")
	_ = reclassifyCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(reclassifyCmd)
}
