package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medallion/medallion/internal/metrics"
	"github.com/medallion/medallion/internal/model"
	"github.com/medallion/medallion/internal/pipeline"
	"github.com/medallion/medallion/internal/state"
)

var (
	runID   string
	runDate string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every stage of the pipeline",
	Long: `Ingest the configured sources into Bronze, build Silver and Gold, train
and score the models, then publish every table. A failed ML stage degrades
the run: analytics tables are still published.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(nil)
	},
}

var stageCmd = &cobra.Command{
	Use:       "stage <bronze|silver|gold|ml|publish>",
	Short:     "Run a single stage against the committed output of the previous one",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"bronze", "silver", "gold", "ml", "publish"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline([]state.Stage{state.Stage(args[0])})
	},
}

func runPipeline(stages []state.Stage) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := pipeline.Options{RunID: runID, Stages: stages}
	if runDate != "" {
		d, err := time.Parse(model.DateLayout, runDate)
		if err != nil {
			return fmt.Errorf("invalid --date %q: expected YYYY-MM-DD", runDate)
		}
		opts.RunDate = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := metrics.New()
	stores, err := pipeline.OpenStores(ctx, cfg, logger, rec)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer stores.Close(context.Background())

	runner := &pipeline.Runner{
		Config:    cfg,
		Objects:   stores.Objects,
		Documents: stores.Documents,
		Metrics:   rec,
		Logger:    logger,
		Progress: func(stage state.Stage, status string) {
			if status == state.StatusRunning {
				fmt.Printf("%s %s\n", dimStyle.Render("→"), stage)
			}
		},
	}

	rep, runErr := runner.Run(ctx, opts)
	if rep != nil {
		fmt.Println()
		fmt.Println(renderSummary(rep))
	}
	return runErr
}

func init() {
	for _, c := range []*cobra.Command{runCmd, stageCmd} {
		c.Flags().StringVar(&runID, "run-id", "", "dataset version (default: the run date)")
		c.Flags().StringVar(&runDate, "date", "", "run date YYYY-MM-DD (default: today, UTC)")
		rootCmd.AddCommand(c)
	}
}
