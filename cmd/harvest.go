package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

const closeTimeout = 15 * time.Second

type harvestOptions struct {
	input    string
	output   string
	textDir  string
	workers  int
	deadline time.Duration
	noRender bool
}

// newHarvestCmd creates the 'harvest' subcommand, which processes one target
// table end to end.
func newHarvestCmd(root *rootOptions) *cobra.Command {
	opts := &harvestOptions{}
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Fetch every target in the input table and write the dataset",
		Long: `Reads the target table, fetches and extracts each row concurrently and
writes one output row per input row, in input order. Failed rows are kept
with Accessible=false and an "Error: ..." content cell.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd, root, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.input, "input", "i", "", "input table (overrides input.path)")
	flags.StringVarP(&opts.output, "output", "o", "", "output dataset (overrides output.path)")
	flags.StringVar(&opts.textDir, "text-dir", "", "also write one text file per row into this directory")
	flags.IntVarP(&opts.workers, "workers", "w", 0, "concurrent targets (overrides run.workers)")
	flags.DurationVar(&opts.deadline, "deadline", 0, "stop starting new work after this long (overrides run.deadline)")
	flags.BoolVar(&opts.noRender, "no-render", false, "disable the headless browser")
	return cmd
}

func (o *harvestOptions) overrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("input") {
		out["input.path"] = o.input
	}
	if flags.Changed("output") {
		out["output.path"] = o.output
	}
	if flags.Changed("text-dir") {
		out["output.text_dir"] = o.textDir
	}
	if flags.Changed("workers") {
		out["run.workers"] = o.workers
	}
	if flags.Changed("deadline") {
		out["run.deadline"] = o.deadline
	}
	if o.noRender {
		out["render.enabled"] = false
	}
	return out
}

func runHarvest(cmd *cobra.Command, root *rootOptions, opts *harvestOptions) error {
	cfg, logger, err := root.loadConfig(opts.overrides(cmd))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if cfg.Input.Path == "" {
		return errors.New("no input table: set --input or input.path")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	harvester, err := newHarvester(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := harvester.Close(closeCtx); cerr != nil {
			logger.Warn("Failed to close services", zap.Error(cerr))
		}
	}()

	runCtx := ctx
	if cfg.Run.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Run.Deadline)
		defer cancel()
	}

	// The ops server outlives the run deadline so the final status stays
	// readable until the dataset is published.
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g, gctx := errgroup.WithContext(serverCtx)
	if srv := harvester.Server(); srv != nil {
		srv.SetReady(true)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Server.Addr)
		})
	}

	var summary pipeline.RunSummary
	g.Go(func() error {
		defer stopServer()
		s, err := harvester.Harvest(runCtx)
		summary = s
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("harvest: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d/%d accessible, dataset at %s\n",
		summary.RunID, summary.Accessible, summary.Total, summary.DatasetURI)
	return nil
}
