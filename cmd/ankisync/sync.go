package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/prisma-ai/ankisync/internal/anki"
	"github.com/prisma-ai/ankisync/internal/backend"
	"github.com/prisma-ai/ankisync/internal/config"
	"github.com/prisma-ai/ankisync/internal/model"
	"github.com/prisma-ai/ankisync/internal/render"
	"github.com/prisma-ai/ankisync/internal/state"
	syncp "github.com/prisma-ai/ankisync/internal/sync"
	"github.com/prisma-ai/ankisync/internal/telemetry"
)

func newSyncCmd(a *app) *cobra.Command {
	var filter backend.Filter

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload pending questions to Anki and report note ids back",
		Long: `Fetch the list of questions not yet uploaded, create the Anki decks they
need, skip questions already in Anki or repeated in the list, add the rest in
chunks and report every outcome to the backend.

A run that fails part way keeps the outcomes of finished chunks in the local
journal. Rerunning is safe: the journaled outcomes are sent to the backend
before the next fetch, and notes already in Anki are detected and skipped.

Examples:
  ankisync sync                      # everything pending
  ankisync sync --only-unmastered    # skip mastered questions
  ankisync sync --only-favorite      # favourites only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			shutdown := startTelemetry(cfg, a.logger)
			defer shutdown()

			p, err := newPipeline(cfg, a.logger, func(pr model.Progress) {
				fmt.Fprintf(cmd.OutOrStdout(), "\r  uploaded %d/%d", pr.Completed, pr.Total)
				if pr.Done() {
					fmt.Fprintln(cmd.OutOrStdout())
				}
			})
			if err != nil {
				return err
			}
			defer p.close()

			rep, err := p.engine.Run(ctx, filter)
			if err == nil || rep.RunID != "" {
				printReport(cmd, rep)
			}
			if err != nil {
				var rerr *syncp.ReconciliationError
				if errors.As(err, &rerr) {
					return fmt.Errorf("%w\n\nRun 'ankisync reconcile' to resend the remaining outcomes", err)
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&filter.OnlyUnmastered, "only-unmastered", false, "only questions not yet mastered")
	cmd.Flags().BoolVar(&filter.OnlyFavorite, "only-favorite", false, "only favourite questions")
	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Resend journaled outcomes the backend has not acknowledged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			shutdown := startTelemetry(cfg, a.logger)
			defer shutdown()

			p, err := newPipeline(cfg, a.logger, nil)
			if err != nil {
				return err
			}
			defer p.close()

			n, err := p.engine.ReconcilePending(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d outcome(s).\n", n)
			return err
		},
	}
}

// pipeline holds the components of one sync or reconcile invocation.
type pipeline struct {
	store  *state.Store
	engine *syncp.Engine
	log    *slog.Logger
}

func (p *pipeline) close() {
	if err := p.store.Close(); err != nil {
		p.log.Error("closing state DB", "error", err)
	}
}

// newPipeline wires the journal, both HTTP clients and the sync components
// from cfg. progress may be nil.
func newPipeline(cfg *config.Config, logger *slog.Logger, progress syncp.ProgressFunc) (*pipeline, error) {
	dbPath, err := cfg.StatePath()
	if err != nil {
		return nil, fmt.Errorf("resolving state DB path: %w", err)
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	logger.Debug("state DB opened", "path", dbPath)

	renderer, err := render.New(cfg.Anki.Renderer, cfg.Anki.ModelName, cfg.Anki.LinkBaseURL)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ankiClient := anki.NewClient(cfg.Anki.URL, nil, logger)
	backendClient := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, nil, cfg.Backend.MaxAttempts, logger)

	executor := syncp.NewExecutor(ankiClient, renderer, syncp.ExecutorConfig{
		ChunkSize: cfg.Anki.ChunkSize,
		Policy:    syncp.RejectionPolicy(cfg.Anki.RejectionPolicy),
	}, progress, logger)
	reconciler := syncp.NewReconciler(backendClient, cfg.Backend.ReconcileBatchSize, logger)
	engine := syncp.NewEngine(backendClient, executor, reconciler, store, cfg.Backend.PageSize, logger)

	return &pipeline{store: store, engine: engine, log: logger}, nil
}

// startTelemetry installs the OTel providers when the config has a telemetry
// block. The returned func flushes them and is always safe to call.
func startTelemetry(cfg *config.Config, logger *slog.Logger) func() {
	if cfg.Telemetry == nil {
		return func() {}
	}
	shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		Headers:        cfg.Telemetry.Headers,
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return func() {}
	}
	logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTel(flushCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}
}

func printReport(cmd *cobra.Command, rep syncp.Report) {
	out := cmd.OutOrStdout()
	if rep.Recovered > 0 {
		fmt.Fprintf(out, "Sent %d journaled outcome(s) from earlier runs.\n", rep.Recovered)
	}
	if rep.Fetched == 0 {
		fmt.Fprintln(out, "Nothing to upload.")
		return
	}
	s := rep.Stats
	fmt.Fprintf(out, "Run %s\n", rep.RunID)
	fmt.Fprintf(out, "  fetched:           %d\n", rep.Fetched)
	fmt.Fprintf(out, "  added:             %d\n", s.Added)
	fmt.Fprintf(out, "  already in Anki:   %d\n", s.SkippedStore+s.WriteSkipped)
	fmt.Fprintf(out, "  repeated in list:  %d\n", s.SkippedBatch)
	fmt.Fprintf(out, "  rejected:          %d\n", s.Rejected)
	fmt.Fprintf(out, "  reconciled:        %d/%d\n", rep.Reconciled, len(rep.Outcomes))
}
