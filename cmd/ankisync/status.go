package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/prisma-ai/ankisync/internal/anki"
	"github.com/prisma-ai/ankisync/internal/backend"
	"github.com/prisma-ai/ankisync/internal/state"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend, AnkiConnect and journal state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "ankisync status")
			fmt.Fprintln(out, "───────────────")

			cfg, err := a.loadConfig()
			if err != nil {
				fmt.Fprintf(out, "  Config:      %s (%v)\n", a.cfgPath, err)
				return nil
			}
			fmt.Fprintf(out, "  Config:      %s ✓\n", a.cfgPath)
			fmt.Fprintf(out, "  Renderer:    %s (chunk %d)\n", cfg.Anki.Renderer, cfg.Anki.ChunkSize)

			ctx, stop := signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			// AnkiConnect.
			if v, err := anki.NewClient(cfg.Anki.URL, nil, a.logger).Version(ctx); err != nil {
				fmt.Fprintf(out, "  AnkiConnect: %s unreachable (%v)\n", cfg.Anki.URL, err)
			} else {
				fmt.Fprintf(out, "  AnkiConnect: %s ✓ (version %d)\n", cfg.Anki.URL, v)
			}

			// Backend.
			bc := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, nil, cfg.Backend.MaxAttempts, a.logger)
			if pc, err := bc.PendingCount(ctx); err != nil {
				fmt.Fprintf(out, "  Backend:     %s unreachable (%v)\n", cfg.Backend.URL, err)
			} else {
				fmt.Fprintf(out, "  Backend:     %s ✓\n", cfg.Backend.URL)
				fmt.Fprintf(out, "  Pending:     %d (%d unmastered, %d favourite)\n", pc.Total, pc.Unmaster, pc.Favorite)
			}

			// Journal.
			dbPath, err := cfg.StatePath()
			if err != nil {
				return fmt.Errorf("resolving state DB path: %w", err)
			}
			info, statErr := os.Stat(dbPath)
			if statErr != nil {
				fmt.Fprintf(out, "  State DB:    not found (%s)\n", dbPath)
				return nil
			}
			fmt.Fprintf(out, "  State DB:    %s (%s)\n", dbPath, humanSize(info.Size()))

			store, err := state.Open(dbPath)
			if err != nil {
				return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
			}
			defer store.Close()

			totals, err := store.Totals(ctx)
			if err != nil {
				return fmt.Errorf("reading journal totals: %w", err)
			}
			fmt.Fprintf(out, "  Runs:        %d\n", totals.Runs)
			fmt.Fprintf(out, "  Outcomes:    %d (%d skipped, %d unreconciled)\n",
				totals.Outcomes, totals.Skipped, totals.Unreconciled)

			last, err := store.LatestRun(ctx)
			if err != nil {
				return fmt.Errorf("reading latest run: %w", err)
			}
			if last != nil {
				fmt.Fprintf(out, "  Last run:    %s %s at %s\n",
					last.ID, last.Status, last.StartedAt.Local().Format(time.DateTime))
				if last.Error != "" {
					fmt.Fprintf(out, "               %s\n", last.Error)
				}
			}
			if totals.Unreconciled > 0 {
				fmt.Fprintln(out, "\n  Run 'ankisync reconcile' to resend unreconciled outcomes.")
			}
			return nil
		},
	}
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
