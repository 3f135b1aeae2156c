package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/prisma-ai/ankisync/internal/backend"
	"github.com/prisma-ai/ankisync/internal/debounce"
)

func newImportCmd(a *app) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "import [ID...]",
		Short: "Import interview summaries into the question backend",
		Long: `Import interview summaries by id. Ids come from the arguments or, when
none are given, from stdin (whitespace or newline separated). Ids arriving
within the debounce window are sent as one request.

Examples:
  ankisync import 101 102 103
  cat ids.txt | ankisync import`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			bc := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, nil, cfg.Backend.MaxAttempts, a.logger)

			var sent atomic.Int64
			q := debounce.New(window, func(ctx context.Context, ids []int64) error {
				if err := bc.ImportSummaries(ctx, ids); err != nil {
					return err
				}
				sent.Add(int64(len(ids)))
				return nil
			}, a.logger)

			var src io.Reader = cmd.InOrStdin()
			if len(args) > 0 {
				src = strings.NewReader(strings.Join(args, "\n"))
			}
			if err := feedIDs(src, q); err != nil {
				_ = q.Close(ctx)
				return err
			}
			if err := q.Close(ctx); err != nil {
				return fmt.Errorf("importing summaries: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d summary id(s).\n", sent.Load())
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", debounce.DefaultWindow, "debounce window for coalescing ids")
	return cmd
}

// feedIDs enqueues every whitespace separated id read from r.
func feedIDs(r io.Reader, q *debounce.Queue) error {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		id, err := strconv.ParseInt(sc.Text(), 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid summary id %q", sc.Text())
		}
		q.Enqueue(id)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading ids: %w", err)
	}
	return nil
}
