// ankisync uploads pending interview questions from the question backend into
// Anki through AnkiConnect and reports the created note ids back.
//
// Usage:
//
//	ankisync setup                                  # interactive first-run wizard
//	ankisync sync [--only-unmastered] [--only-favorite]
//	ankisync reconcile                              # resend unreconciled outcomes
//	ankisync status                                 # backend, AnkiConnect and journal state
//	ankisync import ID...                           # import interview summaries
//	ankisync version
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prisma-ai/ankisync/internal/config"
	"github.com/prisma-ai/ankisync/internal/setup"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// app carries the state shared by all subcommands.
type app struct {
	cfgPath string
	verbose bool

	logger  *slog.Logger
	cleanup func() error
}

func (a *app) level() slog.Level {
	if a.verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// loadConfig reads the config file and, when it names a log file, rebuilds
// the logger to fan out into it.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w\n\nRun 'ankisync setup' to create a config file", err)
		}
		return nil, fmt.Errorf("loading config from %q: %w", a.cfgPath, err)
	}
	if cfg.LogFile != "" {
		_ = a.cleanup()
		a.logger, a.cleanup = config.SetupLogger(cfg.LogFile, a.level())
		slog.SetDefault(a.logger)
	}
	a.logger.Debug("config loaded",
		"path", a.cfgPath,
		"anki_url", cfg.Anki.URL,
		"backend_url", cfg.Backend.URL,
		"renderer", cfg.Anki.Renderer,
	)
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

func newRootCmd() *cobra.Command {
	a := &app{cleanup: func() error { return nil }}
	defaultCfg, _ := config.DefaultPath()

	root := &cobra.Command{
		Use:           "ankisync",
		Short:         "Sync interview questions into Anki",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnv()
			a.logger, a.cleanup = config.SetupLogger("", a.level())
			slog.SetDefault(a.logger)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.cleanup()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newSyncCmd(a),
		newReconcileCmd(a),
		newStatusCmd(a),
		newImportCmd(a),
		newSetupCmd(a),
		newVersionCmd(),
	)

	return root
}

func newSetupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return setup.NewWizard(os.Stdin, os.Stdout, a.cfgPath, a.logger).Run(ctx)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "ankisync", version)
		},
	}
}
