package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prisma-ai/ankisync/internal/anki"
	"github.com/prisma-ai/ankisync/internal/config"
	"github.com/prisma-ai/ankisync/internal/render"
	"github.com/prisma-ai/ankisync/internal/sync"
)

// VersionChecker asks AnkiConnect for its protocol version.
type VersionChecker func(ctx context.Context, url string) (int, error)

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	check   VersionChecker
}

// NewWizard creates a Wizard that writes its result to cfgPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		check: func(ctx context.Context, url string) (int, error) {
			return anki.NewClient(url, nil, logger).Version(ctx)
		},
	}
}

// WithVersionChecker replaces the AnkiConnect version check. Used by tests.
func (wiz *Wizard) WithVersionChecker(c VersionChecker) *Wizard {
	wiz.check = c
	return wiz
}

// Run executes the interactive setup wizard. It returns without writing
// anything when the user keeps an existing config or declines to save an
// unreachable AnkiConnect URL.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to ankisync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes %s.\n\n", wiz.cfgPath)

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: AnkiConnect.
	fmt.Fprintf(wiz.w, "Step 1/3: AnkiConnect\n")

	ankiURL := wiz.prompt.String("AnkiConnect URL", anki.DefaultURL)

	fmt.Fprintf(wiz.w, "  Contacting AnkiConnect...")
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	v, err := wiz.check(checkCtx, ankiURL)
	cancel()
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		wiz.logger.Warn("AnkiConnect check failed", "url", ankiURL, "error", err)
		fmt.Fprintf(wiz.w, "  Anki must be running with the AnkiConnect add-on installed.\n")
		if !wiz.prompt.Confirm("Save this URL anyway?", false) {
			return fmt.Errorf("cannot reach AnkiConnect at %q: %w", ankiURL, err)
		}
	} else {
		fmt.Fprintf(wiz.w, " ✓ (version %d)\n", v)
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: backend.
	fmt.Fprintf(wiz.w, "Step 2/3: Question backend\n")

	backendURL := wiz.prompt.String("Backend URL", "")
	tokenLabel := "Access token"
	envToken := os.Getenv(config.EnvBackendToken) != ""
	if envToken {
		tokenLabel = fmt.Sprintf("Access token (empty keeps %s)", config.EnvBackendToken)
	}
	token := wiz.prompt.Secret(tokenLabel, envToken)
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: cards.
	fmt.Fprintf(wiz.w, "Step 3/3: Cards\n")

	renderers := []string{render.NameLink, render.NameDetailed}
	idx, err := wiz.prompt.Select("Card style", []string{
		"link (title plus a link to the question page)",
		"detailed (full answer, key points, mind map)",
	})
	if err != nil {
		return fmt.Errorf("choosing card style: %w", err)
	}
	chunk := wiz.prompt.Int("Questions per upload chunk", sync.DefaultChunkSize, 1, 500)
	fmt.Fprintf(wiz.w, "\n")

	cfg := &config.Config{
		Anki: config.AnkiConfig{
			URL:       ankiURL,
			Renderer:  renderers[idx],
			ChunkSize: chunk,
		},
		Backend: config.BackendConfig{
			URL:   backendURL,
			Token: token,
		},
	}

	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "Run 'ankisync sync' to upload pending questions.\n")

	wiz.logger.Debug("setup complete", "path", wiz.cfgPath, "renderer", cfg.Anki.Renderer)
	return nil
}
