// Package config loads and validates the ankisync YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/prisma-ai/ankisync/internal/anki"
	"github.com/prisma-ai/ankisync/internal/backend"
	"github.com/prisma-ai/ankisync/internal/render"
	"github.com/prisma-ai/ankisync/internal/state"
	"github.com/prisma-ai/ankisync/internal/sync"
)

// EnvBackendToken overrides backend.token when set.
const EnvBackendToken = "ANKISYNC_BACKEND_TOKEN"

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Anki configures the AnkiConnect endpoint and how notes are rendered.
	Anki AnkiConfig `yaml:"anki"`

	// Backend configures the interview-question service.
	Backend BackendConfig `yaml:"backend"`

	// StateDB is the path of the run journal. Defaults to
	// ~/.local/share/ankisync/state.db.
	StateDB string `yaml:"state_db,omitempty"`

	// LogFile, when set, receives a JSON copy of every log line.
	LogFile string `yaml:"log_file,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// AnkiConfig holds the AnkiConnect settings.
type AnkiConfig struct {
	// URL of AnkiConnect. Defaults to http://localhost:8765.
	URL string `yaml:"url"`

	// ModelName is the note type. Defaults to the renderer's model.
	ModelName string `yaml:"model_name,omitempty"`

	// Renderer is "link" (default) or "detailed".
	Renderer string `yaml:"renderer" validate:"omitempty,oneof=link detailed"`

	// LinkBaseURL prefixes the question id in link cards.
	LinkBaseURL string `yaml:"link_base_url,omitempty"`

	// ChunkSize is the number of questions per upload chunk. Defaults to 20.
	ChunkSize int `yaml:"chunk_size" validate:"gte=0,lte=500"`

	// RejectionPolicy is "skip" (default) or "fail"; see [sync.RejectionPolicy].
	RejectionPolicy string `yaml:"rejection_policy" validate:"omitempty,oneof=skip fail"`
}

// BackendConfig holds the interview-question service settings.
type BackendConfig struct {
	URL   string `yaml:"url" validate:"required"`
	Token string `yaml:"token"`

	// PageSize is the work-list page size. Defaults to 500.
	PageSize int `yaml:"page_size" validate:"gte=0,lte=5000"`

	// ReconcileBatchSize is the number of outcomes per reconciliation call.
	// Defaults to 200.
	ReconcileBatchSize int `yaml:"reconcile_batch_size" validate:"gte=0,lte=5000"`

	// MaxAttempts bounds retries of idempotent backend calls. Defaults to 3.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0,lte=10"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "ankisync".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/ankisync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "ankisync", "config.yaml"), nil
}

// LoadEnv loads a .env file from the working directory if one exists.
// Variables already set in the environment win.
func LoadEnv() {
	_ = godotenv.Load()
}

// Load reads and validates the configuration file at the given path and
// applies environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if tok := os.Getenv(EnvBackendToken); tok != "" {
		cfg.Backend.Token = tok
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write encodes the configuration as YAML to path, creating parent
// directories. The file is readable by the owner only since it holds the
// backend token.
func (c *Config) Write(path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// StatePath returns the journal path, falling back to the default.
func (c *Config) StatePath() (string, error) {
	if c.StateDB != "" {
		return expandHome(c.StateDB)
	}
	return state.DefaultDBPath()
}

// validate checks struct tags, then the rules tags cannot express, and fills
// defaults.
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Anki.URL == "" {
		c.Anki.URL = anki.DefaultURL
	}
	if err := checkHTTPURL("anki.url", c.Anki.URL); err != nil {
		return err
	}
	if c.Anki.Renderer == "" {
		c.Anki.Renderer = render.NameLink
	}
	if c.Anki.ChunkSize == 0 {
		c.Anki.ChunkSize = sync.DefaultChunkSize
	}
	if c.Anki.RejectionPolicy == "" {
		c.Anki.RejectionPolicy = string(sync.RejectSkip)
	}
	if c.Anki.LinkBaseURL != "" {
		if err := checkHTTPURL("anki.link_base_url", c.Anki.LinkBaseURL); err != nil {
			return err
		}
	}

	if err := checkHTTPURL("backend.url", c.Backend.URL); err != nil {
		return err
	}
	if c.Backend.Token == "" {
		return fmt.Errorf("backend.token is required (or set %s)", EnvBackendToken)
	}
	if c.Backend.PageSize == 0 {
		c.Backend.PageSize = backend.DefaultPageSize
	}
	if c.Backend.ReconcileBatchSize == 0 {
		c.Backend.ReconcileBatchSize = sync.DefaultReconcileBatchSize
	}
	if c.Backend.MaxAttempts == 0 {
		c.Backend.MaxAttempts = backend.DefaultMaxAttempts
	}

	if c.Telemetry != nil && c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ankisync"
	}

	return nil
}

func checkHTTPURL(field, raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be a valid http or https URL", field, raw)
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
