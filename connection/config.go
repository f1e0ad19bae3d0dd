package connection

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/vcs-session-go/vcs"
	"github.com/joeshaw/envdecode"
)

// Config tunes the retry and transition behaviour. Zero values are replaced
// with defaults; negative durations disable the corresponding feature.
type Config struct {
	// DecisionDebounce is how long a "retry" answer to the lost-connection
	// prompt is reused for further failures of the same server before
	// prompting again. ENV: VCS_DECISION_DEBOUNCE
	DecisionDebounce time.Duration
	// MaxConnectionRetries caps connection-class retries within one call.
	// ENV: VCS_MAX_CONNECTION_RETRIES
	MaxConnectionRetries int
	// ConnectTimeout bounds session creation, connect and default
	// authentication. ENV: VCS_CONNECT_TIMEOUT
	ConnectTimeout time.Duration
	// ProbeCommand is the cheap authenticated query used to verify a
	// reconnect. It is invoked with "-u <username>". ENV: VCS_PROBE_COMMAND
	ProbeCommand string

	Logger *slog.Logger
}

// envConfig is decoded separately so envdecode never touches Logger.
type envConfig struct {
	DecisionDebounce     time.Duration `env:"VCS_DECISION_DEBOUNCE,default=2s"`
	MaxConnectionRetries int           `env:"VCS_MAX_CONNECTION_RETRIES,default=3"`
	ConnectTimeout       time.Duration `env:"VCS_CONNECT_TIMEOUT,default=30s"`
	ProbeCommand         string        `env:"VCS_PROBE_COMMAND,default=clients"`
}

// ConfigFromEnv builds a Config from VCS_* environment variables. A value
// that does not parse is an error rather than a silent fallback to the
// default.
func ConfigFromEnv() (Config, error) {
	var ec envConfig
	// Defaults are provided via struct tags; applyDefaults covers the rest.
	if err := envdecode.StrictDecode(&ec); err != nil {
		return Config{}, fmt.Errorf("decode connection config from env: %w", err)
	}
	cfg := Config{
		DecisionDebounce:     ec.DecisionDebounce,
		MaxConnectionRetries: ec.MaxConnectionRetries,
		ConnectTimeout:       ec.ConnectTimeout,
		ProbeCommand:         ec.ProbeCommand,
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults populates zero values with conservative defaults.
func (c *Config) applyDefaults() {
	if c.DecisionDebounce == 0 {
		c.DecisionDebounce = 2 * time.Second
	}
	if c.MaxConnectionRetries <= 0 {
		c.MaxConnectionRetries = 3
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ProbeCommand == "" {
		c.ProbeCommand = "clients"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Dependencies are the collaborators injected into a Registry. Only Factory
// is required.
type Dependencies struct {
	Factory     vcs.SessionFactory
	Credentials vcs.CredentialStore
	// Prompt answers lost-connection prompts. Nil means always work offline.
	Prompt   vcs.DecisionPrompt
	Notifier vcs.Notifier
	Config   Config
}
