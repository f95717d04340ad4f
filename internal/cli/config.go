package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Store struct {
		Backend string `yaml:"backend"` // file | sqlite
		Path    string `yaml:"path"`
		Lock    struct {
			MaxWait    time.Duration `yaml:"max_wait"`
			StaleAfter time.Duration `yaml:"stale_after"`
		} `yaml:"lock"`
	} `yaml:"store"`

	Build struct {
		Command      string        `yaml:"command"`
		Args         []string      `yaml:"args"`
		Dir          string        `yaml:"dir"`
		StatusPath   string        `yaml:"status_path"`
		LogDir       string        `yaml:"log_dir"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Timeout      time.Duration `yaml:"timeout"`
		IdleGrace    time.Duration `yaml:"idle_grace"`
		SettleDelay  time.Duration `yaml:"settle_delay"`
	} `yaml:"build"`

	Ideas struct {
		Path string `yaml:"path"` // empty disables idea flagging
	} `yaml:"ideas"`

	Runner struct {
		HolderID     string        `yaml:"holder_id"`
		LeaseTTL     time.Duration `yaml:"lease_ttl"`
		ScanInterval time.Duration `yaml:"scan_interval"`
	} `yaml:"runner"`

	Events struct {
		Buffer int `yaml:"buffer"`
	} `yaml:"events"`

	Journal struct {
		Path        string `yaml:"path"` // empty disables the event journal
		SyncOnFlush bool   `yaml:"sync_on_flush"`
	} `yaml:"journal"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// DefaultConfig is used for every field the config file leaves out.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Store.Backend = "file"
	cfg.Store.Path = "data/jobs.json"
	cfg.Store.Lock.MaxWait = 10 * time.Second
	cfg.Store.Lock.StaleAfter = 30 * time.Second

	cfg.Build.StatusPath = "data/build-status.json"
	cfg.Build.LogDir = "data/build-logs"
	cfg.Build.PollInterval = 3 * time.Second
	cfg.Build.Timeout = 10 * time.Minute
	cfg.Build.IdleGrace = 5 * time.Second
	cfg.Build.SettleDelay = 2 * time.Second

	cfg.Runner.LeaseTTL = 15 * time.Minute
	cfg.Runner.ScanInterval = 2 * time.Second

	cfg.Events.Buffer = 64
	cfg.Journal.Path = "data/events.jsonl"

	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig reads path over the defaults. A missing file is not an error;
// defaults plus environment overrides apply.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("Config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env files into the process environment. Missing files
// are skipped; variables already set win.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv applies BUILDQUEUE_* overrides.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"BUILDQUEUE_STORE_BACKEND":     &c.Store.Backend,
		"BUILDQUEUE_STORE_PATH":        &c.Store.Path,
		"BUILDQUEUE_BUILD_COMMAND":     &c.Build.Command,
		"BUILDQUEUE_BUILD_DIR":         &c.Build.Dir,
		"BUILDQUEUE_BUILD_STATUS_PATH": &c.Build.StatusPath,
		"BUILDQUEUE_BUILD_LOG_DIR":     &c.Build.LogDir,
		"BUILDQUEUE_IDEAS_PATH":        &c.Ideas.Path,
		"BUILDQUEUE_JOURNAL_PATH":      &c.Journal.Path,
		"BUILDQUEUE_HOLDER_ID":         &c.Runner.HolderID,
		"BUILDQUEUE_LOG_LEVEL":         &c.Log.Level,
		"BUILDQUEUE_LOG_FORMAT":        &c.Log.Format,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	dur := map[string]*time.Duration{
		"BUILDQUEUE_BUILD_TIMEOUT": &c.Build.Timeout,
		"BUILDQUEUE_LEASE_TTL":     &c.Runner.LeaseTTL,
	}
	for key, dst := range dur {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("BUILDQUEUE_METRICS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BUILDQUEUE_METRICS_PORT: %w", err)
		}
		c.Metrics.Port = port
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q (want file or sqlite)", c.Store.Backend)
	}
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format)
	}
	return nil
}
