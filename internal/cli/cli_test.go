package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/jobmanager"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "buildqueue", cmd.Use, "Root command should be 'buildqueue'")

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "create", "start", "pause", "resume", "cancel", "retry", "skip", "status", "history"} {
		assert.True(t, names[want], "Should have %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("env-file"), "Should have --env-file flag")
}

func TestRunFlagOnlyWhereRunnable(t *testing.T) {
	cmd := BuildCLI()
	for _, tc := range []struct {
		name string
		run  bool
	}{
		{"start", true},
		{"resume", true},
		{"pause", false},
		{"cancel", false},
	} {
		sub, _, err := cmd.Find([]string{tc.name})
		require.NoError(t, err)
		assert.Equal(t, tc.run, sub.Flags().Lookup("run") != nil, tc.name)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
store:
  backend: sqlite
  path: ./test.db
  lock:
    max_wait: 3s
build:
  command: ./builder
  args: ["--idea", "{ideaId}"]
  timeout: 90s
runner:
  lease_ttl: 1m
metrics:
  enabled: true
  port: 8080
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "./test.db", cfg.Store.Path)
	assert.Equal(t, 3*time.Second, cfg.Store.Lock.MaxWait)
	assert.Equal(t, 30*time.Second, cfg.Store.Lock.StaleAfter, "Unset fields keep defaults")
	assert.Equal(t, "./builder", cfg.Build.Command)
	assert.Equal(t, []string{"--idea", "{ideaId}"}, cfg.Build.Args)
	assert.Equal(t, 90*time.Second, cfg.Build.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Build.PollInterval)
	assert.Equal(t, time.Minute, cfg.Runner.LeaseTTL)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FileNotFoundUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalid := `
store:
  backend: file
  invalid yaml structure
    broken indentation
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalid), 0o644))

	cfg, err := loadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown backend", "store:\n  backend: postgres\n", "unknown store backend"},
		{"empty path", "store:\n  path: \"\"\n", "store.path is required"},
		{"unknown log format", "log:\n  format: xml\n", "unknown log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.content), 0o644))

			_, err := loadConfig(configPath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"BUILDQUEUE_STORE_BACKEND": "sqlite",
		"BUILDQUEUE_STORE_PATH":    "/tmp/jobs.db",
		"BUILDQUEUE_BUILD_COMMAND": "node",
		"BUILDQUEUE_HOLDER_ID":     "host-a",
		"BUILDQUEUE_BUILD_TIMEOUT": "2m",
		"BUILDQUEUE_LEASE_TTL":     "30s",
		"BUILDQUEUE_METRICS_PORT":  "9191",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/tmp/jobs.db", cfg.Store.Path)
	assert.Equal(t, "node", cfg.Build.Command)
	assert.Equal(t, "host-a", cfg.Runner.HolderID)
	assert.Equal(t, 2*time.Minute, cfg.Build.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Runner.LeaseTTL)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "text", cfg.Log.Format, "Untouched fields keep their value")
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"BUILDQUEUE_BUILD_TIMEOUT", "soon"},
		{"BUILDQUEUE_LEASE_TTL", "15"},
		{"BUILDQUEUE_METRICS_PORT", "http"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == tt.key {
					return tt.value, true
				}
				return "", false
			}
			err := DefaultConfig().applyEnv(lookup)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("store:\n  path: from-file.json\n"), 0o644))
	t.Setenv("BUILDQUEUE_STORE_PATH", "from-env.json")

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "from-env.json", cfg.Store.Path)
}

func TestLoadDotEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "BUILDQUEUE_DOTENV_LOADED=yes\nBUILDQUEUE_DOTENV_PRESET=from-file\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o644))

	t.Setenv("BUILDQUEUE_DOTENV_PRESET", "from-shell")
	t.Cleanup(func() { os.Unsetenv("BUILDQUEUE_DOTENV_LOADED") })

	require.NoError(t, loadDotEnv(envPath, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "yes", os.Getenv("BUILDQUEUE_DOTENV_LOADED"))
	assert.Equal(t, "from-shell", os.Getenv("BUILDQUEUE_DOTENV_PRESET"), "Variables already set win")
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	setupLogging(cfg, &buf)

	slog.Info("dropped")
	slog.Warn("kept", "jobID", "j1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "Info should be filtered at warn level")

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "j1", rec["jobID"])
}

func TestSetupLoggingReachesPackageLogs(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "debug"

	var buf bytes.Buffer
	setupLogging(cfg, &buf)

	missing := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := loadConfig(missing)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines[0], "Debug records should reach the configured handler")

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "Config file not found, using defaults", rec["msg"])
	assert.Equal(t, missing, rec["path"])
}

// ============================================================================
// End-to-end command runs
// ============================================================================

type testEnv struct {
	dir     string
	cfgPath string
}

func newTestEnv(t *testing.T, mutate func(cfg *Config)) *testEnv {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(dir, "jobs.json")
	cfg.Build.StatusPath = filepath.Join(dir, "status.json")
	cfg.Build.LogDir = filepath.Join(dir, "logs")
	cfg.Journal.Path = filepath.Join(dir, "events.jsonl")
	cfg.Log.Level = "error"
	if mutate != nil {
		mutate(cfg)
	}

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, data, 0o644))
	return &testEnv{dir: dir, cfgPath: cfgPath}
}

func (e *testEnv) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", e.cfgPath, "--env-file", filepath.Join(e.dir, ".env")}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (e *testEnv) mustExec(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.exec(t, args...)
	require.NoError(t, err, "buildqueue %v", args)
	return out
}

func TestJobCommandsEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	jobID := strings.TrimSpace(env.mustExec(t, "create", "--campaign", "camp-1", "--ideas", "a,b,c"))
	require.NotEmpty(t, jobID)

	out := env.mustExec(t, "status", jobID)
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "queued=3")

	assert.Equal(t, jobID+" running\n", env.mustExec(t, "start", jobID))
	assert.Equal(t, jobID+" b skipped\n", env.mustExec(t, "skip", jobID, "b"))
	assert.Equal(t, jobID+" paused\n", env.mustExec(t, "pause", jobID))
	assert.Equal(t, jobID+" running\n", env.mustExec(t, "resume", jobID))
	assert.Equal(t, jobID+" cancelled\n", env.mustExec(t, "cancel", jobID))

	out = env.mustExec(t, "status")
	assert.Contains(t, out, jobID)
	assert.Contains(t, out, "cancelled")
	assert.Contains(t, out, "0/3")

	out = env.mustExec(t, "status", "--campaign", "other")
	assert.Equal(t, "no jobs\n", out)
}

func TestCommandErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.exec(t, "start", "missing")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)

	_, err = env.exec(t, "create", "--campaign", "camp-1", "--ideas", "a,a")
	assert.ErrorIs(t, err, jobmanager.ErrValidation)

	jobID := strings.TrimSpace(env.mustExec(t, "create", "--campaign", "camp-1", "--ideas", "a"))
	_, err = env.exec(t, "resume", jobID)
	assert.ErrorIs(t, err, jobmanager.ErrIllegalTransition, "A pending job cannot be resumed")

	env.mustExec(t, "skip", jobID, "a")
	_, err = env.exec(t, "retry", jobID, "a")
	assert.ErrorIs(t, err, jobmanager.ErrIllegalTransition, "Only failed items can be retried")

	_, err = env.exec(t, "retry", jobID, "zzz")
	assert.ErrorIs(t, err, jobmanager.ErrItemNotFound)

	_, err = env.exec(t, "skip", jobID)
	assert.Error(t, err, "skip needs an idea id")
}

func TestStartRunBuildsInForeground(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}

	script := `printf '{"status":"complete","outId":"p-%s"}' "$BUILDQUEUE_IDEA_ID" > "$BUILDQUEUE_STATUS_PATH"`
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Build.Command = "/bin/sh"
		cfg.Build.Args = []string{"-c", script}
		cfg.Build.PollInterval = 20 * time.Millisecond
		cfg.Build.IdleGrace = 0
		cfg.Build.SettleDelay = 20 * time.Millisecond
		cfg.Build.Timeout = 20 * time.Second
	})

	jobID := strings.TrimSpace(env.mustExec(t, "create", "--campaign", "camp-1", "--ideas", "a,b"))
	out := env.mustExec(t, "start", jobID, "--run")

	assert.Contains(t, out, jobID+" running")
	assert.Contains(t, out, "done")
	assert.Contains(t, out, "built=2")
	assert.Contains(t, out, "project=p-a")
	assert.Contains(t, out, "project=p-b")

	logs, err := os.ReadDir(filepath.Join(env.dir, "logs"))
	require.NoError(t, err)
	assert.Len(t, logs, 2, "One build log per idea")

	history := env.mustExec(t, "history", jobID)
	for _, want := range []string{"job:started", "item:running", "item:built", "project=p-b", "job:done"} {
		assert.Contains(t, history, want)
	}
	assert.Equal(t, 2, strings.Count(history, "item:built"))
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	jobID := strings.TrimSpace(env.mustExec(t, "create", "--campaign", "camp-1", "--ideas", "a", "--start"))
	env.mustExec(t, "pause", jobID)
	env.mustExec(t, "cancel", jobID)

	out := env.mustExec(t, "history", jobID)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "job:started")
	assert.Contains(t, lines[1], "job:cancelled", "A job cancelled while not looping emits job:cancelled directly")

	assert.Equal(t, "no events\n", env.mustExec(t, "history", "unknown"))

	disabled := newTestEnv(t, func(cfg *Config) { cfg.Journal.Path = "" })
	_, err := disabled.exec(t, "history", jobID)
	assert.ErrorContains(t, err, "journal is disabled")
}
