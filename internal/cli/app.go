package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/buildqueue/internal/controller"
	"github.com/ChuLiYu/buildqueue/internal/events"
	"github.com/ChuLiYu/buildqueue/internal/ideas"
	"github.com/ChuLiYu/buildqueue/internal/invoker"
	"github.com/ChuLiYu/buildqueue/internal/storage/jobstore"
	"github.com/ChuLiYu/buildqueue/internal/storage/lock"
	"github.com/ChuLiYu/buildqueue/internal/storage/wal"
)

// app is one process's wiring of store, broadcaster, invoker and controller.
type app struct {
	cfg   *Config
	store jobstore.Store
	bus   *events.Broadcaster
	ctrl  *controller.Controller

	journal     *wal.WAL
	journalDone chan struct{}
}

func newApp(cfg *Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	bus := events.NewBroadcaster(cfg.Events.Buffer)

	inv := invoker.New(invoker.Config{
		PollInterval: cfg.Build.PollInterval,
		Timeout:      cfg.Build.Timeout,
		IdleGrace:    cfg.Build.IdleGrace,
		SettleDelay:  cfg.Build.SettleDelay,
	}, &invoker.ExecSpawner{
		Command: cfg.Build.Command,
		Args:    cfg.Build.Args,
		Dir:     cfg.Build.Dir,
		Env:     []string{"BUILDQUEUE_STATUS_PATH=" + cfg.Build.StatusPath},
		LogDir:  cfg.Build.LogDir,
	}, invoker.FileStatus{Path: cfg.Build.StatusPath})

	var tracker ideas.Tracker = ideas.Nop{}
	if cfg.Ideas.Path != "" {
		tracker = ideas.NewFileTracker(cfg.Ideas.Path, lockOptions(cfg))
	}

	ctrl, err := controller.New(controller.Config{
		HolderID:     cfg.Runner.HolderID,
		LeaseTTL:     cfg.Runner.LeaseTTL,
		ScanInterval: cfg.Runner.ScanInterval,
	}, controller.Deps{
		Store:   store,
		Events:  bus,
		Builder: inv,
		Ideas:   tracker,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	a := &app{cfg: cfg, store: store, bus: bus, ctrl: ctrl}
	if cfg.Journal.Path != "" {
		if err := a.openJournal(); err != nil {
			store.Close()
			return nil, err
		}
	}
	return a, nil
}

// openJournal records every broadcast event until the bus closes.
func (a *app) openJournal() error {
	j, err := wal.Open(a.cfg.Journal.Path, wal.Options{SyncOnFlush: a.cfg.Journal.SyncOnFlush})
	if err != nil {
		return fmt.Errorf("failed to open event journal: %w", err)
	}
	stream, _ := a.bus.SubscribeAll()
	a.journal = j
	a.journalDone = make(chan struct{})
	go func() {
		defer close(a.journalDone)
		j.Consume(context.Background(), stream)
	}()
	return nil
}

func (a *app) Close() error {
	a.bus.Close()
	if a.journal != nil {
		<-a.journalDone
		if err := a.journal.Close(); err != nil {
			slog.Error("Failed to close event journal", "error", err)
		}
	}
	return a.store.Close()
}

func lockOptions(cfg *Config) lock.Options {
	return lock.Options{
		MaxWait:    cfg.Store.Lock.MaxWait,
		StaleAfter: cfg.Store.Lock.StaleAfter,
	}
}

func openStore(cfg *Config) (jobstore.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := jobstore.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	default:
		return jobstore.NewFileStore(cfg.Store.Path, lockOptions(cfg)), nil
	}
}

// setupLogging installs the default slog handler described by cfg.
func setupLogging(cfg *Config, w io.Writer) {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}
