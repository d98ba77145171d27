// Command dayplan is an offline-first day planner: tasks, lists and recurring
// rules kept in a local cache and synced to a remote libSQL store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/dayplan/internal/changefeed"
	"github.com/mschirtzinger/dayplan/internal/config"
	"github.com/mschirtzinger/dayplan/internal/logging"
	"github.com/mschirtzinger/dayplan/internal/planner"
	"github.com/mschirtzinger/dayplan/internal/remote"
	"github.com/mschirtzinger/dayplan/internal/remote/libsql"
	"github.com/mschirtzinger/dayplan/internal/ui"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "dayplan",
	Short: "Offline-first day planner",
	Long: `dayplan keeps tasks, lists and recurring rules in a local cache and
syncs them to a remote libSQL database.

Every edit is saved locally first. When the remote cannot be reached the
write is queued and replayed by 'dayplan sync' or 'dayplan daemon'.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks and lists:"},
		&cobra.Group{ID: "recurrence", Title: "Recurring rules:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.dayplan/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error "+format+"\n", args...)
	os.Exit(1)
}

// app is an open planner session with the resources behind it.
type app struct {
	cfg     *config.Config
	logger  *logrus.Entry
	session *planner.Session
	closers []io.Closer
	// offline is why the configured remote could not be opened.
	offline error
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("loading config: %v", err)
	}
	return cfg
}

// newLogger builds the process logger. One-shot commands log warnings only
// unless --verbose is set; long-running ones keep the configured level.
func newLogger(cfg *config.Config, longRunning bool) *logrus.Entry {
	lc := cfg.Logging()
	if verbose {
		lc.Level = "debug"
	} else if !longRunning {
		lc.Level = "warn"
	}
	logger, err := logging.New("dayplan", lc)
	if err != nil {
		fatalf("configuring logging: %v", err)
	}
	return logger
}

// openApp loads the config and opens a planner session against the
// configured remote. A remote that cannot be reached is replaced by one that
// fails every call, so edits are queued instead of refused.
func openApp(ctx context.Context, longRunning bool) *app {
	cfg := loadConfig()
	logger := newLogger(cfg, longRunning)

	if cfg.OwnerID == "" {
		fatalf("owner_id is not set; run 'dayplan init' first")
	}
	loc, err := cfg.Location()
	if err != nil {
		fatalf("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.CacheFile()), 0o700); err != nil {
		fatalf("creating data dir: %v", err)
	}

	a := &app{cfg: cfg, logger: logger}
	client, closer, err := openRemote(ctx, cfg, logger)
	if err != nil {
		entry := logger.WithError(err)
		if cfg.Remote.URL == "" {
			entry.Debug("no remote configured, working offline")
		} else {
			entry.Warn("remote unavailable, working offline")
		}
		client = &remote.Unavailable{Cause: err}
		a.offline = err
	} else if closer != nil {
		a.closers = append(a.closers, closer)
	}

	session, err := planner.Open(ctx, planner.Config{
		CachePath: cfg.CacheFile(),
		Remote:    client,
		Engine: planner.Options{
			OwnerID:     cfg.OwnerID,
			Location:    loc,
			PushTimeout: cfg.Sync.PushTimeout,
		},
		Outbox:      cfg.Outbox(),
		NoSubscribe: !longRunning,
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		fatalf("opening planner: %v", err)
	}
	a.session = session
	return a
}

// Close closes the session before the remote it talks to.
func (a *app) Close() {
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close session")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// openRemote builds the remote client. A file: URL opens a SQLite file as
// the remote; anything else is a libSQL primary or embedded replica.
func openRemote(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (remote.Client, io.Closer, error) {
	if cfg.Remote.URL == "" {
		return nil, nil, fmt.Errorf("%w: remote.url is not configured", remote.ErrUnavailable)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	sqlCfg := &remote.SQLConfig{
		OwnerID:  cfg.OwnerID,
		Location: loc,
		Logger:   logger,
	}
	if cfg.Remote.ChangefeedURL != "" {
		feed, err := changefeed.NewClient(cfg.Remote.ChangefeedURL, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlCfg.Changes = feed
	}

	if strings.HasPrefix(cfg.Remote.URL, "file:") {
		db, err := sql.Open("sqlite3", cfg.Remote.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", cfg.Remote.URL, err)
		}
		store := remote.NewSQLStore(db, sqlCfg)
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, store, nil
	}

	store, err := libsql.Open(ctx, libsql.Options{
		URL:          cfg.Remote.URL,
		AuthToken:    cfg.Remote.AuthToken,
		ReplicaPath:  cfg.Remote.ReplicaPath,
		SyncInterval: cfg.Remote.SyncInterval,
	}, sqlCfg)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// report prints the outcome of a write. A queued write is a success that
// has not reached the remote yet.
func report(err error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch {
	case err == nil:
		fmt.Printf("%s %s\n", ui.RenderPass("✓"), msg)
	case planner.IsQueued(err):
		fmt.Printf("%s %s %s\n", ui.RenderWarn("⚠"), msg, ui.RenderMuted("(saved locally, sync pending)"))
	default:
		fatalf("%v", err)
	}
}

// saved reports whether a write committed locally.
func saved(err error) bool {
	return err == nil || planner.IsQueued(err)
}
