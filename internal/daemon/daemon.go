// Package daemon keeps a planner session in sync in the background.
//
// The daemon:
//  1. Drains the outbox on a cron schedule
//  2. Drains again after debounced writes to the cache file, which other
//     dayplan processes make when they queue edits
//  3. Re-pulls the current window when a change notification arrives
//  4. Serves Prometheus metrics when configured
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/metrics"
	"github.com/mschirtzinger/dayplan/internal/outbox"
	"github.com/mschirtzinger/dayplan/internal/planner"
	"github.com/mschirtzinger/dayplan/internal/remote"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Planner is the part of a planner session the daemon drives.
type Planner interface {
	Drain(ctx context.Context, maxBatch int) (outbox.DrainResult, error)
	Pull(ctx context.Context, start, end schema.Date) (planner.PullResult, error)
	Today() schema.Date
	Watch(ctx context.Context, onChange func(remote.ChangeEvent)) (func(), error)
}

var _ Planner = (*planner.Session)(nil)

// Config holds configuration for the daemon.
type Config struct {
	// CachePath is the cache database to watch; empty disables watching.
	CachePath string

	// DrainSchedule is a cron spec for periodic drains.
	DrainSchedule string

	// DebounceInterval is how long cache writes must settle before a drain.
	DebounceInterval time.Duration

	// WindowDays is the length of the window re-pulled on change, starting
	// today.
	WindowDays int

	// MaxBatch caps one drain pass (0 = all ready entries).
	MaxBatch int

	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string

	Location *time.Location
	Logger   logrus.FieldLogger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainSchedule:    "@every 30s",
		DebounceInterval: 500 * time.Millisecond,
		WindowDays:       7,
		Location:         time.Local,
		Logger:           logrus.StandardLogger(),
	}
}

// Stats counts the daemon's runs.
type Stats struct {
	Drains int64
	Pulls  int64
}

// Daemon schedules drains and pulls of one planner session. Runs never
// overlap.
type Daemon struct {
	planner Planner
	config  *Config
	logger  logrus.FieldLogger

	cron    *cron.Cron
	watcher *CacheWatcher
	pullCh  chan struct{}

	runMu sync.Mutex

	changeMu   sync.Mutex
	lastChange time.Time

	subMu       sync.Mutex
	unsubscribe func()

	drains atomic.Int64
	pulls  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once
}

// New creates a daemon. A nil config uses DefaultConfig.
func New(p Planner, config *Config) (*Daemon, error) {
	if p == nil {
		return nil, errors.New("planner cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.DrainSchedule == "" {
		config.DrainSchedule = defaults.DrainSchedule
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.WindowDays <= 0 {
		config.WindowDays = defaults.WindowDays
	}
	if config.Location == nil {
		config.Location = defaults.Location
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if _, err := cron.ParseStandard(config.DrainSchedule); err != nil {
		return nil, fmt.Errorf("invalid drain schedule %q: %w", config.DrainSchedule, err)
	}

	logger := config.Logger.WithField("component", "daemon")
	d := &Daemon{
		planner: p,
		config:  config,
		logger:  logger,
		cron:    cron.New(cron.WithLocation(config.Location), cron.WithLogger(cronLogger{logger})),
		pullCh:  make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if config.CachePath != "" {
		w, err := NewCacheWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
//
// The daemon will:
//  1. Drain the outbox and pull the current window once
//  2. Subscribe to change notifications, retrying on each scheduled drain
//  3. Start the cron schedule and the cache watcher
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.WithField("schedule", d.config.DrainSchedule).Info("starting daemon")

	d.SyncNow()
	d.subscribe()

	if _, err := d.cron.AddFunc(d.config.DrainSchedule, d.scheduled); err != nil {
		return fmt.Errorf("failed to schedule drain: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.CachePath); err != nil {
			return err
		}
		d.logger.WithField("path", d.config.CachePath).Info("watching cache")
		d.wg.Add(2)
		go d.watchCache()
		go d.processChanges()
	}

	d.wg.Add(1)
	go d.pullLoop()

	if d.config.MetricsAddr != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := metrics.Serve(d.ctx, d.config.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.WithError(err).Error("metrics server failed")
			}
		}()
	}

	d.cron.Start()

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for in-flight runs.
func (d *Daemon) Stop() error {
	var err error
	d.stop.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()
		<-d.cron.Stop().Done()

		if d.watcher != nil {
			if werr := d.watcher.Stop(); werr != nil {
				err = werr
			}
		}
		d.subMu.Lock()
		if d.unsubscribe != nil {
			d.unsubscribe()
			d.unsubscribe = nil
		}
		d.subMu.Unlock()

		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return err
}

// Stats returns how many drains and pulls have run.
func (d *Daemon) Stats() Stats {
	return Stats{Drains: d.drains.Load(), Pulls: d.pulls.Load()}
}

// SyncNow drains and then pulls the current window.
func (d *Daemon) SyncNow() {
	d.drain("sync")
	d.pull()
}

func (d *Daemon) scheduled() {
	d.subscribe()
	d.drain("schedule")
}

func (d *Daemon) subscribe() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	if d.unsubscribe != nil || d.ctx.Err() != nil {
		return
	}
	unsubscribe, err := d.planner.Watch(d.ctx, d.onChange)
	if err != nil {
		d.logger.WithError(err).Warn("change feed unavailable")
		return
	}
	d.unsubscribe = unsubscribe
}

func (d *Daemon) drain(trigger string) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.ctx.Err() != nil {
		return
	}

	res, err := d.planner.Drain(d.ctx, d.config.MaxBatch)
	d.drains.Add(1)
	log := d.logger.WithFields(logrus.Fields{
		"trigger":   trigger,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"dead":      res.DeadLettered,
		"remaining": res.Remaining,
	})
	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		log.WithError(err).Error("drain failed")
	case res.Attempted > 0:
		log.Info("drained outbox")
	default:
		log.Debug("outbox idle")
	}
}

func (d *Daemon) pull() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.ctx.Err() != nil {
		return
	}

	start := d.planner.Today()
	end := start.AddDays(d.config.WindowDays - 1)
	res, err := d.planner.Pull(d.ctx, start, end)
	d.pulls.Add(1)
	if err != nil {
		d.logger.WithError(err).WithField("transient", remote.IsTransient(err)).Warn("pull failed")
		return
	}
	d.logger.WithFields(logrus.Fields{
		"start":   start.String(),
		"end":     end.String(),
		"tasks":   res.Tasks,
		"deleted": res.Deleted,
	}).Debug("pulled window")
}

// onChange coalesces notifications into at most one pending pull.
func (d *Daemon) onChange(ev remote.ChangeEvent) {
	select {
	case d.pullCh <- struct{}{}:
	default:
	}
}

func (d *Daemon) pullLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.pullCh:
			d.pull()
		}
	}
}

func (d *Daemon) watchCache() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.WithFields(logrus.Fields{"op": ev.Op.String(), "path": ev.Path}).Debug("cache event")
			d.changeMu.Lock()
			d.lastChange = time.Now()
			d.changeMu.Unlock()
		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.WithError(err).Warn("watcher error")
		}
	}
}

// processChanges drains once cache writes have settled for the debounce
// interval.
func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.changeMu.Lock()
			settled := !d.lastChange.IsZero() && time.Since(d.lastChange) >= d.config.DebounceInterval
			if settled {
				d.lastChange = time.Time{}
			}
			d.changeMu.Unlock()
			if settled {
				d.drain("cache")
			}
		}
	}
}

// cronLogger routes cron's logging through logrus.
type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.WithFields(kv(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.WithError(err).WithFields(kv(keysAndValues)).Error("cron: " + msg)
}

func kv(keysAndValues []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
