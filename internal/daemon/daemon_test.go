package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mschirtzinger/dayplan/internal/outbox"
	"github.com/mschirtzinger/dayplan/internal/planner"
	"github.com/mschirtzinger/dayplan/internal/remote"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// fakePlanner counts the daemon's calls.
type fakePlanner struct {
	mu       sync.Mutex
	drains   int
	pulls    []schema.Date
	onChange func(remote.ChangeEvent)
	watchErr error
	watches  int
}

func (p *fakePlanner) Drain(context.Context, int) (outbox.DrainResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drains++
	return outbox.DrainResult{}, nil
}

func (p *fakePlanner) Pull(_ context.Context, start, _ schema.Date) (planner.PullResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulls = append(p.pulls, start)
	return planner.PullResult{}, nil
}

func (p *fakePlanner) Today() schema.Date { return schema.MustDate("2024-01-01") }

func (p *fakePlanner) Watch(_ context.Context, fn func(remote.ChangeEvent)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watches++
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	p.onChange = fn
	return func() {
		p.mu.Lock()
		p.onChange = nil
		p.mu.Unlock()
	}, nil
}

func (p *fakePlanner) counts() (drains, pulls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drains, len(p.pulls)
}

func (p *fakePlanner) notify(ev remote.ChangeEvent) bool {
	p.mu.Lock()
	fn := p.onChange
	p.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

func testConfig() *Config {
	logger, _ := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.Logger = logger
	cfg.Location = time.UTC
	cfg.DebounceInterval = 20 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startDaemon(t *testing.T, p Planner, cfg *Config) *Daemon {
	t.Helper()
	d, err := New(p, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Start() returned %v", err)
		}
	})
	return d
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		planner  Planner
		schedule string
		wantErr  bool
	}{
		{name: "defaults", planner: &fakePlanner{}},
		{name: "nil planner", planner: nil, wantErr: true},
		{name: "cron spec", planner: &fakePlanner{}, schedule: "*/5 * * * *"},
		{name: "bad schedule", planner: &fakePlanner{}, schedule: "every now and then", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.DrainSchedule = tt.schedule
			d, err := New(tt.planner, cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				d.Stop()
			}
		})
	}
}

func TestDaemon_InitialSync(t *testing.T) {
	p := &fakePlanner{}
	d := startDaemon(t, p, testConfig())

	waitFor(t, "initial drain and pull", func() bool {
		drains, pulls := p.counts()
		return drains >= 1 && pulls >= 1
	})
	p.mu.Lock()
	first := p.pulls[0]
	p.mu.Unlock()
	if first != schema.MustDate("2024-01-01") {
		t.Errorf("pull started at %s, want today", first)
	}
	if s := d.Stats(); s.Drains < 1 || s.Pulls < 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestDaemon_PullsOnChange(t *testing.T) {
	p := &fakePlanner{}
	startDaemon(t, p, testConfig())

	waitFor(t, "subscription", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.onChange != nil
	})
	_, before := p.counts()
	if !p.notify(remote.ChangeEvent{Table: remote.TableTasks, Op: schema.OpUpsert}) {
		t.Fatal("no change handler registered")
	}
	waitFor(t, "pull after change", func() bool {
		_, pulls := p.counts()
		return pulls > before
	})
}

func TestDaemon_DrainsAfterCacheWrite(t *testing.T) {
	p := &fakePlanner{}
	cfg := testConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache.db")
	if err := os.WriteFile(cfg.CachePath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	d := startDaemon(t, p, cfg)

	waitFor(t, "watcher", func() bool { return d.watcher.IsRunning() })
	before, _ := p.counts()

	if err := os.WriteFile(cfg.CachePath+"-wal", []byte("frame"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "debounced drain", func() bool {
		drains, _ := p.counts()
		return drains > before
	})
}

func TestDaemon_OfflineFeedIsNotFatal(t *testing.T) {
	p := &fakePlanner{watchErr: remote.ErrUnavailable}
	d := startDaemon(t, p, testConfig())

	waitFor(t, "initial sync", func() bool {
		drains, _ := p.counts()
		return drains >= 1
	})
	p.mu.Lock()
	p.watchErr = nil
	p.mu.Unlock()

	d.scheduled()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watches < 2 || p.onChange == nil {
		t.Errorf("scheduled drain did not resubscribe (watches=%d)", p.watches)
	}
}
