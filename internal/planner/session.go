package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/cache"
	"github.com/mschirtzinger/dayplan/internal/identity"
	"github.com/mschirtzinger/dayplan/internal/notify"
	"github.com/mschirtzinger/dayplan/internal/outbox"
	"github.com/mschirtzinger/dayplan/internal/remote"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Config configures a Session.
type Config struct {
	// CachePath is the local cache database file.
	CachePath string
	// Remote is the remote store and its change feed. The session does not
	// close it.
	Remote remote.Client
	Engine Options
	// Outbox is the retry policy; nil uses outbox.DefaultConfig.
	Outbox *outbox.Config
	// NoSubscribe skips the change subscription at open.
	NoSubscribe bool
	Logger      logrus.FieldLogger
}

// Session is the process-wide planner context: one cache, one outbox, one
// reconciler, one change listener and the engine that uses them.
type Session struct {
	db       *cache.DB
	queue    *outbox.Queue
	engine   *Engine
	listener *notify.Listener
	logger   logrus.FieldLogger

	mu          sync.Mutex
	unsubscribe func()
}

// Open opens the cache, runs its migrations and wires the session. A
// remote that is unreachable is not an error: the Inbox is queued and the
// change subscription can be retried with Subscribe.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Remote == nil {
		return nil, errors.New("planner: a remote client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}
	if cfg.Outbox == nil {
		cfg.Outbox = outbox.DefaultConfig()
	}
	if cfg.Outbox.Logger == nil {
		cfg.Outbox.Logger = cfg.Logger
	}

	db, err := cache.Open(cfg.CachePath, cfg.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate cache: %w", err)
	}

	reconciler := identity.New(db, cfg.Logger)
	queue := outbox.New(db, nil, reconciler, cfg.Outbox)
	engine := NewEngine(db, cfg.Remote, queue, reconciler, cfg.Engine)
	queue.SetReplayer(engine)

	s := &Session{
		db:       db,
		queue:    queue,
		engine:   engine,
		listener: notify.New(cfg.Remote, cfg.Logger),
		logger:   cfg.Logger.WithField("component", "session"),
	}

	if _, err := engine.EnsureInbox(ctx); err != nil && !IsQueued(err) {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create inbox: %w", err)
	}
	if cfg.NoSubscribe {
		return s, nil
	}
	if err := s.Subscribe(ctx); err != nil {
		s.logger.WithError(err).Warn("change feed unavailable; window reads may be stale")
	}
	return s, nil
}

// Engine returns the session's engine.
func (s *Session) Engine() *Engine { return s.engine }

// Queue returns the session's outbox queue.
func (s *Session) Queue() *outbox.Queue { return s.queue }

// DB returns the session's cache.
func (s *Session) DB() *cache.DB { return s.db }

// Listener returns the session's change listener.
func (s *Session) Listener() *notify.Listener { return s.listener }

// Subscribe opens the change subscription that invalidates window reads.
// It is a no-op while subscribed.
func (s *Session) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return nil
	}
	unsubscribe, err := s.listener.Subscribe(ctx, s.engine.onChange)
	if err != nil {
		return err
	}
	s.unsubscribe = unsubscribe
	return nil
}

// Subscribed reports whether the change subscription is open.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribe != nil
}

// Drain replays up to maxBatch queued writes (0 for all ready entries).
func (s *Session) Drain(ctx context.Context, maxBatch int) (outbox.DrainResult, error) {
	res, err := s.queue.Drain(ctx, maxBatch)
	if res.Succeeded > 0 {
		s.engine.Invalidate()
	}
	return res, err
}

// Sync drains the outbox and then pulls [start, end] from the remote. The
// pull runs even when some entries stay queued.
func (s *Session) Sync(ctx context.Context, start, end schema.Date) (outbox.DrainResult, PullResult, error) {
	drained, err := s.Drain(ctx, 0)
	if err != nil {
		return drained, PullResult{}, err
	}
	pulled, err := s.engine.Pull(ctx, start, end)
	return drained, pulled, err
}

// Pull refreshes [start, end] from the remote.
func (s *Session) Pull(ctx context.Context, start, end schema.Date) (PullResult, error) {
	return s.engine.Pull(ctx, start, end)
}

// Today returns the current date in the session's time zone.
func (s *Session) Today() schema.Date { return s.engine.Today() }

// Watch registers an extra change handler on the session's listener.
func (s *Session) Watch(ctx context.Context, onChange func(remote.ChangeEvent)) (func(), error) {
	return s.listener.Subscribe(ctx, onChange)
}

// Close unsubscribes and closes the cache.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}
