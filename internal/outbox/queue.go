// Package outbox is the durable queue of remote writes that have not been
// confirmed yet.
//
// Writes are pushed immediately when online; only a push that fails, or one
// whose entity still has older entries queued, is enqueued. Drain replays the
// queue oldest-first, one remote call at a time, and removes an entry only
// after the remote confirmed it.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/cache"
	"github.com/mschirtzinger/dayplan/internal/identity"
	"github.com/mschirtzinger/dayplan/internal/metrics"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Store is the outbox table access the queue needs.
type Store interface {
	InsertOutbox(ctx context.Context, e *schema.OutboxEntry) (int64, error)
	ListOutbox(ctx context.Context, filter cache.OutboxFilter) ([]*schema.OutboxEntry, error)
	GetOutbox(ctx context.Context, id int64) (*schema.OutboxEntry, error)
	DeleteOutbox(ctx context.Context, id int64) error
	RecordOutboxFailure(ctx context.Context, id int64, attempts int, next *time.Time, lastErr string, dead bool) error
	ReviveOutbox(ctx context.Context, id int64) error
	HasPendingOutbox(ctx context.Context, entity schema.Entity, entityID string) (bool, error)
	OutboxStats(ctx context.Context) (cache.OutboxStats, error)
}

// Replayer performs the remote operation an entry encodes and returns the
// id the remote echoed for upserts ("" when it has none).
type Replayer interface {
	Replay(ctx context.Context, e *schema.OutboxEntry) (string, error)
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(ctx context.Context, e *schema.OutboxEntry) (string, error)

// Replay implements Replayer.
func (f ReplayFunc) Replay(ctx context.Context, e *schema.OutboxEntry) (string, error) {
	return f(ctx, e)
}

// Reconciler assigns and adopts canonical ids.
type Reconciler interface {
	Reconcile(ctx context.Context, kind schema.Entity, localID string) (string, error)
	Adopt(ctx context.Context, kind schema.Entity, sent, echoed string) (string, error)
}

// Config holds the queue's retry policy.
type Config struct {
	// MaxAttempts is how many failed replays an entry gets before it is
	// dead-lettered.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles per failure.
	BaseDelay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// PushTimeout bounds one remote call. The call does not inherit the
	// drain's cancellation.
	PushTimeout time.Duration

	Logger logrus.FieldLogger
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 10,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		PushTimeout: 15 * time.Second,
		Logger:      logrus.StandardLogger(),
	}
}

// Queue is the outbox of one session.
type Queue struct {
	store      Store
	replayer   Replayer
	reconciler Reconciler
	config     *Config
	logger     logrus.FieldLogger
	now        func() time.Time
}

// New returns a queue. A nil config uses DefaultConfig.
func New(store Store, replayer Replayer, reconciler Reconciler, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.PushTimeout <= 0 {
		config.PushTimeout = defaults.PushTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Queue{
		store:      store,
		replayer:   replayer,
		reconciler: reconciler,
		config:     config,
		logger:     config.Logger.WithField("component", "outbox"),
		now:        time.Now,
	}
}

// SetReplayer replaces the replayer. It exists for the session wiring, where
// the engine that replays is built after the queue.
func (q *Queue) SetReplayer(r Replayer) {
	q.replayer = r
}

// Enqueue appends a write for (entity, entityID). payload is stored as JSON;
// a json.RawMessage is stored as is.
func (q *Queue) Enqueue(ctx context.Context, entity schema.Entity, entityID string, op schema.Op, payload any) (*schema.OutboxEntry, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", entity, err)
		}
	}
	e := &schema.OutboxEntry{
		Entity:    entity,
		EntityID:  entityID,
		Op:        op,
		Payload:   raw,
		CreatedAt: q.now(),
	}
	if _, err := q.store.InsertOutbox(ctx, e); err != nil {
		return nil, err
	}
	q.logger.WithFields(logrus.Fields{
		"entry_id":  e.ID,
		"entity":    string(entity),
		"entity_id": entityID,
		"op":        string(op),
	}).Debug("enqueued")
	q.refreshGauges(ctx)
	return e, nil
}

// Pending reports whether writes for the key are still queued. A new write
// for a pending key must be enqueued behind them rather than pushed.
func (q *Queue) Pending(ctx context.Context, entity schema.Entity, entityID string) (bool, error) {
	return q.store.HasPendingOutbox(ctx, entity, entityID)
}

// Retry revives a dead-lettered entry.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	if err := q.store.ReviveOutbox(ctx, id); err != nil {
		return err
	}
	q.logger.WithField("entry_id", id).Info("revived dead entry")
	q.refreshGauges(ctx)
	return nil
}

// Stats returns the queue summary.
func (q *Queue) Stats(ctx context.Context) (cache.OutboxStats, error) {
	return q.store.OutboxStats(ctx)
}

// Entries lists queued entries oldest first.
func (q *Queue) Entries(ctx context.Context, filter cache.OutboxFilter) ([]*schema.OutboxEntry, error) {
	return q.store.ListOutbox(ctx, filter)
}

// Backoff returns the delay after the given number of failed attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	return Backoff(attempts, q.config.BaseDelay, q.config.MaxDelay)
}

// Backoff returns base * 2^(attempts-1), capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return min(d, max)
}

func (q *Queue) refreshGauges(ctx context.Context) {
	stats, err := q.store.OutboxStats(ctx)
	if err != nil {
		q.logger.WithError(err).Warn("failed to read outbox stats")
		return
	}
	metrics.SetOutbox(stats.Pending, stats.Dead)
}

// reconcilable entities carry their own canonical id.
func reconcilable(e schema.Entity) bool {
	switch e {
	case schema.EntityTask, schema.EntityList, schema.EntitySubtask, schema.EntityRule:
		return true
	}
	return false
}

var _ Reconciler = (*identity.Reconciler)(nil)
