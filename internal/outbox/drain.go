package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/cache"
	"github.com/mschirtzinger/dayplan/internal/identity"
	"github.com/mschirtzinger/dayplan/internal/metrics"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// DrainResult counts what one Drain pass did.
type DrainResult struct {
	Attempted    int
	Succeeded    int
	Failed       int
	DeadLettered int
	// Skipped entries were backing off or queued behind an entry of the same
	// key that did not replay in this pass.
	Skipped int
	// Remaining is the number of live entries left after the pass.
	Remaining int
}

func (r DrainResult) String() string {
	return fmt.Sprintf("attempted=%d succeeded=%d failed=%d dead=%d skipped=%d remaining=%d",
		r.Attempted, r.Succeeded, r.Failed, r.DeadLettered, r.Skipped, r.Remaining)
}

// Drain replays up to maxBatch ready entries (0 = no limit) oldest first.
//
// Entries are replayed strictly one at a time. Before an upsert whose id is
// not canonical, the id is reconciled. A confirmed entry is deleted and the
// id echoed by the remote is adopted. A failed entry records the error and
// its next attempt time, and every later entry of the same key is skipped
// for this pass so writes of one entity never replay out of order; other
// keys continue. A dead-lettered entry blocks its key until it is retried
// or discarded. Cancelling ctx stops the pass between entries, never during
// a remote call.
func (q *Queue) Drain(ctx context.Context, maxBatch int) (DrainResult, error) {
	var result DrainResult
	if q.replayer == nil {
		return result, errors.New("outbox has no replayer")
	}

	entries, err := q.store.ListOutbox(ctx, cache.OutboxFilter{IncludeDead: true})
	if err != nil {
		return result, err
	}
	defer q.refreshGauges(context.WithoutCancel(ctx))

	blocked := make(map[string]bool)
	for _, queued := range entries {
		if queued.Dead {
			blocked[queued.Key()] = true
			continue
		}
		if ctx.Err() != nil || (maxBatch > 0 && result.Attempted >= maxBatch) {
			break
		}

		// reload: an earlier replay may have rekeyed this entry
		e, err := q.store.GetOutbox(ctx, queued.ID)
		if cache.IsNotFound(err) {
			continue
		}
		if err != nil {
			return result, err
		}

		if blocked[e.Key()] || !e.Ready(q.now()) {
			blocked[e.Key()] = true
			result.Skipped++
			continue
		}

		result.Attempted++
		if replayed, err := q.replayOne(ctx, e); err != nil {
			blocked[e.Key()] = true
			blocked[replayed.Key()] = true
			dead, recErr := q.recordFailure(ctx, replayed, err)
			if recErr != nil {
				return result, recErr
			}
			if dead {
				result.DeadLettered++
			} else {
				result.Failed++
			}
			continue
		}
		result.Succeeded++
	}

	if stats, err := q.store.OutboxStats(context.WithoutCancel(ctx)); err == nil {
		result.Remaining = stats.Pending
	}

	if result.Attempted > 0 {
		q.logger.WithFields(logrus.Fields{
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"dead":      result.DeadLettered,
			"skipped":   result.Skipped,
		}).Info("drain complete")
	}
	return result, ctx.Err()
}

// replayOne pushes e and, on success, deletes it and adopts the echoed id.
// It returns the entry as replayed, which carries the reconciled id when the
// entry was rekeyed first.
func (q *Queue) replayOne(ctx context.Context, e *schema.OutboxEntry) (*schema.OutboxEntry, error) {
	if e.Op == schema.OpUpsert && reconcilable(e.Entity) && !identity.IsCanonical(e.EntityID) {
		canonical, err := q.reconciler.Reconcile(ctx, e.Entity, e.EntityID)
		if err != nil {
			return e, err
		}
		if canonical != e.EntityID {
			reloaded, err := q.store.GetOutbox(ctx, e.ID)
			if err != nil {
				return e, fmt.Errorf("failed to reload entry after reconciling %s: %w", canonical, err)
			}
			e = reloaded
		}
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.config.PushTimeout)
	start := time.Now()
	echoed, err := q.replayer.Replay(pushCtx, e)
	cancel()
	metrics.ObservePush(string(e.Entity), string(e.Op), start)
	if err != nil {
		return e, err
	}

	if err := q.store.DeleteOutbox(ctx, e.ID); err != nil {
		return e, err
	}
	metrics.OutboxReplays.WithLabelValues(string(e.Entity), metrics.ResultSucceeded).Inc()

	if e.Op == schema.OpUpsert && reconcilable(e.Entity) && echoed != "" && echoed != e.EntityID {
		if _, err := q.reconciler.Adopt(ctx, e.Entity, e.EntityID, echoed); err != nil {
			// the write is confirmed; the local row keeps the sent id
			q.logger.WithError(err).WithField("entity_id", e.EntityID).Error("failed to adopt remote id")
		}
	}
	q.logger.WithFields(logrus.Fields{
		"entry_id":  e.ID,
		"entity":    string(e.Entity),
		"entity_id": e.EntityID,
		"op":        string(e.Op),
	}).Debug("replayed")
	return e, nil
}

func (q *Queue) recordFailure(ctx context.Context, e *schema.OutboxEntry, cause error) (bool, error) {
	attempts := e.Attempts + 1
	dead := attempts >= q.config.MaxAttempts
	var next *time.Time
	if !dead {
		t := q.now().Add(q.Backoff(attempts))
		next = &t
	}

	if err := q.store.RecordOutboxFailure(context.WithoutCancel(ctx), e.ID, attempts, next, cause.Error(), dead); err != nil {
		return false, err
	}

	result := metrics.ResultFailed
	if dead {
		result = metrics.ResultDead
	}
	metrics.OutboxReplays.WithLabelValues(string(e.Entity), result).Inc()

	log := q.logger.WithError(cause).WithFields(logrus.Fields{
		"entry_id":  e.ID,
		"entity":    string(e.Entity),
		"entity_id": e.EntityID,
		"op":        string(e.Op),
		"attempts":  attempts,
	})
	if dead {
		log.Error("replay failed; entry dead-lettered")
	} else {
		log.WithField("next_attempt_at", next.Format(time.RFC3339)).Warn("replay failed; will retry")
	}
	return dead, nil
}
