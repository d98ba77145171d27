package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/cache"
	"github.com/mschirtzinger/dayplan/internal/identity"
	"github.com/mschirtzinger/dayplan/internal/metrics"
	"github.com/mschirtzinger/dayplan/internal/outbox"
	"github.com/mschirtzinger/dayplan/internal/remote"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// Options configures an Engine.
type Options struct {
	// OwnerID is stamped on new tasks and rules.
	OwnerID string
	// Location resolves calendar days and rule clocks (default time.Local).
	Location *time.Location
	// PushTimeout bounds one immediate remote write (default 15s).
	PushTimeout time.Duration
	Logger      logrus.FieldLogger
}

// Engine runs every mutation through the same path: validate, assign a
// canonical id, commit to the cache, then push to the remote immediately.
// A push that fails, or that would overtake older queued writes of the same
// entity, is enqueued and reported as ErrQueued.
type Engine struct {
	db         *cache.DB
	remote     remote.Store
	queue      *outbox.Queue
	reconciler *identity.Reconciler
	window     *WindowCache

	owner       string
	loc         *time.Location
	pushTimeout time.Duration
	logger      logrus.FieldLogger
	now         func() time.Time
}

// NewEngine wires an engine. The queue must replay through the engine; see
// Session for the usual wiring.
func NewEngine(db *cache.DB, store remote.Store, queue *outbox.Queue, reconciler *identity.Reconciler, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Engine{
		db:          db,
		remote:      store,
		queue:       queue,
		reconciler:  reconciler,
		window:      NewWindowCache(),
		owner:       opts.OwnerID,
		loc:         opts.Location,
		pushTimeout: opts.PushTimeout,
		logger:      opts.Logger.WithField("component", "planner"),
		now:         time.Now,
	}
}

// Location returns the engine's time zone.
func (e *Engine) Location() *time.Location { return e.loc }

// Today returns the current date in the engine's time zone.
func (e *Engine) Today() schema.Date { return schema.DateOf(e.now().In(e.loc)) }

// Invalidate drops cached window reads.
func (e *Engine) Invalidate() { e.window.Invalidate() }

// inboxSpace derives the Inbox id from the owner so every device of one
// owner creates the same system list.
var inboxSpace = uuid.MustParse("2b4f8f6c-1d3e-4c5a-9b7d-6e8f0a1b2c3d")

func inboxID(owner string) string {
	return uuid.NewSHA1(inboxSpace, []byte("inbox:"+owner)).String()
}

// EnsureInbox creates the system list when the cache has none.
func (e *Engine) EnsureInbox(ctx context.Context) (*schema.List, error) {
	list, err := e.db.SystemList(ctx)
	if err == nil {
		return list, nil
	}
	if !cache.IsNotFound(err) {
		return nil, err
	}
	list = &schema.List{ID: inboxID(e.owner), Name: schema.InboxName, System: true, UpdatedAt: e.now()}
	if err := e.db.UpsertList(ctx, list); err != nil {
		return nil, err
	}
	_, err = e.push(ctx, schema.EntityList, list.ID, schema.OpUpsert, list)
	return list, err
}

// parent returns the key whose queued writes must replay before a write of
// (entity, id).
func (e *Engine) parent(entity schema.Entity, id string, payload any) (schema.Entity, string) {
	switch entity {
	case schema.EntityRuleActive:
		return schema.EntityRule, id
	case schema.EntityOverride:
		if ruleID, _, err := schema.ParseOverrideKey(id); err == nil {
			return schema.EntityRule, ruleID
		}
	case schema.EntitySubtask:
		if sub, ok := payload.(*schema.Subtask); ok {
			return schema.EntityTask, sub.TaskID
		}
	case schema.EntityTask:
		if t, ok := payload.(*schema.Task); ok && t.ListID != nil {
			return schema.EntityList, *t.ListID
		}
	case schema.EntityRule:
		if r, ok := payload.(*schema.Rule); ok && r.ListID != nil {
			return schema.EntityList, *r.ListID
		}
	}
	return "", ""
}

// push sends one committed write to the remote. It returns the id the
// entity ends up under, which differs from id when the remote echoed a
// different one.
func (e *Engine) push(ctx context.Context, entity schema.Entity, id string, op schema.Op, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return id, fmt.Errorf("failed to encode %s payload: %w", entity, err)
	}
	e.window.Invalidate()

	behind, err := e.queue.Pending(ctx, entity, id)
	if err != nil {
		return id, err
	}
	if pe, pid := e.parent(entity, id, payload); !behind && pe != "" {
		if behind, err = e.queue.Pending(ctx, pe, pid); err != nil {
			return id, err
		}
	}
	if behind {
		return id, e.enqueue(ctx, entity, id, op, raw, errBehindQueue)
	}

	entry := &schema.OutboxEntry{Entity: entity, EntityID: id, Op: op, Payload: raw, CreatedAt: e.now()}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.pushTimeout)
	start := time.Now()
	echoed, err := e.Replay(pushCtx, entry)
	cancel()
	metrics.ObservePush(string(entity), string(op), start)
	if err != nil {
		return id, e.enqueue(ctx, entity, id, op, raw, err)
	}

	if op == schema.OpUpsert && echoed != "" && echoed != id {
		adopted, err := e.reconciler.Adopt(ctx, entity, id, echoed)
		if err != nil {
			return id, err
		}
		id = adopted
	}
	return id, nil
}

func (e *Engine) enqueue(ctx context.Context, entity schema.Entity, id string, op schema.Op, raw json.RawMessage, cause error) error {
	entry, err := e.queue.Enqueue(ctx, entity, id, op, raw)
	if err != nil {
		return fmt.Errorf("remote write failed (%v) and could not be queued: %w", cause, err)
	}
	log := e.logger.WithFields(logrus.Fields{
		"entity":    string(entity),
		"entity_id": id,
		"op":        string(op),
		"entry_id":  entry.ID,
	})
	if cause == errBehindQueue {
		log.Debug("queued behind earlier writes")
	} else {
		log.WithError(cause).WithField("transient", remote.IsTransient(cause)).Warn("remote write queued")
	}
	return &QueuedError{Entity: entity, ID: id, EntryID: entry.ID, Err: cause}
}

// reconcile gives a locally committed row a canonical id before it is
// pushed. Ids the remote confirmed are kept.
func (e *Engine) reconcile(ctx context.Context, entity schema.Entity, id string) (string, error) {
	return e.reconciler.Reconcile(ctx, entity, id)
}

// Replay performs the remote call an outbox entry encodes. It is the
// replayer of the session's queue and the immediate push of every edit, so
// both paths make the same remote calls.
func (e *Engine) Replay(ctx context.Context, entry *schema.OutboxEntry) (string, error) {
	switch entry.Entity {
	case schema.EntityTask:
		if entry.Op == schema.OpDelete {
			return "", e.remote.DeleteTask(ctx, entry.EntityID)
		}
		var task schema.Task
		if err := decode(entry, &task); err != nil {
			return "", err
		}
		return e.remote.UpsertTask(ctx, &task)

	case schema.EntityList:
		if entry.Op == schema.OpDelete {
			var move schema.ListMovePayload
			if err := decode(entry, &move); err != nil {
				return "", err
			}
			return "", e.replayListDelete(ctx, entry.EntityID, &move)
		}
		var list schema.List
		if err := decode(entry, &list); err != nil {
			return "", err
		}
		return e.remote.UpsertList(ctx, &list)

	case schema.EntitySubtask:
		if entry.Op == schema.OpDelete {
			return "", e.remote.DeleteSubtask(ctx, entry.EntityID)
		}
		var sub schema.Subtask
		if err := decode(entry, &sub); err != nil {
			return "", err
		}
		return e.remote.UpsertSubtask(ctx, &sub)

	case schema.EntityRule:
		var rule schema.Rule
		if err := decode(entry, &rule); err != nil {
			return "", err
		}
		res, err := e.remote.UpsertRecurrenceRule(ctx, &rule)
		if err != nil {
			return "", err
		}
		if err := e.linkTemplate(context.WithoutCancel(ctx), entry.EntityID, res); err != nil {
			e.logger.WithError(err).WithField("rule_id", entry.EntityID).Warn("failed to link template task")
		}
		return res.ID, nil

	case schema.EntityRuleActive:
		var active schema.ActivePayload
		if err := decode(entry, &active); err != nil {
			return "", err
		}
		return "", e.remote.SetRuleActive(ctx, entry.EntityID, active.Active)

	case schema.EntityOverride:
		var patch schema.OverridePatch
		if err := decode(entry, &patch); err != nil {
			return "", err
		}
		return "", e.remote.UpsertOverride(ctx, &patch)
	}
	return "", fmt.Errorf("%w: cannot replay entity %q", schema.ErrInvalid, entry.Entity)
}

func decode(entry *schema.OutboxEntry, v any) error {
	if err := json.Unmarshal(entry.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload in entry %d: %v", schema.ErrInvalid, entry.Entity, entry.ID, err)
	}
	return nil
}

// replayListDelete moves or purges the list's remote tasks before deleting
// the list itself. Every step is idempotent, so a partially replayed entry
// can run again.
func (e *Engine) replayListDelete(ctx context.Context, listID string, move *schema.ListMovePayload) error {
	n, err := e.remote.CountTasksInList(ctx, listID)
	if err != nil {
		return err
	}
	if n > 0 {
		if move.Purge {
			_, err = e.remote.DeleteTasksInList(ctx, listID)
		} else {
			_, err = e.remote.MoveTasksToList(ctx, listID, move.MoveTo)
		}
		if err != nil {
			return err
		}
	}
	return e.remote.DeleteList(ctx, listID)
}

// linkTemplate records the template task the remote created for a rule.
func (e *Engine) linkTemplate(ctx context.Context, ruleID string, res remote.RuleResult) error {
	if res.TemplateTaskID == nil {
		return nil
	}
	rule, err := e.db.GetRule(ctx, ruleID)
	if cache.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if rule.TemplateTaskID != nil && *rule.TemplateTaskID == *res.TemplateTaskID {
		return nil
	}
	rule.TemplateTaskID = schema.Ptr(*res.TemplateTaskID)
	if err := e.db.UpsertTask(ctx, projectTemplate(rule, nil, e.now(), e.loc)); err != nil {
		return err
	}
	return e.db.UpsertRule(ctx, rule)
}

// projectTemplate copies the rule's displayed defaults onto its template
// task. Fields the rule does not carry keep their template values. The
// rule's planned clocks are placed on the template's day, or on the series
// start when the template has none.
func projectTemplate(rule *schema.Rule, template *schema.Task, now time.Time, loc *time.Location) *schema.Task {
	t := &schema.Task{Status: schema.StatusTodo}
	if template != nil {
		t = template.Clone()
	}
	day, ok := t.Day(loc)
	if !ok {
		day = rule.Start
	}
	t.PlannedStart, t.PlannedEnd = nil, nil
	if rule.PlannedStart != nil {
		t.PlannedStart = schema.Ptr(day.At(*rule.PlannedStart, loc))
	}
	if rule.PlannedEnd != nil {
		t.PlannedEnd = schema.Ptr(day.At(*rule.PlannedEnd, loc))
	}
	t.ID = *rule.TemplateTaskID
	t.OwnerID = rule.OwnerID
	t.ListID = rule.ListID
	t.Title = rule.Title
	t.Notes = rule.Notes
	t.EstimateMinutes = rule.EstimateMinutes
	t.Priority = rule.Priority
	t.UpdatedAt = now
	return t
}
