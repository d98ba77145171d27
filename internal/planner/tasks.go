package planner

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/dayplan/internal/cache"
	"github.com/mschirtzinger/dayplan/internal/identity"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

// SaveTask creates or replaces a standalone task and returns it under the
// id it is stored with. A task without id gets a fresh canonical one; a
// task with a placeholder id is rekeyed before it is pushed.
func (e *Engine) SaveTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	t := task.Clone()
	now := e.now()
	if t.ID == "" {
		t.ID = identity.NewID()
	}
	if t.OwnerID == "" {
		t.OwnerID = e.owner
	}
	t.SetDefaults(now)
	t.UpdatedAt = now
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := e.checkList(ctx, t.ListID); err != nil {
		return nil, err
	}

	if err := e.db.UpsertTask(ctx, t); err != nil {
		return nil, err
	}
	id, err := e.reconcile(ctx, schema.EntityTask, t.ID)
	if err != nil {
		return nil, err
	}
	t.ID = id

	id, err = e.push(ctx, schema.EntityTask, t.ID, schema.OpUpsert, t)
	t.ID = id
	return t, err
}

func (e *Engine) checkList(ctx context.Context, listID *string) error {
	if listID == nil {
		return nil
	}
	if _, err := e.db.GetList(ctx, *listID); err != nil {
		if cache.IsNotFound(err) {
			return fmt.Errorf("%w: list %s does not exist", schema.ErrInvalid, *listID)
		}
		return err
	}
	return nil
}

// SetTaskStatus changes the status of a standalone task.
func (e *Engine) SetTaskStatus(ctx context.Context, id string, status schema.Status) (*schema.Task, error) {
	t, err := e.db.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Status = status
	return e.SaveTask(ctx, t)
}

// CompleteTask marks a standalone task done.
func (e *Engine) CompleteTask(ctx context.Context, id string) (*schema.Task, error) {
	return e.SetTaskStatus(ctx, id, schema.StatusDone)
}

// DeleteTask deletes a task and its subtasks.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	if _, err := e.db.GetTask(ctx, id); err != nil {
		return err
	}
	if err := e.db.DeleteTask(ctx, id); err != nil {
		return err
	}
	_, err := e.push(ctx, schema.EntityTask, id, schema.OpDelete, map[string]string{"id": id})
	return err
}

// SaveList creates or renames a list.
func (e *Engine) SaveList(ctx context.Context, list *schema.List) (*schema.List, error) {
	l := *list
	if l.ID == "" {
		l.ID = identity.NewID()
	}
	l.UpdatedAt = e.now()
	if existing, err := e.db.GetList(ctx, l.ID); err == nil {
		l.System = existing.System
	} else if !cache.IsNotFound(err) {
		return nil, err
	} else {
		l.System = false
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if err := e.db.UpsertList(ctx, &l); err != nil {
		return nil, err
	}
	id, err := e.reconcile(ctx, schema.EntityList, l.ID)
	if err != nil {
		return nil, err
	}
	l.ID = id
	id, err = e.push(ctx, schema.EntityList, l.ID, schema.OpUpsert, &l)
	l.ID = id
	return &l, err
}

// ListDeletion says what happens to the tasks of a deleted list.
type ListDeletion struct {
	// MoveTo receives the tasks; nil moves them to the backlog.
	MoveTo *string
	// Purge deletes the tasks instead of moving them.
	Purge bool
}

// DeleteList deletes a list after moving or purging its tasks, locally and
// then remotely. The Inbox cannot be deleted.
func (e *Engine) DeleteList(ctx context.Context, id string, how ListDeletion) (int, error) {
	list, err := e.db.GetList(ctx, id)
	if err != nil {
		return 0, err
	}
	if list.System {
		return 0, ErrSystemList
	}
	if how.MoveTo != nil {
		if *how.MoveTo == id {
			return 0, fmt.Errorf("%w: cannot move tasks into the list being deleted", schema.ErrInvalid)
		}
		if err := e.checkList(ctx, how.MoveTo); err != nil {
			return 0, err
		}
	}

	var n int
	if how.Purge {
		n, err = e.db.DeleteTasksInList(ctx, id)
	} else {
		n, err = e.db.MoveTasksToList(ctx, id, how.MoveTo, e.now())
	}
	if err != nil {
		return 0, err
	}
	if err := e.db.DeleteList(ctx, id); err != nil {
		return n, err
	}

	payload := &schema.ListMovePayload{ID: id, MoveTo: how.MoveTo, Purge: how.Purge}
	_, err = e.push(ctx, schema.EntityList, id, schema.OpDelete, payload)
	return n, err
}

// CountTasksInList counts the cached tasks of a list.
func (e *Engine) CountTasksInList(ctx context.Context, id string) (int, error) {
	return e.db.CountTasksInList(ctx, id)
}

// SaveSubtask creates or replaces a checklist item of an existing task.
func (e *Engine) SaveSubtask(ctx context.Context, sub *schema.Subtask) (*schema.Subtask, error) {
	s := *sub
	if s.ID == "" {
		s.ID = identity.NewID()
	}
	s.UpdatedAt = e.now()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.db.GetTask(ctx, s.TaskID); err != nil {
		if cache.IsNotFound(err) {
			return nil, fmt.Errorf("%w: task %s does not exist", schema.ErrInvalid, s.TaskID)
		}
		return nil, err
	}
	if err := e.db.UpsertSubtask(ctx, &s); err != nil {
		return nil, err
	}
	id, err := e.reconcile(ctx, schema.EntitySubtask, s.ID)
	if err != nil {
		return nil, err
	}
	s.ID = id
	id, err = e.push(ctx, schema.EntitySubtask, s.ID, schema.OpUpsert, &s)
	s.ID = id
	return &s, err
}

// DeleteSubtask deletes one checklist item.
func (e *Engine) DeleteSubtask(ctx context.Context, id string) error {
	if err := e.db.DeleteSubtask(ctx, id); err != nil {
		return err
	}
	_, err := e.push(ctx, schema.EntitySubtask, id, schema.OpDelete, map[string]string{"id": id})
	return err
}

// Task returns a standalone task from the cache.
func (e *Engine) Task(ctx context.Context, id string) (*schema.Task, error) {
	return e.db.GetTask(ctx, id)
}

// Lists returns every list, the system list first.
func (e *Engine) Lists(ctx context.Context) ([]*schema.List, error) {
	return e.db.ListLists(ctx)
}
