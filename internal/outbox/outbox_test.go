package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/dayplan/internal/cache"
	"github.com/mschirtzinger/dayplan/internal/identity"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

var errOffline = errors.New("connection refused")

// fakeRemote records replays and answers from a script.
type fakeRemote struct {
	replayed []*schema.OutboxEntry
	// fail makes replays of the listed entity ids fail
	fail map[string]bool
	// echo maps sent ids to the id the remote returns
	echo map[string]string
}

func (f *fakeRemote) Replay(_ context.Context, e *schema.OutboxEntry) (string, error) {
	copied := *e
	f.replayed = append(f.replayed, &copied)
	if f.fail[e.EntityID] {
		return "", errOffline
	}
	if id, ok := f.echo[e.EntityID]; ok {
		return id, nil
	}
	return e.EntityID, nil
}

type fixture struct {
	db     *cache.DB
	queue  *Queue
	remote *fakeRemote
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	f := &fixture{
		db:     db,
		remote: &fakeRemote{fail: map[string]bool{}, echo: map[string]string{}},
		clock:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := DefaultConfig()
	cfg.Logger = logger
	cfg.MaxAttempts = 3
	f.queue = New(db, f.remote, identity.New(db, logger), cfg)
	f.queue.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) seedTask(t *testing.T, id, title string) *schema.Task {
	t.Helper()
	task := &schema.Task{ID: id, Title: title, Status: schema.StatusTodo, Priority: 1, UpdatedAt: f.clock}
	require.NoError(t, f.db.UpsertTask(context.Background(), task))
	return task
}

func (f *fixture) enqueueTask(t *testing.T, task *schema.Task) *schema.OutboxEntry {
	t.Helper()
	e, err := f.queue.Enqueue(context.Background(), schema.EntityTask, task.ID, schema.OpUpsert, task)
	require.NoError(t, err)
	return e
}

func TestDrain_RemovesConfirmedEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTask(t, identity.NewID(), "Buy milk")
	f.enqueueTask(t, task)

	result, err := f.queue.Drain(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, result.Remaining)
	entries, _ := f.db.ListOutbox(ctx, cache.OutboxFilter{IncludeDead: true})
	assert.Empty(t, entries)

	require.Len(t, f.remote.replayed, 1)
	var pushed schema.Task
	require.NoError(t, json.Unmarshal(f.remote.replayed[0].Payload, &pushed))
	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, pushed.Title, got.Title)
	assert.Equal(t, pushed.Priority, got.Priority)
}

func TestDrain_ReconcilesAndAdoptsEchoedID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTask(t, "tmp-1", "Buy milk")
	f.enqueueTask(t, task)

	// the remote normalizes whatever canonical id it is sent to abc-123
	f.queue.replayer = ReplayFunc(func(ctx context.Context, e *schema.OutboxEntry) (string, error) {
		f.remote.replayed = append(f.remote.replayed, e)
		return "abc-123", nil
	})

	result, err := f.queue.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	require.Len(t, f.remote.replayed, 1)
	sent := f.remote.replayed[0]
	assert.True(t, identity.IsCanonical(sent.EntityID), "placeholder id must be reconciled before the push")
	assert.JSONEq(t, `"`+sent.EntityID+`"`, string(mustField(t, sent.Payload, "id")))

	_, err = f.db.GetTask(ctx, "tmp-1")
	assert.True(t, cache.IsNotFound(err), "no row may remain under tmp-1")
	_, err = f.db.GetTask(ctx, sent.EntityID)
	assert.True(t, cache.IsNotFound(err), "no row may remain under the intermediate id")

	got, err := f.db.GetTask(ctx, "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", got.Title)
	assert.Equal(t, 1, got.Priority)
	assert.True(t, got.UpdatedAt.Equal(task.UpdatedAt))

	all, _ := f.db.ListTasks(ctx, cache.TaskFilter{})
	assert.Len(t, all, 1)
}

func mustField(t *testing.T, payload []byte, key string) json.RawMessage {
	t.Helper()
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &obj))
	return obj[key]
}

func TestDrain_FailureKeepsEntryAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seedTask(t, identity.NewID(), "A")
	b := f.seedTask(t, identity.NewID(), "B")

	first := f.enqueueTask(t, a)
	f.enqueueTask(t, b)
	a.Title = "A edited"
	f.enqueueTask(t, a)
	f.remote.fail[a.ID] = true

	result, err := f.queue.Drain(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped, "the second write of A must wait behind the first")
	assert.Equal(t, 2, result.Remaining)

	failed, err := f.db.GetOutbox(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, errOffline.Error(), failed.LastError)
	require.NotNil(t, failed.NextAttemptAt)
	assert.True(t, failed.NextAttemptAt.Equal(f.clock.Add(2*time.Second)))

	// still backing off: nothing is attempted
	f.remote.fail[a.ID] = false
	result, err = f.queue.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted)
	assert.Equal(t, 2, result.Skipped)

	f.clock = f.clock.Add(3 * time.Second)
	result, err = f.queue.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 0, result.Remaining)

	n := len(f.remote.replayed)
	require.GreaterOrEqual(t, n, 2)
	var last schema.Task
	require.NoError(t, json.Unmarshal(f.remote.replayed[n-1].Payload, &last))
	assert.Equal(t, "A edited", last.Title, "writes of one entity replay in creation order")
}

func TestDrain_DeadLetterAndRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTask(t, identity.NewID(), "Flaky")
	e := f.enqueueTask(t, task)
	f.remote.fail[task.ID] = true

	for i := 0; i < 3; i++ {
		_, err := f.queue.Drain(ctx, 0)
		require.NoError(t, err)
		f.clock = f.clock.Add(10 * time.Minute)
	}

	dead, err := f.db.GetOutbox(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, dead.Dead)
	assert.Equal(t, 3, dead.Attempts)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Dead)

	result, err := f.queue.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted, "dead entries are not replayed")

	pending, err := f.queue.Pending(ctx, schema.EntityTask, task.ID)
	require.NoError(t, err)
	assert.True(t, pending, "a dead entry still holds its key")

	require.NoError(t, f.queue.Retry(ctx, e.ID))
	f.remote.fail[task.ID] = false
	result, err = f.queue.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
}

func TestDrain_DeadEntryBlocksKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTask(t, identity.NewID(), "old title")
	first := f.enqueueTask(t, task)
	f.remote.fail[task.ID] = true

	for i := 0; i < 3; i++ {
		_, err := f.queue.Drain(ctx, 0)
		require.NoError(t, err)
		f.clock = f.clock.Add(10 * time.Minute)
	}
	dead, err := f.db.GetOutbox(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, dead.Dead)

	task.Title = "new title"
	f.enqueueTask(t, task)
	f.remote.fail[task.ID] = false
	f.remote.replayed = nil

	result, err := f.queue.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Attempted, "a newer write may not overtake a dead one")
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Remaining)
	assert.Empty(t, f.remote.replayed)

	require.NoError(t, f.queue.Retry(ctx, first.ID))
	result, err = f.queue.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)

	require.Len(t, f.remote.replayed, 2)
	var titles []string
	for _, e := range f.remote.replayed {
		var pushed schema.Task
		require.NoError(t, json.Unmarshal(e.Payload, &pushed))
		titles = append(titles, pushed.Title)
	}
	assert.Equal(t, []string{"old title", "new title"}, titles)
}

func TestDrain_MaxBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, title := range []string{"one", "two", "three"} {
		f.enqueueTask(t, f.seedTask(t, identity.NewID(), title))
	}

	result, err := f.queue.Drain(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Remaining)
}

func TestDrain_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.enqueueTask(t, f.seedTask(t, identity.NewID(), "one"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.queue.Drain(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.Attempted)
}

func TestEnqueue_RawPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.queue.Enqueue(ctx, schema.EntityRuleActive, "rule-1", schema.OpUpsert,
		json.RawMessage(`{"id":"rule-1","active":false}`))
	require.NoError(t, err)

	stored, err := f.db.GetOutbox(ctx, e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"rule-1","active":false}`, string(stored.Payload))
	assert.True(t, stored.CreatedAt.Equal(f.clock))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts, 2*time.Second, 5*time.Minute), "attempts=%d", tt.attempts)
	}
}
