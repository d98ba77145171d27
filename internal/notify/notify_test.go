package notify

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/mschirtzinger/dayplan/internal/remote"
	"github.com/mschirtzinger/dayplan/internal/remote/remotetest"
	"github.com/mschirtzinger/dayplan/internal/schema"
)

func TestListener_RefCounting(t *testing.T) {
	fake := remotetest.New()
	logger, _ := test.NewNullLogger()
	l := New(fake, logger)
	ctx := context.Background()

	var a, b int
	unsubA, err := l.Subscribe(ctx, func(remote.ChangeEvent) { a++ })
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	unsubB, _ := l.Subscribe(ctx, func(remote.ChangeEvent) { b++ })

	if got := fake.CallCount("SubscribeChanges"); got != 1 {
		t.Errorf("remote subscriptions = %d, want 1", got)
	}

	_ = fake.Publish(ctx, remote.ChangeEvent{Table: remote.TableTasks, Op: schema.OpUpsert, ID: "t"})
	unsubA()
	unsubA()
	if fake.Subscribers() != 1 {
		t.Errorf("remote subscription closed while a subscriber remains")
	}
	_ = fake.Publish(ctx, remote.ChangeEvent{Table: remote.TableOverrides, Op: schema.OpUpsert, ID: "o"})
	unsubB()

	if a != 1 || b != 2 {
		t.Errorf("deliveries a=%d b=%d, want 1 and 2", a, b)
	}
	if fake.Subscribers() != 0 || l.Refs() != 0 {
		t.Errorf("subscription still open after the last unsubscribe")
	}

	// a new subscriber reopens it
	unsub, _ := l.Subscribe(ctx, func(remote.ChangeEvent) {})
	defer unsub()
	if got := fake.CallCount("SubscribeChanges"); got != 2 {
		t.Errorf("remote subscriptions = %d, want 2", got)
	}
}

func TestListener_IgnoresOtherTables(t *testing.T) {
	fake := remotetest.New()
	l := New(fake, nil)
	ctx := context.Background()

	n := 0
	unsub, _ := l.Subscribe(ctx, func(remote.ChangeEvent) { n++ })
	defer unsub()

	_ = fake.Publish(ctx, remote.ChangeEvent{Table: remote.TableLists, ID: "l"})
	_ = fake.Publish(ctx, remote.ChangeEvent{Table: remote.TableRules, ID: "r"})
	if n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
}

func TestListener_SubscribeOffline(t *testing.T) {
	fake := remotetest.New()
	fake.SetOffline(true)
	l := New(fake, nil)

	if _, err := l.Subscribe(context.Background(), func(remote.ChangeEvent) {}); err == nil {
		t.Fatal("Subscribe() succeeded while offline")
	}
	if l.Refs() != 0 {
		t.Errorf("failed subscribe left %d refs", l.Refs())
	}
}

// flushingSource delivers one last event while it closes, and close waits
// for that delivery, like a client that drains its dispatch loop.
type flushingSource struct {
	onChange func(remote.ChangeEvent)
}

func (s *flushingSource) SubscribeChanges(_ context.Context, onChange func(remote.ChangeEvent)) (func(), error) {
	s.onChange = onChange
	return func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.onChange(remote.ChangeEvent{Table: remote.TableTasks, Op: schema.OpUpsert, ID: "late"})
		}()
		<-done
	}, nil
}

func TestListener_UnsubscribeWaitsForDispatch(t *testing.T) {
	logger, _ := test.NewNullLogger()
	l := New(&flushingSource{}, logger)

	unsub, err := l.Subscribe(context.Background(), func(remote.ChangeEvent) {})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		unsub()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("unsubscribe deadlocked against an in-flight dispatch")
	}
	if l.Refs() != 0 {
		t.Errorf("Refs() = %d after unsubscribe", l.Refs())
	}
}
