// Package notify shares one remote change subscription among every
// in-process subscriber.
//
// The first Subscribe opens the remote subscription and the last
// unsubscribe closes it. Handlers fire for changes to tasks, recurrence
// rules and overrides of any origin, this session's own writes included.
package notify

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mschirtzinger/dayplan/internal/metrics"
	"github.com/mschirtzinger/dayplan/internal/remote"
)

// watched are the tables whose changes are delivered.
var watched = map[string]bool{
	remote.TableTasks:     true,
	remote.TableRules:     true,
	remote.TableOverrides: true,
}

// Listener is the process-wide change subscription.
type Listener struct {
	source remote.Subscriber
	logger logrus.FieldLogger

	mu       sync.Mutex
	closeSub func()
	handlers map[int]func(remote.ChangeEvent)
	next     int
}

// New returns a listener over source. Nothing is subscribed until the first
// Subscribe.
func New(source remote.Subscriber, logger logrus.FieldLogger) *Listener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Listener{
		source:   source,
		logger:   logger.WithField("component", "notify"),
		handlers: make(map[int]func(remote.ChangeEvent)),
	}
}

// Subscribe registers onChange and returns the function that removes it.
// Calling the returned function more than once is a no-op.
func (l *Listener) Subscribe(ctx context.Context, onChange func(remote.ChangeEvent)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.handlers) == 0 {
		closeSub, err := l.source.SubscribeChanges(context.WithoutCancel(ctx), l.dispatch)
		if err != nil {
			return nil, err
		}
		l.closeSub = closeSub
		l.logger.Debug("opened change subscription")
	}

	id := l.next
	l.next++
	l.handlers[id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}, nil
}

// remove drops a handler. The remote subscription is closed outside l.mu:
// closing may wait for an in-flight dispatch, which takes l.mu itself.
func (l *Listener) remove(id int) {
	l.mu.Lock()
	delete(l.handlers, id)
	var closeSub func()
	if len(l.handlers) == 0 {
		closeSub, l.closeSub = l.closeSub, nil
	}
	l.mu.Unlock()

	if closeSub != nil {
		closeSub()
		l.logger.Debug("closed change subscription")
	}
}

// Refs returns the number of live subscribers.
func (l *Listener) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

func (l *Listener) dispatch(ev remote.ChangeEvent) {
	if !watched[ev.Table] {
		return
	}
	metrics.ChangeNotifications.WithLabelValues(ev.Table).Inc()

	l.mu.Lock()
	handlers := make([]func(remote.ChangeEvent), 0, len(l.handlers))
	for _, fn := range l.handlers {
		handlers = append(handlers, fn)
	}
	l.mu.Unlock()

	l.logger.WithFields(logrus.Fields{
		"table": ev.Table,
		"op":    string(ev.Op),
		"id":    ev.ID,
	}).Debug("change received")
	for _, fn := range handlers {
		fn(ev)
	}
}
