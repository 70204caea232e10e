package worker

import (
	"sync"
)

// Event is a job lifecycle notification.
type Event int

const (
	EventStarted Event = iota
	EventStopped
	EventFailed
	EventSucceeded
	EventReturned
	EventCanceled
	EventLost
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventFailed:
		return "failed"
	case EventSucceeded:
		return "succeeded"
	case EventReturned:
		return "returned"
	case EventCanceled:
		return "canceled"
	case EventLost:
		return "lost"
	}
	return "unknown"
}

// JobWatcher observes job lifecycle events. Notify is called from worker
// and committer goroutines and must not block for long.
type JobWatcher interface {
	Notify(jc *JobContext, ev Event)
}

// WatcherFunc adapts a function to JobWatcher.
type WatcherFunc func(jc *JobContext, ev Event)

func (f WatcherFunc) Notify(jc *JobContext, ev Event) { f(jc, ev) }

// CleanupEvent tells cleanup listeners why they are invoked.
type CleanupEvent int

const (
	RegularCleanup CleanupEvent = iota
	OnHardExit
)

func (e CleanupEvent) String() string {
	if e == OnHardExit {
		return "on_hard_exit"
	}
	return "regular_cleanup"
}

// CleanupListener runs housekeeping after jobs finish and on hard exit.
type CleanupListener interface {
	HandleEvent(ev CleanupEvent)
}

type watcherEntry struct {
	id int
	w  JobWatcher
}

type watcherList struct {
	mtx      sync.RWMutex
	nextID   int
	watchers []watcherEntry
}

// add returns a func that removes the watcher again.
func (l *watcherList) add(w JobWatcher) func() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.nextID++
	id := l.nextID
	l.watchers = append(l.watchers, watcherEntry{id: id, w: w})
	return func() { l.remove(id) }
}

func (l *watcherList) remove(id int) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for i, e := range l.watchers {
		if e.id == id {
			l.watchers = append(l.watchers[:i:i], l.watchers[i+1:]...)
			return
		}
	}
}

// notify delivers outside the lock so watchers may subscribe or
// unsubscribe from inside Notify.
func (l *watcherList) notify(jc *JobContext, ev Event) {
	l.mtx.RLock()
	ws := l.watchers
	l.mtx.RUnlock()
	for _, e := range ws {
		e.w.Notify(jc, ev)
	}
}
