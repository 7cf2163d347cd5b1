package dispatch

import (
	"sync"
	"time"
)

// timerSet schedules one cancelable one-shot action per trip, used for
// offer expiry. Scheduling again under the same id replaces the pending
// timer.
type timerSet struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]*time.Timer)}
}

func (t *timerSet) schedule(id string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.timers[id]; ok {
		prev.Stop()
	}
	t.timers[id] = time.AfterFunc(d, func() {
		t.forget(id)
		fn()
	})
}

func (t *timerSet) cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
}

func (t *timerSet) forget(id string) {
	t.mu.Lock()
	delete(t.timers, id)
	t.mu.Unlock()
}
