// Package loop implements the cooperative main loop that owns all
// mutable bridge state. The HTTP frontend and the IM back-end threads
// never touch that state directly; they post closures here and the
// loop executes them one at a time.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimerFunc is invoked on the loop for every timer tick. Returning
// false removes the timer.
type TimerFunc func() bool

// Loop is a single-goroutine executor for posted closures and timer
// ticks. Timers fire on their own goroutines but their callbacks are
// posted back onto the loop, so callbacks see fully serialized state.
type Loop struct {
	work chan func()
	quit chan struct{}

	mu       sync.Mutex
	timers   map[int]*time.Timer
	nextID   int
	quitOnce sync.Once
}

// New creates a loop with a buffered work queue.
func New() *Loop {
	return &Loop{
		work:   make(chan func(), 256),
		quit:   make(chan struct{}),
		timers: make(map[int]*time.Timer),
	}
}

// Post enqueues fn for execution on the loop. Safe to call from any
// goroutine. Posting after Quit is a no-op.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.quit:
	case l.work <- fn:
	}
}

// Invoke runs fn on the loop and blocks until it has completed.
// Used by the HTTP frontend for the few queries that must read loop
// state synchronously.
func (l *Loop) Invoke(fn func()) {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-l.quit:
	}
}

// Run executes posted closures until Quit is called or ctx is
// cancelled. It must be called from exactly one goroutine.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case fn := <-l.work:
			fn()
		case <-ctx.Done():
			l.Quit()
			return
		case <-l.quit:
			return
		}
	}
}

// Quit stops the loop and all timers. Idempotent.
func (l *Loop) Quit() {
	l.quitOnce.Do(func() {
		close(l.quit)
		l.mu.Lock()
		defer l.mu.Unlock()
		for id, t := range l.timers {
			t.Stop()
			delete(l.timers, id)
		}
	})
}

// AddTimer arms a periodic timer. Each tick posts fn onto the loop;
// the timer re-arms only when fn returns true. The returned id is
// never zero, so zero can mean "no timer armed".
func (l *Loop) AddTimer(interval time.Duration, fn TimerFunc) int {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.mu.Unlock()

	var arm func()
	arm = func() {
		t := time.AfterFunc(interval, func() {
			l.Post(func() {
				if !l.hasTimer(id) {
					// Removed between the tick firing and the loop
					// picking it up.
					return
				}
				if fn() && l.hasTimer(id) {
					arm()
					return
				}
				l.RemoveTimer(id)
			})
		})
		l.mu.Lock()
		if l.stopped() {
			t.Stop()
			l.mu.Unlock()
			return
		}
		l.timers[id] = t
		l.mu.Unlock()
	}
	arm()
	return id
}

func (l *Loop) hasTimer(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[id]
	return ok
}

// RemoveTimer disarms a timer. Unknown ids are ignored, which keeps
// queue-drain and explicit removal safe to race.
func (l *Loop) RemoveTimer(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
}

func (l *Loop) stopped() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

// LogPending reports the work backlog; useful when the loop stalls on
// a long home-server call.
func (l *Loop) LogPending() {
	slog.Debug("main loop backlog", "pending", len(l.work))
}
