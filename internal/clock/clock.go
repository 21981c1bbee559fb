package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the slice of the time package the sync core needs. Room grace
// timers, persistence debounce and awareness sweeps all go through it so
// tests can drive them deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot callback.
type Timer interface {
	Stop() bool
}

// Ticker delivers periodic ticks on C().
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Fake is a manually advanced Clock for tests. AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	interval time.Duration
	fn       func()
	ch       chan time.Time
	stopped  bool
	fired    bool
}

// NewFake returns a Fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	w := &waiter{deadline: f.now.Add(d), fn: fn}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()
	return &fakeTimer{clock: f, w: w}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	w := &waiter{deadline: f.now.Add(d), interval: d, ch: make(chan time.Time, 1)}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()
	return &fakeTicker{clock: f, w: w}
}

// Advance moves the clock forward and fires everything that came due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// Pending reports how many timers and tickers are still armed.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

func (f *Fake) collect(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, keep []*waiter
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		if w.deadline.After(target) {
			keep = append(keep, w)
			continue
		}
		due = append(due, w)
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			keep = append(keep, w)
		} else {
			w.fired = true
		}
	}
	f.waiters = keep
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

type fakeTimer struct {
	clock *Fake
	w     *waiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.w.stopped || t.w.fired {
		return false
	}
	t.w.stopped = true
	return true
}

type fakeTicker struct {
	clock *Fake
	w     *waiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.stopped = true
}
