package environment

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Timers registers the timeouts armed by elements of a run. Callbacks run
// under the run lock.
type Timers struct {
	env    *Environment
	mu     sync.Mutex
	seq    int
	active map[string]*Timer
}

// Timer is one armed timeout.
type Timer struct {
	ID       string
	Owner    string
	Delay    time.Duration
	ExpireAt time.Time

	timers  *Timers
	t       *time.Timer
	cleared bool
}

// TimerInfo describes an armed timeout.
type TimerInfo struct {
	ID       string        `json:"id"`
	Owner    string        `json:"owner"`
	Delay    time.Duration `json:"delay"`
	ExpireAt time.Time     `json:"expireAt"`
}

func newTimers(env *Environment) *Timers {
	return &Timers{env: env, active: make(map[string]*Timer)}
}

// SetTimeout arms fn to run after delay under the run lock. owner names the
// element execution for diagnostics.
func (ts *Timers) SetTimeout(owner string, delay time.Duration, fn func()) *Timer {
	ts.mu.Lock()
	ts.seq++
	t := &Timer{
		ID:       fmt.Sprintf("timer_%d", ts.seq),
		Owner:    owner,
		Delay:    delay,
		ExpireAt: time.Now().Add(delay),
		timers:   ts,
	}
	ts.active[t.ID] = t
	ts.mu.Unlock()

	t.t = time.AfterFunc(delay, func() {
		ts.env.Exec(func() {
			if t.cleared {
				return
			}
			t.cleared = true
			ts.remove(t)
			fn()
		})
	})
	return t
}

// Clear disarms the timer. It is safe to call more than once and on a nil
// timer.
func (t *Timer) Clear() {
	if t == nil || t.cleared {
		return
	}
	t.cleared = true
	if t.t != nil {
		t.t.Stop()
	}
	t.timers.remove(t)
}

// Active lists armed timers ordered by expiry.
func (ts *Timers) Active() []TimerInfo {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]TimerInfo, 0, len(ts.active))
	for _, t := range ts.active {
		out = append(out, TimerInfo{ID: t.ID, Owner: t.Owner, Delay: t.Delay, ExpireAt: t.ExpireAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpireAt.Before(out[j].ExpireAt) })
	return out
}

func (ts *Timers) remove(t *Timer) {
	ts.mu.Lock()
	delete(ts.active, t.ID)
	ts.mu.Unlock()
}
