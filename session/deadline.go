package session

import (
	"sync"
	"time"
)

// DefaultTimeout is the time budget a session gets after its latest I/O activity.
const DefaultTimeout = 60 * time.Second

// Deadline tracks when a session runs out of its time budget.
// Every activity moves the deadline to activity time + budget. It restarts the clock, it does not add to it.
type Deadline struct {
	budget time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewDeadline(budget time.Duration, now time.Time) *Deadline {
	return &Deadline{budget: budget, last: now}
}

// Touch records activity at the given instant. Activity older than the latest recorded one is ignored.
func (d *Deadline) Touch(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.After(d.last) {
		d.last = now
	}
}

// LastActivity returns the instant of the latest recorded activity.
func (d *Deadline) LastActivity() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// At returns the instant the budget runs out.
func (d *Deadline) At() time.Time {
	return d.LastActivity().Add(d.budget)
}

// Remaining returns how long until the deadline, zero or negative once it has passed.
func (d *Deadline) Remaining(now time.Time) time.Duration {
	return d.At().Sub(now)
}

// Expired reports whether the deadline has passed at the given instant.
func (d *Deadline) Expired(now time.Time) bool {
	return d.Remaining(now) <= 0
}
