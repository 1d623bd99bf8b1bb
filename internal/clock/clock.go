// Package clock abstracts time for the alerting pipeline. Production code
// uses the real clock; tests drive a manually advanced fake so scheduling,
// promotion, and rate-limit refill behavior is deterministic.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. All time reads inside the rate limiter,
// message queue, and trigger coordinator go through a Clock so tests can
// advance time explicitly instead of sleeping.
type Clock interface {
	Now() time.Time
}

// Real is the wall-clock implementation.
type Real struct{}

// NewReal returns the wall-clock Clock.
func NewReal() *Real {
	return &Real{}
}

// Now returns the current UTC time.
func (*Real) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually advanced Clock for tests. It is safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock pinned at the given instant.
func NewFake(at time.Time) *Fake {
	return &Fake{now: at.UTC()}
}

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to the given instant.
func (f *Fake) Set(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = at.UTC()
}
