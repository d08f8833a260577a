package clock

import (
	"sync"
	"time"
)

// Source provides the current time. Lease expiry goes through it so tests
// can drive expiry deterministically instead of sleeping.
type Source interface {
	Now() time.Time
}

// Wall reads the system clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

// Manual is a hand-advanced clock for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
