package clock

import (
	"sync"
	"time"
)

// Clock is an interface that wraps time functions to make them testable
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// WeekKey identifies an ISO-8601 week
type WeekKey struct {
	Year int
	Week int
}

// ISOWeek returns the ISO week t falls in
func ISOWeek(t time.Time) WeekKey {
	y, w := t.ISOWeek()
	return WeekKey{Year: y, Week: w}
}

// CurrentWeek returns the ISO week of c.Now()
func CurrentWeek(c Clock) WeekKey {
	return ISOWeek(c.Now())
}

// RealClock implements Clock interface with actual time
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock implements Clock interface for testing. It is safe for concurrent use.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *MockClock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the mock clock forward by d
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
