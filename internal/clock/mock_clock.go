package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is a manually advanced Clock. Timers fire synchronously, in deadline
// order, on the goroutine calling Advance.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*mockTimer
}

type mockTimer struct {
	m       *Mock
	at      time.Time
	seq     int
	d       time.Duration
	f       func()
	stopped bool
}

func NewMock() *Mock {
	return &Mock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &mockTimer{m: m, at: m.now.Add(d), seq: m.seq, d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that comes due.
// Timers scheduled by a firing callback also fire if they fall inside d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	end := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		t := m.nextDue(end)
		if t == nil {
			m.now = end
			m.mu.Unlock()
			return
		}
		m.now = t.at
		t.stopped = true
		m.remove(t)
		m.mu.Unlock()

		t.f()
	}
}

// Pending returns the durations of timers that have not fired or been
// stopped, in the order they were scheduled.
func (m *Mock) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := make([]*mockTimer, len(m.timers))
	copy(ts, m.timers)
	sort.Slice(ts, func(i, j int) bool { return ts[i].seq < ts[j].seq })

	out := make([]time.Duration, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.d)
	}
	return out
}

func (m *Mock) nextDue(end time.Time) *mockTimer {
	var next *mockTimer
	for _, t := range m.timers {
		if t.at.After(end) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (m *Mock) remove(t *mockTimer) {
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

func (t *mockTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	t.m.remove(t)
	return true
}
