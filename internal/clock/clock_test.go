package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockAdvance(t *testing.T) {
	m := NewMock()

	var fired []string
	m.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	m.AfterFunc(time.Second, func() { fired = append(fired, "a") })

	m.Advance(500 * time.Millisecond)
	assert.Empty(t, fired, "expected no timers to fire before their deadline")

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired, "expected timers to fire in deadline order")
	assert.Empty(t, m.Pending(), "expected no pending timers")
}

func TestMockStop(t *testing.T) {
	m := NewMock()

	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop(), "expected first stop to succeed")
	assert.False(t, timer.Stop(), "expected second stop to report already stopped")

	m.Advance(time.Minute)
	assert.False(t, fired, "expected stopped timer not to fire")
}

func TestMockNestedTimers(t *testing.T) {
	m := NewMock()

	var at []time.Time
	m.AfterFunc(time.Second, func() {
		at = append(at, m.Now())
		m.AfterFunc(time.Second, func() { at = append(at, m.Now()) })
	})

	start := m.Now()
	m.Advance(3 * time.Second)
	if assert.Len(t, at, 2, "expected nested timer to fire within the same advance") {
		assert.Equal(t, start.Add(time.Second), at[0])
		assert.Equal(t, start.Add(2*time.Second), at[1])
	}
	assert.Equal(t, start.Add(3*time.Second), m.Now())
}
