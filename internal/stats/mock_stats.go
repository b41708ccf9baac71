package stats

import "github.com/stretchr/testify/mock"

// MockStats records Incr calls for tests that assert on client metrics.
type MockStats struct {
	mock.Mock
}

func (m *MockStats) Incr(name string) {
	m.Called(name)
}
