package conversation

import (
	"time"

	"github.com/npezzotti/cotai-messaging/internal/types"
)

const DefaultConsecutiveWindow = 60 * time.Second

type Entry struct {
	Message types.Message
	// Consecutive is set when the previous message of the same day has the
	// same sender and was sent less than the window earlier.
	Consecutive bool
}

type DayGroup struct {
	Day     time.Time
	Entries []Entry
}

// Group splits an ordered message sequence into calendar days in loc.
func Group(msgs []types.Message, loc *time.Location, window time.Duration) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	if window <= 0 {
		window = DefaultConsecutiveWindow
	}

	var groups []DayGroup
	for _, m := range msgs {
		local := m.CreatedAt.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DayGroup{Day: day})
		}

		g := &groups[len(groups)-1]
		entry := Entry{Message: m}
		if n := len(g.Entries); n > 0 {
			prev := g.Entries[n-1].Message
			entry.Consecutive = prev.SenderId == m.SenderId && m.CreatedAt.Sub(prev.CreatedAt) < window
		}
		g.Entries = append(g.Entries, entry)
	}

	return groups
}
