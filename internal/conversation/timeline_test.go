package conversation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/npezzotti/cotai-messaging/internal/types"
	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender int, offset time.Duration) types.Message {
	return types.Message{
		Id:             id,
		ConversationId: 1,
		SenderId:       sender,
		Content:        "message",
		CreatedAt:      epoch.Add(offset),
	}
}

func ids(msgs []types.Message) []int {
	out := make([]int, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Id)
	}
	return out
}

func TestTimelineMerge(t *testing.T) {
	tl := NewTimeline()

	added := tl.Merge(msg(3, 2, 3*time.Minute), msg(1, 2, time.Minute))
	assert.Equal(t, 2, added)

	added = tl.Merge(msg(2, 2, 2*time.Minute), msg(3, 2, 3*time.Minute))
	assert.Equal(t, 1, added, "expected a known id not to be counted as new")

	tl.Merge(msg(5, 2, 2*time.Minute), msg(4, 2, 2*time.Minute))
	if diff := cmp.Diff([]int{1, 2, 4, 5, 3}, ids(tl.Messages())); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}

	oldest, ok := tl.Oldest()
	assert.True(t, ok)
	assert.Equal(t, 1, oldest.Id)
	newest, _ := tl.Newest()
	assert.Equal(t, 3, newest.Id)
}

func TestTimelineReplace(t *testing.T) {
	tl := NewTimeline()
	tl.Merge(msg(1, 2, time.Minute), msg(2, 2, 2*time.Minute))
	assert.True(t, tl.AddReceipt(9, []int{1, 42}, epoch), "expected a receipt to be recorded")
	assert.False(t, tl.AddReceipt(9, []int{1}, epoch), "expected a repeated receipt to change nothing")

	updated := msg(1, 2, 3*time.Minute)
	updated.Content = "edited"
	tl.Merge(updated)

	got := tl.Messages()
	assert.Equal(t, []int{2, 1}, ids(got), "expected the replaced message to move to its new position")
	assert.Equal(t, "edited", got[1].Content)
	assert.True(t, got[1].ReadBy(9), "expected receipts to survive a replace")
	assert.Equal(t, 2, tl.Len())
}

func TestTimelineRemove(t *testing.T) {
	tl := NewTimeline()
	tl.Merge(msg(1, 2, time.Minute), msg(2, 2, 2*time.Minute))

	assert.True(t, tl.Remove(1))
	assert.False(t, tl.Remove(1), "expected removing an unknown id to report false")
	assert.False(t, tl.Contains(1))
	assert.Equal(t, []int{2}, ids(tl.Messages()))

	tl.Merge(msg(1, 2, time.Minute))
	assert.Equal(t, []int{1, 2}, ids(tl.Messages()), "expected a removed message to be insertable again")
}

func TestTimelineAnyArrivalOrder(t *testing.T) {
	var all []types.Message
	for i := 1; i <= 40; i++ {
		// several messages share a timestamp to exercise the id tie break
		all = append(all, msg(i, i%3, time.Duration(i/3)*time.Second))
	}

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		tl := NewTimeline()

		// random overlapping batches, delivered in random order
		var batches [][]types.Message
		for i := 0; i < 15; i++ {
			start := rng.Intn(len(all))
			end := start + 1 + rng.Intn(8)
			if end > len(all) {
				end = len(all)
			}
			batches = append(batches, all[start:end])
		}
		batches = append(batches, all)
		rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })

		for _, b := range batches {
			tl.Merge(reversed(b)...)
		}

		if diff := cmp.Diff(ids(all), ids(tl.Messages())); diff != "" {
			t.Fatalf("round %d: unexpected sequence (-want +got):\n%s", round, diff)
		}
	}
}
