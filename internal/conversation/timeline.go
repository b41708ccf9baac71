package conversation

import (
	"slices"
	"time"

	"github.com/npezzotti/cotai-messaging/internal/types"
)

// Timeline is the ordered message sequence of one conversation: ascending by
// creation time, ties broken by id, each id at most once. It is not safe for
// concurrent use.
type Timeline struct {
	msgs []types.Message
	ids  map[int]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[int]struct{})}
}

func compareMessages(a, b types.Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.Id < b.Id:
		return -1
	case a.Id > b.Id:
		return 1
	}
	return 0
}

// Merge inserts msgs in order. A message whose id is already present
// replaces the stored copy; receipts known for either copy are kept.
// It returns how many messages were new.
func (t *Timeline) Merge(msgs ...types.Message) int {
	added := 0
	for _, m := range msgs {
		if _, ok := t.ids[m.Id]; ok {
			t.replace(m)
			continue
		}

		i, _ := slices.BinarySearchFunc(t.msgs, m, compareMessages)
		t.msgs = slices.Insert(t.msgs, i, m)
		t.ids[m.Id] = struct{}{}
		added++
	}
	return added
}

func (t *Timeline) replace(m types.Message) {
	i := t.index(m.Id)
	old := t.msgs[i]
	m.ReadReceipts = mergeReceipts(old.ReadReceipts, m.ReadReceipts)
	m.IsRead = m.IsRead || old.IsRead

	if m.CreatedAt.Equal(old.CreatedAt) {
		t.msgs[i] = m
		return
	}

	t.msgs = slices.Delete(t.msgs, i, i+1)
	j, _ := slices.BinarySearchFunc(t.msgs, m, compareMessages)
	t.msgs = slices.Insert(t.msgs, j, m)
}

func (t *Timeline) Remove(id int) bool {
	if _, ok := t.ids[id]; !ok {
		return false
	}

	i := t.index(id)
	t.msgs = slices.Delete(t.msgs, i, i+1)
	delete(t.ids, id)
	return true
}

func (t *Timeline) Contains(id int) bool {
	_, ok := t.ids[id]
	return ok
}

// AddReceipt records that userId read the listed messages. Unknown ids are
// ignored. It reports whether anything changed.
func (t *Timeline) AddReceipt(userId int, messageIds []int, at time.Time) bool {
	changed := false
	for _, id := range messageIds {
		if _, ok := t.ids[id]; !ok {
			continue
		}

		i := t.index(id)
		if t.msgs[i].ReadBy(userId) {
			continue
		}
		t.msgs[i].ReadReceipts = append(slices.Clone(t.msgs[i].ReadReceipts),
			types.ReadReceipt{UserId: userId, MessageId: id, ReadAt: at})
		changed = true
	}
	return changed
}

// Messages returns a copy of the sequence.
func (t *Timeline) Messages() []types.Message {
	return slices.Clone(t.msgs)
}

func (t *Timeline) Len() int {
	return len(t.msgs)
}

func (t *Timeline) Oldest() (types.Message, bool) {
	if len(t.msgs) == 0 {
		return types.Message{}, false
	}
	return t.msgs[0], true
}

func (t *Timeline) Newest() (types.Message, bool) {
	if len(t.msgs) == 0 {
		return types.Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

func (t *Timeline) index(id int) int {
	return slices.IndexFunc(t.msgs, func(m types.Message) bool { return m.Id == id })
}

func mergeReceipts(a, b []types.ReadReceipt) []types.ReadReceipt {
	if len(a) == 0 {
		return b
	}

	out := slices.Clone(b)
	for _, r := range a {
		if !slices.ContainsFunc(out, func(o types.ReadReceipt) bool { return o.UserId == r.UserId }) {
			out = append(out, r)
		}
	}
	return out
}

// reversed returns a newest-first page in oldest-first order.
func reversed(page []types.Message) []types.Message {
	out := slices.Clone(page)
	slices.Reverse(out)
	return out
}
