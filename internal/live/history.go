package live

import "github.com/gibaragibara/nezha-dash-v1/internal/models"

// History is a fixed capacity ring of snapshot sets. Pushing into a full ring
// evicts the oldest set. It is owned by one Synchronizer and is not safe for
// concurrent use.
type History struct {
	slots []*models.SnapshotSet
	total uint64
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 30
	}
	return &History{slots: make([]*models.SnapshotSet, capacity)}
}

func (h *History) Push(s *models.SnapshotSet) {
	h.slots[h.total%uint64(len(h.slots))] = s
	h.total++
}

func (h *History) Len() int {
	if h.total > uint64(len(h.slots)) {
		return len(h.slots)
	}
	return int(h.total)
}

func (h *History) Cap() int { return len(h.slots) }

// Reset drops every entry at once.
func (h *History) Reset() {
	clear(h.slots)
	h.total = 0
}

// Items returns the retained sets newest first in a freshly allocated slice.
func (h *History) Items() []*models.SnapshotSet {
	n := h.Len()
	out := make([]*models.SnapshotSet, 0, n)
	for idx := h.total; idx > h.total-uint64(n); {
		idx--
		out = append(out, h.slots[idx%uint64(len(h.slots))])
	}
	return out
}
