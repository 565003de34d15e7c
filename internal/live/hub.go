package live

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

// View is everything a consumer may read, published as one unit. History is
// newest first. Readers must treat a View as read-only.
type View struct {
	Snapshot  *models.SnapshotSet   `json:"snapshot"`
	History   []*models.SnapshotSet `json:"history"`
	Connected bool                  `json:"connected"`
	State     State                 `json:"state"`
	Ready     bool                  `json:"ready"`
	Failures  int                   `json:"failures"`
	Seq       uint64                `json:"seq"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (v *View) clone() *View {
	c := *v
	c.History = append([]*models.SnapshotSet(nil), v.History...)
	return &c
}

type subscriber struct {
	ch chan *View
}

// Hub is the single-writer, many-reader access point to the live data. The
// current View is swapped atomically, so a reader never sees a partial update.
type Hub struct {
	view      atomic.Pointer[View]
	reconnect atomic.Pointer[func()]

	mu   sync.Mutex
	subs map[string]*subscriber
}

func NewHub() *Hub {
	h := &Hub{subs: make(map[string]*subscriber)}
	h.view.Store(&View{State: Idle})
	return h
}

// View returns the current view. The History slice is the caller's own copy.
func (h *Hub) View() *View {
	return h.view.Load().clone()
}

func (h *Hub) Latest() *models.SnapshotSet {
	return h.view.Load().Snapshot
}

func (h *Hub) History() []*models.SnapshotSet {
	return h.View().History
}

func (h *Hub) Connected() bool {
	return h.view.Load().Connected
}

func (h *Hub) State() State {
	return h.view.Load().State
}

// Reconnect asks the bound synchronizer for a full resynchronization.
func (h *Hub) Reconnect() {
	if fn := h.reconnect.Load(); fn != nil {
		(*fn)()
	}
}

func (h *Hub) bind(reconnect func()) {
	h.reconnect.Store(&reconnect)
}

// Subscribe registers a listener. The channel holds at most one pending view;
// a slow listener only ever misses intermediate views, never the latest. The
// current view is delivered right away when data has already arrived.
func (h *Hub) Subscribe() (string, <-chan *View, func()) {
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan *View, 1)}
	h.mu.Lock()
	h.subs[id] = sub
	if v := h.view.Load(); v.Seq > 0 {
		sub.ch <- v.clone()
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return id, sub.ch, cancel
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(v *View) {
	h.view.Store(v)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		c := v.clone()
		select {
		case sub.ch <- c:
			continue
		default:
		}
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- c:
		default:
		}
	}
}

// Series extracts one server's chart points from a newest-first history,
// oldest point first. Sets without the server are skipped.
func Series(history []*models.SnapshotSet, id string) []models.ChartPoint {
	out := make([]models.ChartPoint, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		if s, ok := history[i].Server(id); ok {
			out = append(out, models.PointFromSnapshot(history[i].Now(), s))
		}
	}
	return out
}
