package ledger

import (
	"sync"

	"coppia/internal/core"
)

const subscriberBuffer = 256

// Hub fans committed changes out to live subscribers of a household.
// A subscriber that falls behind is dropped: its channel is closed and it
// is expected to resubscribe from the last Seq it saw.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan core.LiveUpdate
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan core.LiveUpdate)}
}

// Subscribe registers a listener for householdID. The returned cancel
// function closes the channel and is safe to call more than once.
func (h *Hub) Subscribe(householdID string) (<-chan core.LiveUpdate, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan core.LiveUpdate, subscriberBuffer)
	if h.subs[householdID] == nil {
		h.subs[householdID] = make(map[int]chan core.LiveUpdate)
	}
	h.subs[householdID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.remove(householdID, id)
		})
	}
}

// Publish delivers u to every subscriber of its household without blocking.
func (h *Hub) Publish(u core.LiveUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs[u.Record.HouseholdID] {
		select {
		case ch <- u:
		default:
			h.remove(u.Record.HouseholdID, id)
		}
	}
}

// Subscribers returns the number of live subscribers for householdID.
func (h *Hub) Subscribers(householdID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[householdID])
}

// remove must be called with mu held.
func (h *Hub) remove(householdID string, id int) {
	subs := h.subs[householdID]
	ch, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	close(ch)
	if len(subs) == 0 {
		delete(h.subs, householdID)
	}
}
