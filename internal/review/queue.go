package review

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pending is one escalated run awaiting a decision.
type Pending struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Reason    string    `json:"reason"`
	Case      Case      `json:"case"`
}

// Queue is an in-memory set of pending reviews, safe for concurrent use.
type Queue struct {
	mu    sync.RWMutex
	items map[string]Pending
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]Pending)}
}

// Enqueue adds c and returns its generated ID.
func (q *Queue) Enqueue(c Case, reason string) string {
	p := Pending{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Reason:    reason,
		Case:      c,
	}
	q.mu.Lock()
	q.items[p.ID] = p
	q.mu.Unlock()
	return p.ID
}

// Get returns the pending review with the given ID.
func (q *Queue) Get(id string) (Pending, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	p, ok := q.items[id]
	return p, ok
}

// List returns all pending reviews, oldest first.
func (q *Queue) List() []Pending {
	q.mu.RLock()
	out := make([]Pending, 0, len(q.items))
	for _, p := range q.items {
		out = append(out, p)
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of pending reviews.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	delete(q.items, id)
	q.mu.Unlock()
}
