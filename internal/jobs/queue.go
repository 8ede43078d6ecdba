package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entry is a job waiting for a worker slot.
type Entry struct {
	JobID      string
	EnqueuedAt time.Time
}

// Queue is the unbounded FIFO admission queue. Enqueue never blocks.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(e Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
}

func (q *Queue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	e := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	return e, true
}

// PushFront puts an entry back at the head, keeping its turn.
func (q *Queue) PushFront(e Entry) {
	q.mu.Lock()
	q.entries = append([]Entry{e}, q.entries...)
	q.mu.Unlock()
}

func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// Positions labels every waiting entry "k/total" by enqueue time.
func (q *Queue) Positions() map[string]string {
	entries := q.Snapshot()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})

	ret := make(map[string]string, len(entries))
	for i, e := range entries {
		ret[e.JobID] = fmt.Sprintf("%d/%d", i+1, len(entries))
	}
	return ret
}
