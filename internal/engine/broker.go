package engine

import (
	"sync"

	"github.com/forgelabs/sumforge/internal/model"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Intermediate snapshots are dropped if a subscriber falls this far behind;
// consumers re-read the store for the terminal state when their channel
// closes, so no subscriber can miss the final transition.
const subscriberBufferSize = 16

// Broker fans out job status snapshots to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever. Markers are dropped by Evict when the job itself is
// evicted from the store, so they live exactly as long as the job record.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.Snapshot
	nextID int
	closed bool
}

// NewBroker creates a new status broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives status snapshots for the given
// job and an unsubscribe function. If the job has already finished (Close
// was called), the returned channel is immediately closed.
func (b *Broker) Subscribe(jobID string) (<-chan model.Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.Snapshot)}
		b.topics[jobID] = t
	}

	ch := make(chan model.Snapshot, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a snapshot to all subscribers of the given job.
// Snapshots are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(jobID string, snap model.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- snap:
		default:
			// Drop for slow subscribers to avoid blocking aggregation.
		}
	}
}

// Close signals that no more snapshots will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[jobID] = &topic{subs: make(map[int]chan model.Snapshot), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Evict drops all broker state for the given jobs, including closed markers.
// Called when the store evicts expired jobs, so marker retention is bounded
// by the same window; a subscriber arriving afterwards pairs with a not-found
// job lookup anyway.
func (b *Broker) Evict(jobIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range jobIDs {
		t, ok := b.topics[id]
		if !ok {
			continue
		}
		for sid, ch := range t.subs {
			close(ch)
			delete(t.subs, sid)
		}
		delete(b.topics, id)
	}
}
