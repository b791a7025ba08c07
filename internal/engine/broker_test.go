package engine

import (
	"testing"
	"time"

	"github.com/forgelabs/sumforge/internal/model"
)

func TestBrokerPublishReachesSubscriber(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("job-1")
	defer unsub()

	b.Publish("job-1", model.Snapshot{JobID: "job-1", Status: model.StatusRunning})

	select {
	case snap := <-ch:
		if snap.Status != model.StatusRunning {
			t.Errorf("status = %q, want %q", snap.Status, model.StatusRunning)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestBrokerTopicIsolation(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("job-1")
	defer unsub()

	b.Publish("job-2", model.Snapshot{JobID: "job-2"})

	select {
	case snap := <-ch:
		t.Errorf("received snapshot for wrong topic: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerCloseClosesSubscribers(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("job-1")
	defer unsub()

	b.Close("job-1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}
}

func TestBrokerLateSubscriberGetsClosedChannel(t *testing.T) {
	b := NewBroker()
	b.Close("job-1")

	ch, _ := b.Subscribe("job-1")
	if _, ok := <-ch; ok {
		t.Error("late subscriber channel should be closed immediately")
	}
}

func TestBrokerEvictDropsClosedMarkers(t *testing.T) {
	b := NewBroker()
	b.Close("job-1")
	b.Close("job-2")

	b.Evict("job-1", "job-2")

	b.mu.Lock()
	remaining := len(b.topics)
	b.mu.Unlock()
	if remaining != 0 {
		t.Errorf("topics retained after Evict = %d, want 0", remaining)
	}

	// A subscriber arriving after eviction gets a live channel, not the
	// closed marker.
	ch, unsub := b.Subscribe("job-1")
	defer unsub()
	select {
	case _, ok := <-ch:
		if !ok {
			t.Error("subscriber channel closed after eviction")
		}
	default:
	}
}

func TestBrokerEvictUnknownTopicIsNoOp(t *testing.T) {
	b := NewBroker()
	b.Evict("never-seen")
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe("job-1")
	unsub()

	b.Publish("job-1", model.Snapshot{JobID: "job-1"})

	select {
	case snap, ok := <-ch:
		if ok {
			t.Errorf("received snapshot after unsubscribe: %+v", snap)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	_, unsub := b.Subscribe("job-1")
	defer unsub()

	// Never read; Publish must drop once the buffer fills instead of blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*3; i++ {
			b.Publish("job-1", model.Snapshot{JobID: "job-1", CompletedChunks: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
