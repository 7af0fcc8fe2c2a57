package mgr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventMgr(t *testing.T) {
	t.Parallel()

	em := NewEventMgr[int]("test event", nil)
	keep := em.Subscribe("keep", 4)
	drop := em.Subscribe("drop", 4)

	var calls int
	em.AddCallback("count", func(_ *WorkerCtx, event int) (bool, error) {
		calls++
		return false, nil
	})

	em.Submit(1)
	assert.Equal(t, 1, <-keep.Events(), "subscription must receive the event")
	assert.Equal(t, 1, <-drop.Events(), "subscription must receive the event")

	drop.Cancel()
	em.Submit(2)
	assert.Equal(t, 2, <-keep.Events(), "active subscription must keep receiving")
	select {
	case event := <-drop.Events():
		t.Fatalf("canceled subscription must not receive events, got %v", event)
	default:
	}
	assert.Equal(t, 2, calls, "callback must run for every event")
}

func TestEventSubscriptionCancelConcurrent(t *testing.T) {
	t.Parallel()

	em := NewEventMgr[int]("test event", nil)
	subs := make([]*EventSubscription[int], 8)
	for i := range subs {
		subs[i] = em.Subscribe("sub", 1)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			em.Submit(i)
		}
	}()
	go func() {
		defer wg.Done()
		for _, sub := range subs {
			sub.Cancel()
		}
	}()
	wg.Wait()
}
