package mgr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkers(t *testing.T) {
	t.Parallel()

	m := New("test")

	done := make(chan struct{})
	m.Go("worker", func(w *WorkerCtx) error {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not run")
	}

	// Workers returning errors or panicking must not take down the manager.
	m.Go("failing worker", func(w *WorkerCtx) error {
		return errors.New("expected failure")
	})
	m.Go("panicking worker", func(w *WorkerCtx) error {
		panic("expected panic")
	})

	err := m.Do("sync worker", func(w *WorkerCtx) error {
		return nil
	})
	assert.NoError(t, err, "sync worker must succeed")

	m.Cancel()
	assert.True(t, m.WaitForWorkers(time.Second), "all workers must finish")
}

func TestEvents(t *testing.T) {
	t.Parallel()

	m := New("test")
	em := NewEventMgr[int]("test event", m)

	sub := em.Subscribe("subscriber", 16)
	var calls []int
	em.AddCallback("callback", func(w *WorkerCtx, event int) (bool, error) {
		calls = append(calls, event)
		return event >= 3, nil
	})

	for i := 1; i <= 5; i++ {
		em.Submit(i)
	}

	// Subscription receives all events in order.
	for i := 1; i <= 5; i++ {
		select {
		case event := <-sub.Events():
			assert.Equal(t, i, event, "events must arrive in order")
		default:
			t.Fatalf("event %d missing", i)
		}
	}

	// Callback was canceled after returning true at event 3.
	assert.Equal(t, []int{1, 2, 3}, calls, "callback must be removed after cancel")

	// Canceled subscriptions no longer receive events.
	sub.Cancel()
	em.Submit(6)
	select {
	case event := <-sub.Events():
		t.Fatalf("canceled subscription received event %d", event)
	default:
	}
}
