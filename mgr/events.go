package mgr

import (
	"slices"
	"sync"
	"sync/atomic"
)

// EventMgr is a simple event manager.
// Events are submitted in order and delivered to all subscribers and
// callbacks. Callbacks are executed synchronously within Submit, so
// event order is preserved for them as well.
type EventMgr[T any] struct {
	name string
	mgr  *Manager
	lock sync.Mutex

	subs      []*EventSubscription[T]
	callbacks []*eventCallback[T]
}

// EventSubscription is a subscription to an event manager.
type EventSubscription[T any] struct {
	name     string
	events   chan T
	canceled atomic.Bool
}

// EventCallbackFunc is a function that is called for every submitted event.
// If it returns true or an error, the callback is removed.
type EventCallbackFunc[T any] func(w *WorkerCtx, event T) (cancel bool, err error)

type eventCallback[T any] struct {
	name     string
	callback EventCallbackFunc[T]
}

// NewEventMgr returns a new event manager.
// The manager is optional and used for callback execution and logging.
func NewEventMgr[T any](eventName string, mgr *Manager) *EventMgr[T] {
	return &EventMgr[T]{
		name: eventName,
		mgr:  mgr,
	}
}

// Subscribe subscribes to events. Events are delivered to the returned
// subscription channel and are dropped if the channel is full.
func (em *EventMgr[T]) Subscribe(subscriberName string, chanSize int) *EventSubscription[T] {
	em.lock.Lock()
	defer em.lock.Unlock()

	sub := &EventSubscription[T]{
		name:   subscriberName,
		events: make(chan T, chanSize),
	}
	em.subs = append(em.subs, sub)
	return sub
}

// AddCallback adds a callback that is executed for every submitted event.
func (em *EventMgr[T]) AddCallback(callbackName string, callback EventCallbackFunc[T]) {
	em.lock.Lock()
	defer em.lock.Unlock()

	em.callbacks = append(em.callbacks, &eventCallback[T]{
		name:     callbackName,
		callback: callback,
	})
}

// Submit submits a new event.
func (em *EventMgr[T]) Submit(event T) {
	em.lock.Lock()
	defer em.lock.Unlock()

	// Deliver to subscriptions, drop if channel is full.
	var cleanSubs bool
	for _, sub := range em.subs {
		if sub.canceled.Load() {
			cleanSubs = true
			continue
		}
		select {
		case sub.events <- event:
		default:
		}
	}
	if cleanSubs {
		em.subs = slices.DeleteFunc(em.subs, func(sub *EventSubscription[T]) bool {
			return sub.canceled.Load()
		})
	}

	// Execute callbacks.
	var removeCallbacks bool
	for _, ec := range em.callbacks {
		var cancel bool
		var err error
		if em.mgr != nil {
			err = em.mgr.Do("event callback "+ec.name, func(w *WorkerCtx) error {
				var cbErr error
				cancel, cbErr = ec.callback(w, event)
				return cbErr
			})
		} else {
			cancel, err = ec.callback(nil, event)
		}
		if cancel || err != nil {
			ec.callback = nil
			removeCallbacks = true
		}
	}
	if removeCallbacks {
		em.callbacks = slices.DeleteFunc(em.callbacks, func(ec *eventCallback[T]) bool {
			return ec.callback == nil
		})
	}
}

// Events returns the channel the subscription receives events on.
func (es *EventSubscription[T]) Events() <-chan T {
	return es.events
}

// Cancel cancels the subscription.
// The subscription channel is not closed, but will not receive new events.
// Safe to call concurrently with Submit.
func (es *EventSubscription[T]) Cancel() {
	es.canceled.Store(true)
}
