// Package event provides typed publish/subscribe feeds and the envelope the
// engine uses to report discrete pointing events to the presentation layer.
package event

import "sync"

// Feed is a typed observer list. Handlers run synchronously on the emitting
// goroutine, in subscription order.
type Feed[T any] struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(T)
	order    []int
}

// Subscribe registers fn and returns a function that removes it.
func (f *Feed[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handlers == nil {
		f.handlers = make(map[int]func(T))
	}
	id := f.next
	f.next++
	f.handlers[id] = fn
	f.order = append(f.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(id) })
	}
}

func (f *Feed[T]) remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.handlers, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Emit delivers v to every subscriber.
func (f *Feed[T]) Emit(v T) {
	f.mu.RLock()
	handlers := make([]func(T), 0, len(f.order))
	for _, id := range f.order {
		handlers = append(handlers, f.handlers[id])
	}
	f.mu.RUnlock()

	// Handlers may subscribe or unsubscribe while being called
	for _, h := range handlers {
		h(v)
	}
}

// Len returns the number of subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.order)
}
