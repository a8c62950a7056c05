// Package observer provides a concurrency-safe subscriber list with
// token-based removal.
package observer

import (
	"log/slog"
	"sync"
)

// List delivers values of type T to subscribers in subscription order.
// The zero value is ready to use.
type List[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]func(T)
	order  []uint64
	nextID uint64
}

// Token identifies one subscription. Cancel is safe to call more than once.
type Token struct {
	once   sync.Once
	cancel func()
}

func (t *Token) Cancel() {
	if t == nil || t.cancel == nil {
		return
	}
	t.once.Do(t.cancel)
}

// Subscribe adds fn and returns the token that removes it.
func (l *List[T]) Subscribe(fn func(T)) *Token {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[uint64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.subs[id] = fn
	l.order = append(l.order, id)
	return &Token{cancel: func() { l.remove(id) }}
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[id]; !ok {
		return
	}
	delete(l.subs, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of subscribers.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Notify calls every subscriber with v on the calling goroutine. The list is
// snapshotted first, so subscribers may subscribe or cancel from inside a
// callback. A panicking subscriber is logged and does not stop delivery.
func (l *List[T]) Notify(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.subs[id])
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		call(fn, v)
	}
}

func call[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber panicked", "panic", r)
		}
	}()
	fn(v)
}
