package manager

import (
	"context"
	"sort"
	"sync"
	"time"
)

// delayed runs named functions after a delay on their own goroutines.
// Every pending task is bound to the supervisor context, so cancelAll or a
// parent cancel drops tasks that have not fired yet.
type delayed struct {
	ctx context.Context

	mu      sync.Mutex
	pending map[uint64]*task
	nextID  uint64
	wg      sync.WaitGroup
}

type task struct {
	name   string
	due    time.Time
	cancel context.CancelFunc
}

// PendingTask describes a scheduled task that has not fired yet.
type PendingTask struct {
	Name string    `json:"name"`
	Due  time.Time `json:"due"`
}

func newDelayed(ctx context.Context) *delayed {
	return &delayed{ctx: ctx, pending: make(map[uint64]*task)}
}

// schedule runs fn after d unless cancelled first. It returns a cancel func
// for this task alone.
func (s *delayed) schedule(name string, d time.Duration, fn func(context.Context)) context.CancelFunc {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = &task{name: name, due: time.Now().Add(d), cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			s.forget(id)
			return
		}
		s.forget(id)
		fn(ctx)
	}()
	return cancel
}

func (s *delayed) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// cancelAll drops every task that has not fired yet.
func (s *delayed) cancelAll() int {
	s.mu.Lock()
	n := len(s.pending)
	for id, t := range s.pending {
		t.cancel()
		delete(s.pending, id)
	}
	s.mu.Unlock()
	return n
}

// wait blocks until every scheduled goroutine has returned or ctx ends.
func (s *delayed) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *delayed) list() []PendingTask {
	s.mu.Lock()
	out := make([]PendingTask, 0, len(s.pending))
	for _, t := range s.pending {
		out = append(out, PendingTask{Name: t.name, Due: t.due})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Due.Before(out[j].Due) })
	return out
}
