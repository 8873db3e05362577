package storage

import (
	"context"
	"sync"
)

// feed fans published change events out to subscribers in publish order.
// Publishing never blocks: each subscriber has its own queue drained by a
// pump goroutine, so a writer holding a store lock cannot deadlock with a
// slow reader that queries the same store.
type feed struct {
	mu     sync.Mutex
	subs   map[*feedSub]struct{}
	closed bool
}

type feedSub struct {
	ops   map[OperationType]bool
	mu    sync.Mutex
	cond  *sync.Cond
	queue []ChangeEvent
	done  bool
	out   chan ChangeEvent
	quit  chan struct{}
	once  sync.Once
}

func newFeed() *feed {
	return &feed{subs: make(map[*feedSub]struct{})}
}

func (f *feed) subscribe(ctx context.Context, ops []OperationType) (<-chan ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	s := &feedSub{out: make(chan ChangeEvent), quit: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	if len(ops) > 0 {
		s.ops = make(map[OperationType]bool, len(ops))
		for _, op := range ops {
			s.ops[op] = true
		}
	}
	f.subs[s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			s.stop()
		case <-s.quit:
		}
	}()
	go func() {
		s.pump()
		f.mu.Lock()
		delete(f.subs, s)
		f.mu.Unlock()
	}()
	return s.out, nil
}

func (f *feed) publish(ev ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		if s.ops == nil || s.ops[ev.OperationType] {
			s.push(ev)
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for s := range f.subs {
		s.stop()
	}
}

func (s *feedSub) push(ev ChangeEvent) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *feedSub) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.quit)
	})
}

func (s *feedSub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			return
		}
	}
}
