package mainloop

import "sync"

// Signal is a list of observers for one kind of event. Subscribe returns the matching
// unsubscribe so registration and teardown stay paired.
type Signal[T any] struct {
	mu       sync.Mutex
	next     int
	handlers map[int]func(T)
	order    []int
}

func (s *Signal[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.handlers[id] = fn
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit calls every observer in subscription order.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.handlers[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of observers.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
