package chatsync

import "sync"

// subscriptions keeps at most one handler per event name on a transport.
type subscriptions struct {
	mu    sync.Mutex
	unsub map[EventName]func()
}

func newSubscriptions() *subscriptions {
	return &subscriptions{unsub: make(map[EventName]func())}
}

// Replace removes the handler registered for name, if any, and registers h.
func (s *subscriptions) Replace(t Transport, name EventName, h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.unsub[name]; prev != nil {
		prev()
	}
	s.unsub[name] = t.On(name, h)
}

// Clear removes every handler.
func (s *subscriptions) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, unsub := range s.unsub {
		if unsub != nil {
			unsub()
		}
		delete(s.unsub, name)
	}
}

func (s *subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsub)
}
