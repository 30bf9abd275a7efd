package chatsync

import (
	"log/slog"
	"sync"
)

// ChangeKind names what part of the local state changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangeSession       ChangeKind = "session"
)

// Change is delivered to listeners after local state was updated.
type Change struct {
	Kind         ChangeKind
	Conversation ConversationKey
	Session      SessionState
}

// Listener observes state changes.
type Listener func(Change)

type listenerEntry struct {
	id int
	fn Listener
}

type emitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[ChangeKind][]listenerEntry
	logger    *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{listeners: make(map[ChangeKind][]listenerEntry), logger: logger}
}

// On registers fn for kind; the empty kind receives every change.
func (e *emitter) On(kind ChangeKind, fn Listener) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[kind] = append(e.listeners[kind], listenerEntry{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.listeners[kind]
		for i, l := range list {
			if l.id == id {
				e.listeners[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter) emit(c Change) {
	e.mu.RLock()
	handlers := append([]listenerEntry{}, e.listeners[c.Kind]...)
	handlers = append(handlers, e.listeners[""]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("listener.panic", "kind", string(c.Kind), "panic", r)
				}
			}()
			h.fn(c)
		}()
	}
}
