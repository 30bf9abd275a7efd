package chatsync

import "sync"

// ConversationRegistry is the ordered conversation list shown in the sidebar.
// The default room is always present and the active conversation is always read.
type ConversationRegistry struct {
	mu     sync.RWMutex
	list   []Conversation
	active ConversationKey
}

func NewConversationRegistry() *ConversationRegistry {
	r := &ConversationRegistry{}
	r.list = ensureDefaultRoom(nil)
	return r
}

func ensureDefaultRoom(list []Conversation) []Conversation {
	room := DefaultRoom()
	for _, c := range list {
		if c.Key == room {
			return list
		}
	}
	out := make([]Conversation, 0, len(list)+1)
	out = append(out, Conversation{Key: room, Title: DefaultRoomTitle})
	return append(out, list...)
}

func (r *ConversationRegistry) indexOf(k ConversationKey) int {
	for i, c := range r.list {
		if c.Key == k {
			return i
		}
	}
	return -1
}

// List returns a copy of the conversation list.
func (r *ConversationRegistry) List() []Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conversation, len(r.list))
	copy(out, r.list)
	return out
}

func (r *ConversationRegistry) Get(k ConversationKey) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexOf(k); i >= 0 {
		return r.list[i], true
	}
	return Conversation{}, false
}

func (r *ConversationRegistry) Active() ConversationKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActive makes k the open conversation and zeroes its unread count.
func (r *ConversationRegistry) SetActive(k ConversationKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = k
	if i := r.indexOf(k); i >= 0 {
		r.list[i].UnreadCount = 0
	}
}

// ApplySnapshot replaces the list with a server snapshot. The active entry is
// read; other entries keep the larger of the server and local unread counts.
// Entries known locally but missing from the snapshot are kept after it; the
// default room goes first when the snapshot leaves it out.
func (r *ConversationRegistry) ApplySnapshot(snapshot []Conversation) []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	local := make(map[ConversationKey]Conversation, len(r.list))
	for _, c := range r.list {
		local[c.Key] = c
	}

	next := make([]Conversation, 0, len(snapshot)+len(r.list))
	seen := make(map[ConversationKey]bool, len(snapshot))
	for _, c := range snapshot {
		if c.Key.IsZero() || seen[c.Key] {
			continue
		}
		seen[c.Key] = true
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		prev, known := local[c.Key]
		switch {
		case c.Key == r.active:
			c.UnreadCount = 0
		case known && prev.UnreadCount > c.UnreadCount:
			c.UnreadCount = prev.UnreadCount
		}
		if c.Title == "" && known {
			c.Title = prev.Title
		}
		if c.LastMessage == nil && known {
			c.LastMessage = prev.LastMessage
		}
		next = append(next, c)
	}
	room := DefaultRoom()
	for _, c := range r.list {
		if !seen[c.Key] && c.Key != room {
			next = append(next, c)
		}
	}
	if !seen[room] {
		entry, ok := local[room]
		if !ok {
			entry = Conversation{Key: room, Title: DefaultRoomTitle}
		}
		if room == r.active {
			entry.UnreadCount = 0
		}
		next = append([]Conversation{entry}, next...)
	}

	r.list = next
	out := make([]Conversation, len(r.list))
	copy(out, r.list)
	return out
}

// Incoming records new messages for k. A conversation seen for the first time
// is created at the front of the list. Unread grows by added unless k is
// active. It reports whether k is the active conversation.
func (r *ConversationRegistry) Incoming(k ConversationKey, last *Message, added int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := k == r.active
	bump := added
	if active || bump < 0 {
		bump = 0
	}
	if i := r.indexOf(k); i >= 0 {
		if last != nil {
			r.list[i].LastMessage = last
		}
		r.list[i].UnreadCount += bump
		return active
	}
	entry := Conversation{Key: k, Title: k.ID, UnreadCount: bump, LastMessage: last}
	r.list = append([]Conversation{entry}, r.list...)
	return active
}

// Ensure adds k at the front if it is not listed yet.
func (r *ConversationRegistry) Ensure(k ConversationKey, title string) Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(k); i >= 0 {
		return r.list[i]
	}
	if title == "" {
		title = k.ID
	}
	entry := Conversation{Key: k, Title: title}
	r.list = append([]Conversation{entry}, r.list...)
	return entry
}

// Touch sets the last message of k without touching its unread count.
func (r *ConversationRegistry) Touch(k ConversationKey, last Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(k); i >= 0 {
		m := last
		r.list[i].LastMessage = &m
	}
}

// MarkRead zeroes the unread count of k.
func (r *ConversationRegistry) MarkRead(k ConversationKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(k); i >= 0 {
		r.list[i].UnreadCount = 0
	}
}
