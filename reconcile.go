package chatsync

import "sync"

// Typing control messages are custom messages with this sub type and body.
const (
	TypingSubType = 1
	TypingBody    = "typing"
)

// IsTypingPayload reports whether m is a typing control message rather than content.
func IsTypingPayload(m Message) bool {
	return m.Type == MessageCustom && m.SubType == TypingSubType && m.Body == TypingBody
}

// splitTyping removes typing control messages from a batch.
func splitTyping(batch []Message) (content []Message, typing []Message) {
	for _, m := range batch {
		if IsTypingPayload(m) {
			typing = append(typing, m)
			continue
		}
		content = append(content, m)
	}
	return content, typing
}

// Merge appends the messages of incoming whose dedup key is not in existing,
// in arrival order. existing keeps its order; nothing is re-sorted. A
// confirmed message whose local id matches a pending entry replaces that
// entry at the same position.
func Merge(existing, incoming []Message) []Message {
	out := make([]Message, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	seen := make(map[string]struct{}, len(out)+len(incoming))
	pending := make(map[string]int)
	for i, m := range out {
		seen[m.ID.Key()] = struct{}{}
		if m.ID.Pending() && m.ID.Local != "" {
			pending[m.ID.Local] = i
		}
	}

	for _, m := range incoming {
		key := m.ID.Key()
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if !m.ID.Pending() && m.ID.Local != "" {
			if i, ok := pending[m.ID.Local]; ok {
				out[i] = m
				delete(pending, m.ID.Local)
				continue
			}
		}
		out = append(out, m)
		if m.ID.Pending() && m.ID.Local != "" {
			pending[m.ID.Local] = len(out) - 1
		}
	}
	return out
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the message sequence of every conversation. Updates
// replace the bucket slice instead of writing into it, so slices handed out
// earlier never change underneath their holder.
type MessageStore struct {
	mu      sync.RWMutex
	buckets map[ConversationKey][]Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{buckets: make(map[ConversationKey][]Message)}
}

// Messages returns the sequence of a conversation.
func (s *MessageStore) Messages(k ConversationKey) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buckets[k]
}

func (s *MessageStore) Len(k ConversationKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets[k])
}

// Merge merges incoming into the bucket and returns how many messages were appended.
func (s *MessageStore) Merge(k ConversationKey, incoming []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.buckets[k]
	after := Merge(before, incoming)
	s.buckets[k] = after
	return len(after) - len(before)
}

// HydrateIfEmpty seeds an empty bucket, typically from the cache.
func (s *MessageStore) HydrateIfEmpty(k ConversationKey, cached []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buckets[k]) > 0 || len(cached) == 0 {
		return false
	}
	s.buckets[k] = Merge(nil, cached)
	return true
}

// Append adds m at the end of the bucket unless its key is already present.
func (s *MessageStore) Append(k ConversationKey, m Message) {
	s.Merge(k, []Message{m})
}

// update replaces the first message matching match with fn's result.
func (s *MessageStore) update(k ConversationKey, match func(Message) bool, fn func(Message) Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.buckets[k]
	for i, m := range bucket {
		if !match(m) {
			continue
		}
		next := make([]Message, len(bucket))
		copy(next, bucket)
		next[i] = fn(m)
		s.buckets[k] = next
		return true
	}
	return false
}

func byServerID(serverID string) func(Message) bool {
	return func(m Message) bool { return serverID != "" && m.ID.Server == serverID }
}

func byID(id MessageID) func(Message) bool {
	return func(m Message) bool { return id.Matches(m.ID) }
}

// Promote swaps the pending message with localID for its confirmed form.
// If the confirmed message already arrived through the event stream the
// pending entry is dropped instead; if the pending entry is gone the
// confirmed message is appended.
func (s *MessageStore) Promote(k ConversationKey, localID string, confirmed Message) {
	if confirmed.ID.Local == "" {
		confirmed.ID.Local = localID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.buckets[k]
	pendingAt, confirmedAt := -1, -1
	for i, m := range bucket {
		if m.ID.Pending() && m.ID.Local == localID && pendingAt < 0 {
			pendingAt = i
		}
		if confirmed.ID.Server != "" && m.ID.Server == confirmed.ID.Server {
			confirmedAt = i
		}
	}
	switch {
	case pendingAt >= 0 && confirmedAt >= 0:
		next := make([]Message, 0, len(bucket)-1)
		next = append(next, bucket[:pendingAt]...)
		s.buckets[k] = append(next, bucket[pendingAt+1:]...)
	case pendingAt >= 0:
		next := make([]Message, len(bucket))
		copy(next, bucket)
		next[pendingAt] = confirmed
		s.buckets[k] = next
	default:
		s.buckets[k] = Merge(bucket, []Message{confirmed})
	}
}

// ApplyReactions sets the reaction list of a message. Unknown ids are ignored.
func (s *MessageStore) ApplyReactions(k ConversationKey, serverID string, reactions []Reaction) bool {
	list := append([]Reaction(nil), reactions...)
	return s.update(k, byServerID(serverID), func(m Message) Message {
		m.Reactions = list
		return m
	})
}

// ApplyReceipt sets the receipt status of a message. Unknown ids are ignored.
func (s *MessageStore) ApplyReceipt(k ConversationKey, serverID string, status ReceiptStatus) bool {
	return s.update(k, byServerID(serverID), func(m Message) Message {
		m.Receipt = status
		return m
	})
}

// ApplyRevoke turns a message into the deleted marker. Unknown ids are ignored.
func (s *MessageStore) ApplyRevoke(k ConversationKey, serverID string) bool {
	return s.update(k, byServerID(serverID), Message.WithRevoked)
}

// RevokeMatching marks the message matching id (server or local id) as deleted.
func (s *MessageStore) RevokeMatching(k ConversationKey, id MessageID) bool {
	return s.update(k, byID(id), Message.WithRevoked)
}

// ToggleReaction adds or removes (emoji, userID) on the message matching id.
func (s *MessageStore) ToggleReaction(k ConversationKey, id MessageID, emoji, userID string, add bool) bool {
	return s.update(k, byID(id), func(m Message) Message {
		var next []Reaction
		for _, r := range m.Reactions {
			if r.Emoji == emoji && r.UserID == userID {
				continue
			}
			next = append(next, r)
		}
		if add {
			next = append(next, Reaction{Emoji: emoji, UserID: userID})
		}
		m.Reactions = next
		return m
	})
}

// Remove deletes the message matching id from the bucket.
func (s *MessageStore) Remove(k ConversationKey, id MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.buckets[k]
	for i, m := range bucket {
		if !id.Matches(m.ID) {
			continue
		}
		next := make([]Message, 0, len(bucket)-1)
		next = append(next, bucket[:i]...)
		next = append(next, bucket[i+1:]...)
		s.buckets[k] = next
		return true
	}
	return false
}

// Find returns the message matching id.
func (s *MessageStore) Find(k ConversationKey, id MessageID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.buckets[k] {
		if id.Matches(m.ID) {
			return m, true
		}
	}
	return Message{}, false
}
