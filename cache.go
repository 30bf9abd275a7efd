package chatsync

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultCachePrefix  = "chat:cache:v1"
	LastConversationKey = "chat:lastConversation"
	MaxCachedMessages   = 200
)

// CacheEntry is the persisted snapshot of one conversation.
type CacheEntry struct {
	Conversation ConversationKey
	UpdatedAt    time.Time
	Messages     []Message
}

// CacheStore persists the most recent text messages per conversation so a
// conversation can render before its history loads.
type CacheStore struct {
	kv     KV
	prefix string
	limit  int
	clock  Clock
	logger *slog.Logger
}

type CacheOption func(*CacheStore)

func WithCachePrefix(prefix string) CacheOption {
	return func(s *CacheStore) { s.prefix = strings.TrimRight(prefix, ":") }
}

func WithCacheLimit(n int) CacheOption {
	return func(s *CacheStore) {
		if n > 0 {
			s.limit = n
		}
	}
}

func WithCacheClock(c Clock) CacheOption {
	return func(s *CacheStore) { s.clock = c }
}

func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(s *CacheStore) { s.logger = l }
}

func NewCacheStore(kv KV, opts ...CacheOption) *CacheStore {
	s := &CacheStore{
		kv:     kv,
		prefix: DefaultCachePrefix,
		limit:  MaxCachedMessages,
		clock:  SystemClock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the storage key of a conversation: <prefix>:<type>:<id>.
func (s *CacheStore) Key(k ConversationKey) string {
	return s.prefix + ":" + k.String()
}

// ── Wire format ──────────────────────────────────────────

type cacheRecord struct {
	UpdatedAt int64             `json:"updatedAt"`
	Messages  []json.RawMessage `json:"messages"`
}

type cachedMessage struct {
	Type           int    `json:"type"`
	Message        string `json:"message"`
	SenderUserID   string `json:"senderUserID"`
	Timestamp      int64  `json:"timestamp"`
	MessageID      string `json:"messageID"`
	LocalMessageID string `json:"localMessageID"`
	Revoked        bool   `json:"revoked,omitempty"`
}

func encodeCached(messages []Message, limit int) []cachedMessage {
	text := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Type == MessageText {
			text = append(text, m)
		}
	}
	if len(text) > limit {
		text = text[len(text)-limit:]
	}
	out := make([]cachedMessage, 0, len(text))
	for _, m := range text {
		cm := cachedMessage{
			Type:           int(m.Type),
			Message:        m.Body,
			SenderUserID:   m.SenderID,
			MessageID:      m.ID.Server,
			LocalMessageID: m.ID.Local,
			Revoked:        m.Revoked,
		}
		if !m.Timestamp.IsZero() {
			cm.Timestamp = m.Timestamp.UnixMilli()
		}
		out = append(out, cm)
	}
	return out
}

// decodeCached reads one element; anything that is not a well-formed text
// message with an id is rejected.
func decodeCached(raw json.RawMessage, conv ConversationKey) (Message, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Message{}, false
	}
	var body string
	rawBody, ok := fields["message"]
	if !ok || string(rawBody) == "null" {
		return Message{}, false
	}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return Message{}, false
	}
	var cm cachedMessage
	if err := json.Unmarshal(raw, &cm); err != nil {
		return Message{}, false
	}
	if MessageType(cm.Type) != MessageText {
		return Message{}, false
	}
	id := MessageID{Server: cm.MessageID, Local: cm.LocalMessageID}
	if !id.Valid() {
		return Message{}, false
	}
	m := Message{
		ID:           id,
		Conversation: conv,
		Type:         MessageText,
		SenderID:     cm.SenderUserID,
		Body:         body,
		Revoked:      cm.Revoked,
	}
	if cm.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(cm.Timestamp)
	}
	return m, true
}

// ── Operations ───────────────────────────────────────────

// Load returns the cached messages of a conversation. A missing or corrupt
// entry yields an empty slice; malformed elements are skipped one by one.
func (s *CacheStore) Load(k ConversationKey) []Message {
	entry, ok := s.Entry(k)
	if !ok {
		return nil
	}
	return entry.Messages
}

// Entry returns the decoded cache entry of a conversation.
func (s *CacheStore) Entry(k ConversationKey) (CacheEntry, bool) {
	data, ok, err := s.kv.Get(s.Key(k))
	if err != nil {
		s.logger.Warn("cache.read_failed", "conversation", k.String(), "error", err)
		return CacheEntry{}, false
	}
	if !ok {
		return CacheEntry{}, false
	}
	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Debug("cache.corrupt_entry", "conversation", k.String(), "error", err)
		return CacheEntry{}, false
	}
	entry := CacheEntry{Conversation: k}
	if rec.UpdatedAt > 0 {
		entry.UpdatedAt = time.UnixMilli(rec.UpdatedAt)
	}
	for _, raw := range rec.Messages {
		if m, ok := decodeCached(raw, k); ok {
			entry.Messages = append(entry.Messages, m)
		}
	}
	return entry, true
}

// Save replaces the entry with the most recent text messages of messages.
func (s *CacheStore) Save(k ConversationKey, messages []Message) error {
	encoded := encodeCached(messages, s.limit)
	raws := make([]json.RawMessage, 0, len(encoded))
	for _, cm := range encoded {
		b, err := json.Marshal(cm)
		if err != nil {
			return err
		}
		raws = append(raws, b)
	}
	data, err := json.Marshal(cacheRecord{
		UpdatedAt: s.clock.Now().UnixMilli(),
		Messages:  raws,
	})
	if err != nil {
		return err
	}
	if err := s.kv.Set(s.Key(k), data); err != nil {
		return fmt.Errorf("write cache %s: %w", k, err)
	}
	return nil
}

// Clear removes one conversation's entry.
func (s *CacheStore) Clear(k ConversationKey) error {
	return s.kv.Delete(s.Key(k))
}

// List returns every cached entry under the store's prefix.
func (s *CacheStore) List() ([]CacheEntry, error) {
	keys, err := s.kv.Keys(s.prefix + ":")
	if err != nil {
		return nil, err
	}
	var out []CacheEntry
	for _, key := range keys {
		conv, ok := s.parseKey(key)
		if !ok {
			continue
		}
		if entry, ok := s.Entry(conv); ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// ClearAll removes every entry under the prefix and the last-conversation pointer.
func (s *CacheStore) ClearAll() error {
	keys, err := s.kv.Keys(s.prefix + ":")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.kv.Delete(key); err != nil {
			return err
		}
	}
	return s.kv.Delete(LastConversationKey)
}

func (s *CacheStore) parseKey(key string) (ConversationKey, bool) {
	rest, ok := strings.CutPrefix(key, s.prefix+":")
	if !ok {
		return ConversationKey{}, false
	}
	k, err := ParseConversationKey(rest)
	return k, err == nil
}

// ── Last active conversation ─────────────────────────────

// SaveLastConversation remembers the open conversation for the next boot.
func (s *CacheStore) SaveLastConversation(k ConversationKey) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	return s.kv.Set(LastConversationKey, data)
}

func (s *CacheStore) LastConversation() (ConversationKey, bool) {
	data, ok, err := s.kv.Get(LastConversationKey)
	if err != nil || !ok {
		return ConversationKey{}, false
	}
	var k ConversationKey
	if err := json.Unmarshal(data, &k); err != nil || k.IsZero() {
		return ConversationKey{}, false
	}
	return k, true
}
