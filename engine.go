package chatsync

import (
	"log/slog"
	"time"
)

// CacheSaveDelay is how long a conversation must be quiet before its
// messages are written to the cache.
const CacheSaveDelay = 350 * time.Millisecond

// Engine owns the local chat state: the conversation registry, the message
// buckets, typing indicators and the debounced cache writer. Session feeds it
// transport events and Coordinator applies user commands to it.
type Engine struct {
	registry  *ConversationRegistry
	messages  *MessageStore
	typing    *TypingTracker
	cache     *CacheStore
	saver     *debouncer[ConversationKey]
	listeners *emitter
	clock     Clock
	logger    *slog.Logger
	metrics   *Metrics
}

type EngineOption func(*Engine)

func WithEngineClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates the state container. cache may be nil to disable persistence.
func NewEngine(cache *CacheStore, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: NewConversationRegistry(),
		messages: NewMessageStore(),
		cache:    cache,
		clock:    SystemClock,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.listeners = newEmitter(e.logger)
	e.saver = newDebouncer[ConversationKey](e.clock, CacheSaveDelay)
	e.typing = NewTypingTracker(e.clock, func(k ConversationKey, _ bool) {
		e.listeners.emit(Change{Kind: ChangeTyping, Conversation: k})
	})
	return e
}

// ── Read access ──────────────────────────────────────────

func (e *Engine) Conversations() []Conversation { return e.registry.List() }

func (e *Engine) Conversation(k ConversationKey) (Conversation, bool) { return e.registry.Get(k) }

func (e *Engine) Messages(k ConversationKey) []Message { return e.messages.Messages(k) }

func (e *Engine) Active() ConversationKey { return e.registry.Active() }

func (e *Engine) Typing(k ConversationKey) (TypingSignal, bool) { return e.typing.Active(k) }

func (e *Engine) TypingSignals() []TypingSignal { return e.typing.Signals() }

func (e *Engine) Cache() *CacheStore { return e.cache }

// On registers a listener for kind ("" for every change).
func (e *Engine) On(kind ChangeKind, fn Listener) (off func()) {
	return e.listeners.On(kind, fn)
}

func (e *Engine) notify(kind ChangeKind, k ConversationKey) {
	e.listeners.emit(Change{Kind: kind, Conversation: k})
}

// ── Incoming stream ──────────────────────────────────────

// ReceiveBatch reconciles a delivery for k. Typing control messages refresh
// the typing indicator and are never stored; the rest is merged. It returns
// whether k is the active conversation and how many messages were new.
func (e *Engine) ReceiveBatch(k ConversationKey, batch []Message) (active bool, added int) {
	content, typing := splitTyping(batch)
	for _, m := range typing {
		e.metrics.typingSignal()
		e.typing.Touch(k, m.SenderID)
	}
	if len(content) == 0 {
		return e.registry.Active() == k, 0
	}
	for i := range content {
		if content[i].Conversation.IsZero() {
			content[i].Conversation = k
		}
	}

	added = e.messages.Merge(k, content)
	var last *Message
	if added > 0 {
		m := content[len(content)-1]
		last = &m
	}
	active = e.registry.Incoming(k, last, added)
	e.metrics.messagesReceived(added)
	e.logger.Debug("conversation.messages.received", "conversation", k.String(), "batch", len(batch), "added", added, "active", active)

	e.scheduleSave(k)
	e.notify(ChangeMessages, k)
	e.notify(ChangeConversations, k)
	return active, added
}

// MergeHistory merges a history page into k. Typing control messages in the
// page are dropped; nothing is reordered and unread counts are untouched.
func (e *Engine) MergeHistory(k ConversationKey, history []Message) int {
	content, _ := splitTyping(history)
	for i := range content {
		if content[i].Conversation.IsZero() {
			content[i].Conversation = k
		}
	}
	added := e.messages.Merge(k, content)
	if added > 0 {
		e.scheduleSave(k)
		e.notify(ChangeMessages, k)
	}
	return added
}

// ApplyReactions applies reaction deltas. Unknown messages are skipped.
func (e *Engine) ApplyReactions(changes []ReactionChange) {
	for _, c := range changes {
		if e.messages.ApplyReactions(c.Conversation, c.MessageID, c.Reactions) {
			e.metrics.deltaApplied("reaction")
			e.notify(ChangeMessages, c.Conversation)
		}
	}
}

// ApplyReceipts applies receipt deltas. Unknown messages are skipped.
func (e *Engine) ApplyReceipts(changes []ReceiptChange) {
	for _, c := range changes {
		if e.messages.ApplyReceipt(c.Conversation, c.MessageID, c.Status) {
			e.metrics.deltaApplied("receipt")
			e.notify(ChangeMessages, c.Conversation)
		}
	}
}

// ApplyRevokes replaces revoked messages with the deleted marker in place.
func (e *Engine) ApplyRevokes(revoked []Message) {
	for _, m := range revoked {
		if e.messages.ApplyRevoke(m.Conversation, m.ID.Server) {
			e.metrics.deltaApplied("revoke")
			e.scheduleSave(m.Conversation)
			e.notify(ChangeMessages, m.Conversation)
		}
	}
}

// ApplySnapshot merges a server conversation list into the registry.
func (e *Engine) ApplySnapshot(list []Conversation) []Conversation {
	out := e.registry.ApplySnapshot(list)
	e.notify(ChangeConversations, ConversationKey{})
	return out
}

// ── Cache ────────────────────────────────────────────────

// Hydrate fills an empty bucket from the cache.
func (e *Engine) Hydrate(k ConversationKey) bool {
	if e.cache == nil {
		return false
	}
	if e.messages.HydrateIfEmpty(k, e.cache.Load(k)) {
		e.notify(ChangeMessages, k)
		return true
	}
	return false
}

// scheduleSave (re)starts the cache timer of k. The snapshot is taken when
// the timer fires.
func (e *Engine) scheduleSave(k ConversationKey) {
	if e.cache == nil {
		return
	}
	e.saver.Schedule(k, func() { e.persist(k) })
}

func (e *Engine) persist(k ConversationKey) {
	err := e.cache.Save(k, e.messages.Messages(k))
	e.metrics.cacheWrite(err)
	if err != nil {
		e.logger.Warn("cache.write_failed", "conversation", k.String(), "error", err)
	}
}

// FlushCache writes every pending conversation now.
func (e *Engine) FlushCache() { e.saver.Flush() }

// Shutdown flushes pending cache writes and clears typing indicators.
func (e *Engine) Shutdown() {
	e.saver.Flush()
	e.typing.Stop()
}
