package chatsync

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestEngine(t *testing.T) (*Engine, *fakeClock, *CacheStore) {
	t.Helper()
	clock := newFakeClock()
	cache := NewCacheStore(NewMemoryKV(), WithCacheClock(clock))
	return NewEngine(cache, WithEngineClock(clock)), clock, cache
}

func TestEngineReceiveBatch(t *testing.T) {
	t.Run("active conversation stays read", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		a := PeerConversation("a")
		e.registry.Ensure(a, "")
		e.registry.SetActive(a)

		active, added := e.ReceiveBatch(a, []Message{textMessage(a, "m1", "", "a", "hello")})
		if !active || added != 1 {
			t.Fatalf("active = %v, added = %d", active, added)
		}
		if got := bodies(e.Messages(a)); len(got) != 1 || got[0] != "hello" {
			t.Fatalf("messages = %v", got)
		}
		c, _ := e.Conversation(a)
		if c.UnreadCount != 0 {
			t.Fatalf("unread = %d", c.UnreadCount)
		}
	})

	t.Run("unknown conversation created at front", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		a, b := PeerConversation("a"), PeerConversation("b")
		e.registry.Ensure(a, "")
		e.registry.SetActive(a)

		_, added := e.ReceiveBatch(b, []Message{
			textMessage(b, "m1", "", "b", "one"),
			textMessage(b, "m2", "", "b", "two"),
		})
		if added != 2 {
			t.Fatalf("added = %d", added)
		}
		list := e.Conversations()
		if list[0].Key != b || list[0].UnreadCount != 2 {
			t.Fatalf("front = %+v", list[0])
		}
		if list[0].LastMessage == nil || list[0].LastMessage.Body != "two" {
			t.Fatalf("last = %+v", list[0].LastMessage)
		}
	})

	t.Run("redelivery adds nothing", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		b := PeerConversation("b")
		batch := []Message{textMessage(b, "m1", "", "b", "one")}
		e.ReceiveBatch(b, batch)
		if _, added := e.ReceiveBatch(b, batch); added != 0 {
			t.Fatalf("added = %d", added)
		}
		if c, _ := e.Conversation(b); c.UnreadCount != 1 {
			t.Fatalf("unread = %d", c.UnreadCount)
		}
	})

	t.Run("late duplicate keeps preview", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		b := PeerConversation("b")
		old := textMessage(b, "m1", "", "b", "one")
		e.ReceiveBatch(b, []Message{old, textMessage(b, "m2", "", "b", "two")})
		if _, added := e.ReceiveBatch(b, []Message{old}); added != 0 {
			t.Fatalf("added = %d", added)
		}
		if c, _ := e.Conversation(b); c.LastMessage == nil || c.LastMessage.Body != "two" {
			t.Fatalf("last = %+v", c.LastMessage)
		}
	})

	t.Run("typing is never stored", func(t *testing.T) {
		e, clock, _ := newTestEngine(t)
		b := PeerConversation("b")
		var typingChanges int
		e.On(ChangeTyping, func(Change) { typingChanges++ })

		_, added := e.ReceiveBatch(b, []Message{typingMessage(b, "b")})
		if added != 0 || len(e.Messages(b)) != 0 {
			t.Fatalf("typing stored: %v", bodies(e.Messages(b)))
		}
		if _, ok := e.Conversation(b); ok {
			t.Fatal("typing-only batch created a conversation")
		}
		if _, ok := e.Typing(b); !ok {
			t.Fatal("typing indicator not shown")
		}
		clock.Advance(TypingWindow)
		if _, ok := e.Typing(b); ok {
			t.Fatal("typing indicator did not clear")
		}
		if typingChanges != 2 {
			t.Fatalf("typing changes = %d", typingChanges)
		}
	})

	t.Run("mixed batch keeps content", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		b := PeerConversation("b")
		_, added := e.ReceiveBatch(b, []Message{typingMessage(b, "b"), textMessage(b, "m1", "", "b", "real")})
		if added != 1 || len(e.Messages(b)) != 1 {
			t.Fatalf("added = %d, messages = %v", added, bodies(e.Messages(b)))
		}
		if c, _ := e.Conversation(b); c.UnreadCount != 1 {
			t.Fatalf("unread = %d", c.UnreadCount)
		}
	})
}

func TestEngineCacheDebounce(t *testing.T) {
	e, clock, cache := newTestEngine(t)
	k := PeerConversation("b")

	e.ReceiveBatch(k, []Message{textMessage(k, "m1", "", "b", "one")})
	clock.Advance(200 * time.Millisecond)
	e.ReceiveBatch(k, []Message{textMessage(k, "m2", "", "b", "two")})
	clock.Advance(200 * time.Millisecond)
	if got := cache.Load(k); got != nil {
		t.Fatalf("written before the conversation went quiet: %v", bodies(got))
	}
	clock.Advance(200 * time.Millisecond)
	if got := bodies(cache.Load(k)); len(got) != 2 || got[1] != "two" {
		t.Fatalf("cache = %v", got)
	}

	e.ReceiveBatch(k, []Message{textMessage(k, "m3", "", "b", "three")})
	e.Shutdown()
	if got := cache.Load(k); len(got) != 3 {
		t.Fatalf("Shutdown did not flush: %v", bodies(got))
	}
}

func TestEngineHydrate(t *testing.T) {
	e, _, cache := newTestEngine(t)
	k := PeerConversation("b")
	cache.Save(k, []Message{textMessage(k, "m1", "", "b", "cached")})

	if !e.Hydrate(k) {
		t.Fatal("not hydrated")
	}
	e.MergeHistory(k, []Message{textMessage(k, "m1", "", "b", "cached"), textMessage(k, "m2", "", "b", "new")})
	if got := bodies(e.Messages(k)); len(got) != 2 {
		t.Fatalf("messages = %v", got)
	}
	if e.Hydrate(k) {
		t.Fatal("hydrated a non-empty bucket")
	}
	if c, ok := e.Conversation(k); ok && c.UnreadCount != 0 {
		t.Fatalf("history changed unread: %d", c.UnreadCount)
	}
}

func TestEngineDeltas(t *testing.T) {
	e, _, _ := newTestEngine(t)
	k := RoomConversation("global")
	e.ReceiveBatch(k, []Message{textMessage(k, "m1", "", "b", "one"), textMessage(k, "m2", "", "c", "two")})

	var changes int
	off := e.On(ChangeMessages, func(Change) { changes++ })
	e.ApplyReactions([]ReactionChange{
		{Conversation: k, MessageID: "m1", Reactions: []Reaction{{Emoji: "🔥", UserID: "c"}}},
		{Conversation: k, MessageID: "zzz"},
	})
	e.ApplyReceipts([]ReceiptChange{{Conversation: k, MessageID: "m2", Status: ReceiptDone}})
	e.ApplyRevokes([]Message{{ID: ConfirmedID("m2", ""), Conversation: k}})
	off()
	e.ApplyRevokes([]Message{{ID: ConfirmedID("m1", ""), Conversation: k}})

	msgs := e.Messages(k)
	if msgs[1].Body != RevokedBody || msgs[1].Receipt != ReceiptDone {
		t.Fatalf("m2 = %+v", msgs[1])
	}
	if changes != 3 {
		t.Fatalf("changes = %d", changes)
	}
	if len(msgs) != 2 || !msgs[0].Revoked {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestEngineListenerPanic(t *testing.T) {
	e, _, _ := newTestEngine(t)
	called := false
	e.On("", func(Change) { panic("listener bug") })
	e.On(ChangeConversations, func(Change) { called = true })
	e.ApplySnapshot(nil)
	if !called {
		t.Fatal("panicking listener stopped delivery")
	}
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	clock := newFakeClock()
	e := NewEngine(NewCacheStore(NewMemoryKV(), WithCacheClock(clock)), WithEngineClock(clock), WithMetrics(m))
	k := PeerConversation("b")

	e.ReceiveBatch(k, []Message{typingMessage(k, "b"), textMessage(k, "m1", "", "b", "x"), textMessage(k, "m2", "", "b", "y")})
	e.ApplyReceipts([]ReceiptChange{{Conversation: k, MessageID: "m1", Status: ReceiptDone}})
	clock.Advance(CacheSaveDelay)

	if got := testutil.ToFloat64(m.MessagesReceived); got != 2 {
		t.Fatalf("messages_received = %v", got)
	}
	if got := testutil.ToFloat64(m.TypingSignals); got != 1 {
		t.Fatalf("typing_signals = %v", got)
	}
	if got := testutil.ToFloat64(m.DeltasApplied.WithLabelValues("receipt")); got != 1 {
		t.Fatalf("deltas_applied{receipt} = %v", got)
	}
	if got := testutil.ToFloat64(m.CacheWrites.WithLabelValues("ok")); got != 1 {
		t.Fatalf("cache_writes{ok} = %v", got)
	}

	var nilMetrics *Metrics
	nilMetrics.messagesReceived(1)
	nilMetrics.commandFailed("send")
}
