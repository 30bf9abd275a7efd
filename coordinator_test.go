package chatsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeSearcher struct {
	token string
	query string
	calls int
	users []User
}

func (f *fakeSearcher) SearchUsers(ctx context.Context, authToken, query string) ([]User, error) {
	f.calls++
	f.token, f.query = authToken, query
	return f.users, nil
}

func TestCoordinatorSend(t *testing.T) {
	ctx := context.Background()
	room := DefaultRoom()

	t.Run("pending then confirmed", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		receipts := r.transport.called("receipt")

		var sawPending bool
		r.engine.On(ChangeMessages, func(c Change) {
			msgs := r.engine.Messages(c.Conversation)
			if len(msgs) == 1 && msgs[0].ID.Pending() && msgs[0].Body == "hello" {
				sawPending = true
			}
		})

		sent, err := r.coord.Send(ctx, Draft{Body: "hello"})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if !sawPending {
			t.Fatal("pending message was never shown")
		}
		if sent.ID.Server != "srv-1" || sent.ID.Local == "" {
			t.Fatalf("sent id = %+v", sent.ID)
		}
		wire := r.transport.sent[0]
		if !wire.ID.Pending() || wire.ID.Local != sent.ID.Local || wire.SenderID != "alice@example.com" || wire.Type != MessageText {
			t.Fatalf("wire message = %+v", wire)
		}
		msgs := r.engine.Messages(room)
		if len(msgs) != 1 || msgs[0].ID != sent.ID {
			t.Fatalf("messages = %+v", msgs)
		}
		if c, _ := r.engine.Conversation(room); c.LastMessage == nil || c.LastMessage.Body != "hello" {
			t.Fatalf("last message = %+v", c.LastMessage)
		}
		if r.transport.called("receipt") != receipts+1 {
			t.Fatal("conversation not marked read after send")
		}
	})

	t.Run("echo before ack", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		sent, err := r.coord.Send(ctx, Draft{Body: "hello"})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		r.transport.deliver(room, sent)
		if got := r.engine.Messages(room); len(got) != 1 {
			t.Fatalf("echo duplicated the message: %v", bodies(got))
		}
	})

	t.Run("failure removes pending and keeps reply", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		r.transport.deliver(room, textMessage(room, "m1", "", "bob", "question?"))
		r.coord.SetReplyTo(r.engine.Messages(room)[0])
		r.transport.sendErr = errBoom

		_, err := r.coord.Send(ctx, Draft{Body: "answer"})
		var cerr *CommandError
		if !errors.As(err, &cerr) || cerr.Op != "send" || !errors.Is(err, errBoom) {
			t.Fatalf("err = %v", err)
		}
		if got := bodies(r.engine.Messages(room)); len(got) != 1 || got[0] != "question?" {
			t.Fatalf("messages = %v", got)
		}
		if _, ok := r.coord.ReplyTo(); !ok {
			t.Fatal("reply dropped after failed send")
		}
	})

	t.Run("reply quote", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		r.transport.deliver(room, textMessage(room, "m1", "", "bob", "question?"))
		r.coord.SetReplyTo(r.engine.Messages(room)[0])

		sent, err := r.coord.Send(ctx, Draft{Body: "answer", ExtendedData: `{"source":"cli"}`})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		reply, ok := ReplyOf(r.transport.sent[0])
		if !ok || reply.ID != "m1" || reply.Sender != "bob" || reply.Text != "question?" {
			t.Fatalf("reply = %+v, %v", reply, ok)
		}
		if !strings.Contains(sent.ExtendedData, `"source":"cli"`) {
			t.Fatalf("extended data lost: %s", sent.ExtendedData)
		}
		if _, ok := r.coord.ReplyTo(); ok {
			t.Fatal("reply kept after send")
		}
	})

	t.Run("cleared reply", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		r.transport.deliver(room, textMessage(room, "m1", "", "bob", "question?"))
		r.coord.SetReplyTo(r.engine.Messages(room)[0])
		r.coord.ClearReply()
		if _, err := r.coord.Send(ctx, Draft{Body: "unrelated"}); err != nil {
			t.Fatalf("send: %v", err)
		}
		if _, ok := ReplyOf(r.transport.sent[0]); ok {
			t.Fatal("cleared reply still attached")
		}
	})

	t.Run("no active conversation", func(t *testing.T) {
		r := newRig(t)
		sent, err := r.coord.Send(ctx, Draft{Body: "hello"})
		if err != nil || sent.ID.Valid() {
			t.Fatalf("sent = %+v, err = %v", sent, err)
		}
	})

	t.Run("not initialized", func(t *testing.T) {
		r := newRig(t)
		r.engine.registry.SetActive(PeerConversation("b"))
		_, err := r.coord.Send(ctx, Draft{Body: "hello"})
		if !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("forward", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		m := textMessage(room, "m1", "", "bob", "look at this")
		m.ExtendedData = `{"link":"x"}`
		r.transport.deliver(room, m)

		b := PeerConversation("b")
		if err := r.coord.Open(ctx, b); err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := r.coord.Forward(ctx, r.engine.Messages(room)[0]); err != nil {
			t.Fatalf("forward: %v", err)
		}
		wire := r.transport.sent[0]
		if wire.Conversation != b || wire.Body != "look at this" || wire.ExtendedData != `{"link":"x"}` {
			t.Fatalf("forwarded = %+v", wire)
		}
	})
}

func TestCoordinatorReact(t *testing.T) {
	ctx := context.Background()
	room := DefaultRoom()

	r := newRig(t)
	r.start(t)
	r.transport.deliver(room, textMessage(room, "m1", "", "bob", "hi"))
	stale := r.engine.Messages(room)[0]

	r.coord.React(ctx, stale, "👍")
	if m := r.engine.Messages(room)[0]; !m.HasReaction("👍", "alice@example.com") {
		t.Fatalf("reaction not added: %+v", m.Reactions)
	}

	// The caller's copy predates the reaction; the stored message decides.
	r.coord.React(ctx, stale, "👍")
	if m := r.engine.Messages(room)[0]; len(m.Reactions) != 0 {
		t.Fatalf("reaction not removed: %+v", m.Reactions)
	}
	if len(r.transport.reactions) != 2 || !r.transport.reactions[0].Add || r.transport.reactions[1].Add {
		t.Fatalf("transport reactions = %+v", r.transport.reactions)
	}

	r.transport.reactionErr = errBoom
	r.coord.React(ctx, stale, "🎉")
	if m := r.engine.Messages(room)[0]; len(m.Reactions) != 0 {
		t.Fatalf("failed reaction applied: %+v", m.Reactions)
	}

	r.coord.React(ctx, stale, "")
	if len(r.transport.reactions) != 3 {
		t.Fatal("empty emoji reached the transport")
	}
}

func TestCoordinatorDelete(t *testing.T) {
	ctx := context.Background()
	room := DefaultRoom()

	t.Run("for all", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		r.transport.deliver(room, textMessage(room, "m1", "", "bob", "one"), textMessage(room, "m2", "", "bob", "two"))

		r.coord.DeleteForAll(ctx, r.engine.Messages(room)[0])
		msgs := r.engine.Messages(room)
		if len(msgs) != 2 || !msgs[0].Revoked || msgs[0].Body != RevokedBody || msgs[1].Body != "two" {
			t.Fatalf("messages = %+v", msgs)
		}
	})

	t.Run("own message by local id", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		sent, err := r.coord.Send(ctx, Draft{Body: "mine"})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		r.coord.DeleteForAll(ctx, Message{ID: PendingID(sent.ID.Local), Conversation: room})
		if m := r.engine.Messages(room)[0]; !m.Revoked {
			t.Fatalf("m = %+v", m)
		}
	})

	t.Run("revoke failure", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		r.transport.deliver(room, textMessage(room, "m1", "", "bob", "one"))
		r.transport.revokeErr = errBoom
		r.coord.DeleteForAll(ctx, r.engine.Messages(room)[0])
		if m := r.engine.Messages(room)[0]; m.Revoked {
			t.Fatal("revoked despite transport failure")
		}
	})

	t.Run("for me", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		r.transport.deliver(room, textMessage(room, "m1", "", "bob", "one"), textMessage(room, "m2", "", "bob", "two"))
		r.clock.Advance(CacheSaveDelay)

		if !r.coord.DeleteForMe(r.engine.Messages(room)[0]) {
			t.Fatal("DeleteForMe returned false")
		}
		if got := bodies(r.engine.Messages(room)); len(got) != 1 || got[0] != "two" {
			t.Fatalf("messages = %v", got)
		}
		if r.transport.called("revoke") != 0 {
			t.Fatal("delete for me reached the transport")
		}
		r.clock.Advance(CacheSaveDelay)
		if got := bodies(r.cache.Load(room)); len(got) != 1 || got[0] != "two" {
			t.Fatalf("cache = %v", got)
		}
		if r.coord.DeleteForMe(textMessage(room, "zzz", "", "bob", "")) {
			t.Fatal("deleted an unknown message")
		}
	})
}

func TestCoordinatorTyping(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.start(t)

	r.coord.SendTyping(ctx)
	if r.transport.called("send") != 0 {
		t.Fatal("typing signal sent to a room")
	}

	b := PeerConversation("b")
	if err := r.coord.Open(ctx, b); err != nil {
		t.Fatalf("open: %v", err)
	}
	r.coord.SendTyping(ctx)
	r.coord.SendTyping(ctx)
	if n := r.transport.called("send"); n != 1 {
		t.Fatalf("signals within one window = %d", n)
	}
	sig := r.transport.sent[0]
	if sig.Type != MessageCustom || sig.SubType != TypingSubType || sig.Body != TypingBody || sig.Conversation != b {
		t.Fatalf("signal = %+v", sig)
	}
	if len(r.engine.Messages(b)) != 0 {
		t.Fatal("typing signal stored")
	}

	r.clock.Advance(TypingWindow)
	r.coord.SendTyping(ctx)
	if n := r.transport.called("send"); n != 2 {
		t.Fatalf("signals after window = %d", n)
	}
}

func TestCoordinatorConversations(t *testing.T) {
	ctx := context.Background()

	t.Run("start chat", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		k, err := r.coord.StartChat(ctx, " Bob@Example.com ")
		if err != nil {
			t.Fatalf("start chat: %v", err)
		}
		if k != PeerConversation("bob@example.com") || r.engine.Active() != k {
			t.Fatalf("key = %v, active = %v", k, r.engine.Active())
		}
		front := r.engine.Conversations()[0]
		if front.Key != k || front.Title != "Bob@Example.com" {
			t.Fatalf("front = %+v", front)
		}
		if last, ok := r.cache.LastConversation(); !ok || last != k {
			t.Fatalf("last conversation = %v", last)
		}
		if _, err := r.coord.StartChat(ctx, "  "); err == nil {
			t.Fatal("expected error for empty id")
		}
	})

	t.Run("mark read", func(t *testing.T) {
		r := newRig(t)
		r.start(t)
		b := PeerConversation("b")
		r.transport.deliver(b, textMessage(b, "m1", "", "b", "hi"))
		if c, _ := r.engine.Conversation(b); c.UnreadCount != 1 {
			t.Fatalf("unread = %d", c.UnreadCount)
		}
		r.coord.MarkRead(ctx, b)
		if c, _ := r.engine.Conversation(b); c.UnreadCount != 0 {
			t.Fatalf("unread = %d", c.UnreadCount)
		}
		if got := r.transport.receipts[len(r.transport.receipts)-1]; got != b {
			t.Fatalf("last receipt for %v", got)
		}
	})
}

func TestCoordinatorSearchUsers(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	users := &fakeSearcher{users: []User{{UserID: "bob", Email: "bob@example.com"}}}

	got, err := r.coord.SearchUsers(ctx, users, " b ")
	if err != nil || got != nil || users.calls != 0 {
		t.Fatalf("short query: %v %v calls=%d", got, err, users.calls)
	}

	got, err = r.coord.SearchUsers(ctx, users, "bo")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || users.token != "id-token" || users.query != "bo" {
		t.Fatalf("got %v with token %q", got, users.token)
	}

	r.auth.tokenErr = errBoom
	if _, err := r.coord.SearchUsers(ctx, users, "bob"); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewLocalMessageID(t *testing.T) {
	clock := newFakeClock()
	a := NewLocalMessageID(clock)
	clock.Advance(time.Second)
	b := NewLocalMessageID(clock)
	if len(a) != 26 || a >= b {
		t.Fatalf("ids not sortable: %s %s", a, b)
	}
}
