package chatsync

import (
	"context"
	"crypto/rand"
	"log/slog"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Draft is a message composed by the user.
type Draft struct {
	Body         string
	ExtendedData string
	Type         MessageType
	SubType      int
}

// Coordinator turns user intents into transport commands and optimistic
// local updates. Only Send reports transport failures; receipts, reactions
// and revokes fail quietly.
type Coordinator struct {
	session *Session
	engine  *Engine
	logger  *slog.Logger
	typing  *typingGate

	mu    sync.Mutex
	reply *ReplyContext
}

func NewCoordinator(s *Session) *Coordinator {
	return &Coordinator{
		session: s,
		engine:  s.engine,
		logger:  s.logger,
		typing:  &typingGate{clock: s.engine.clock, window: TypingWindow},
	}
}

// NewLocalMessageID returns a sortable client-side id for a pending message.
func NewLocalMessageID(c Clock) string {
	return ulid.MustNew(ulid.Timestamp(c.Now()), rand.Reader).String()
}

func (c *Coordinator) transport() (Transport, error) {
	h, err := c.session.Handle()
	if err != nil {
		return nil, err
	}
	return h.transport, nil
}

func (c *Coordinator) selfID() string { return c.session.Identity().NormalizedID }

// ── Conversations ────────────────────────────────────────

// Open makes k the active conversation, loading its cache and history.
func (c *Coordinator) Open(ctx context.Context, k ConversationKey) error {
	c.typing.reset()
	return c.session.openConversation(ctx, c.session.lifeContext(), k)
}

// StartChat opens a one-to-one conversation with the user identified by raw
// (an email or id), creating it at the front of the list.
func (c *Coordinator) StartChat(ctx context.Context, raw string) (ConversationKey, error) {
	id, err := ResolveIdentity(raw)
	if err != nil {
		return ConversationKey{}, err
	}
	k := PeerConversation(id.NormalizedID)
	c.engine.registry.Ensure(k, strings.TrimSpace(raw))
	return k, c.Open(ctx, k)
}

// MarkRead zeroes the unread count of k and sends a read receipt. The
// receipt is best effort.
func (c *Coordinator) MarkRead(ctx context.Context, k ConversationKey) {
	t, err := c.transport()
	if err != nil {
		c.engine.registry.MarkRead(k)
		c.engine.notify(ChangeConversations, k)
		return
	}
	c.session.markRead(ctx, t, k)
}

// ── Replies ──────────────────────────────────────────────

// SetReplyTo quotes m in the next sent message.
func (c *Coordinator) SetReplyTo(m Message) {
	rc := ReplyContextFor(m)
	c.mu.Lock()
	c.reply = &rc
	c.mu.Unlock()
}

func (c *Coordinator) ClearReply() {
	c.mu.Lock()
	c.reply = nil
	c.mu.Unlock()
}

func (c *Coordinator) ReplyTo() (ReplyContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reply == nil {
		return ReplyContext{}, false
	}
	return *c.reply, true
}

// ── Sending ──────────────────────────────────────────────

// Send sends d to the active conversation. A pending copy is shown at once
// and promoted when the transport acknowledges it; on failure it is removed,
// the reply quote is kept and a *CommandError is returned. With no active
// conversation Send does nothing.
func (c *Coordinator) Send(ctx context.Context, d Draft) (Message, error) {
	k := c.engine.Active()
	if k.IsZero() {
		return Message{}, nil
	}
	t, err := c.transport()
	if err != nil {
		return Message{}, &CommandError{Op: "send", Err: err}
	}

	if d.Type == 0 {
		d.Type = MessageText
	}
	extended := d.ExtendedData
	reply, hasReply := c.ReplyTo()
	if hasReply {
		if extended, err = withReply(extended, reply); err != nil {
			return Message{}, &CommandError{Op: "send", Err: err}
		}
	}

	localID := NewLocalMessageID(c.engine.clock)
	pending := Message{
		ID:           PendingID(localID),
		Conversation: k,
		Type:         d.Type,
		SubType:      d.SubType,
		SenderID:     c.selfID(),
		Timestamp:    c.engine.clock.Now(),
		Body:         d.Body,
		ExtendedData: extended,
	}
	c.engine.messages.Append(k, pending)
	c.engine.notify(ChangeMessages, k)

	sent, err := t.SendMessage(ctx, pending)
	if err != nil {
		c.engine.messages.Remove(k, pending.ID)
		c.engine.notify(ChangeMessages, k)
		c.engine.metrics.commandFailed("send")
		c.logger.Warn("message.send_failed", "conversation", k.String(), "error", err)
		return Message{}, &CommandError{Op: "send", Err: err}
	}
	if sent.Conversation.IsZero() {
		sent.Conversation = k
	}
	if !sent.ID.Valid() {
		sent.ID = pending.ID
	}

	c.engine.messages.Promote(k, localID, sent)
	c.engine.registry.Touch(k, sent)
	c.engine.scheduleSave(k)
	c.engine.notify(ChangeMessages, k)
	c.engine.notify(ChangeConversations, k)

	if hasReply {
		c.mu.Lock()
		if c.reply != nil && *c.reply == reply {
			c.reply = nil
		}
		c.mu.Unlock()
	}
	c.session.markRead(ctx, t, k)
	return sent, nil
}

// Forward sends the body and extended data of m to the active conversation.
func (c *Coordinator) Forward(ctx context.Context, m Message) (Message, error) {
	return c.Send(ctx, Draft{Body: m.Body, ExtendedData: m.ExtendedData, Type: m.Type, SubType: m.SubType})
}

// SendTyping signals the peer of the active conversation that the user is
// typing, at most once per TypingWindow. Rooms get no typing signals.
func (c *Coordinator) SendTyping(ctx context.Context) {
	k := c.engine.Active()
	if k.IsZero() || k.Type != ConversationPeer {
		return
	}
	t, err := c.transport()
	if err != nil {
		return
	}
	if !c.typing.acquire() {
		return
	}
	signal := Message{
		ID:           PendingID(NewLocalMessageID(c.engine.clock)),
		Conversation: k,
		Type:         MessageCustom,
		SubType:      TypingSubType,
		SenderID:     c.selfID(),
		Body:         TypingBody,
	}
	if _, err := t.SendMessage(ctx, signal); err != nil {
		c.engine.metrics.commandFailed("typing")
		c.logger.Debug("message.typing_failed", "conversation", k.String(), "error", err)
	}
}

// ── Reactions and deletion ───────────────────────────────

// React toggles the user's emoji reaction on m. Failures are logged only.
func (c *Coordinator) React(ctx context.Context, m Message, emoji string) {
	if emoji == "" {
		return
	}
	t, err := c.transport()
	if err != nil {
		return
	}
	self := c.selfID()
	k := m.Conversation
	if k.IsZero() {
		k = c.engine.Active()
	}
	current := m
	if stored, ok := c.engine.messages.Find(k, m.ID); ok {
		current = stored
	}

	remove := current.HasReaction(emoji, self)
	op := "add_reaction"
	if remove {
		op = "delete_reaction"
		err = t.DeleteReaction(ctx, current, emoji)
	} else {
		err = t.AddReaction(ctx, current, emoji)
	}
	if err != nil {
		c.engine.metrics.commandFailed(op)
		c.logger.Warn("message.reaction_failed", "op", op, "emoji", emoji, "error", err)
		return
	}
	if c.engine.messages.ToggleReaction(k, current.ID, emoji, self, !remove) {
		c.engine.notify(ChangeMessages, k)
	}
}

// DeleteForMe removes m from the active conversation locally. The cache
// catches up on its next write.
func (c *Coordinator) DeleteForMe(m Message) bool {
	k := c.engine.Active()
	if k.IsZero() || !c.engine.messages.Remove(k, m.ID) {
		return false
	}
	c.engine.scheduleSave(k)
	c.engine.notify(ChangeMessages, k)
	return true
}

// DeleteForAll revokes m for every participant and replaces it with the
// deleted marker in place. Failures are logged only.
func (c *Coordinator) DeleteForAll(ctx context.Context, m Message) {
	t, err := c.transport()
	if err != nil {
		return
	}
	if err := t.RevokeMessage(ctx, m); err != nil {
		c.engine.metrics.commandFailed("revoke")
		c.logger.Warn("message.revoke_failed", "message_id", m.ID.Key(), "error", err)
		return
	}
	k := m.Conversation
	if k.IsZero() {
		k = c.engine.Active()
	}
	if c.engine.messages.RevokeMatching(k, m.ID) {
		c.engine.scheduleSave(k)
		c.engine.notify(ChangeMessages, k)
	}
}

// ── Users ────────────────────────────────────────────────

// UserSearcher is the part of Client used for the directory search.
type UserSearcher interface {
	SearchUsers(ctx context.Context, authToken, query string) ([]User, error)
}

// SearchUsers looks up users with the signed-in identity token.
func (c *Coordinator) SearchUsers(ctx context.Context, users UserSearcher, query string) ([]User, error) {
	if len([]rune(strings.TrimSpace(query))) < MinSearchLength {
		return nil, nil
	}
	token, err := c.session.auth.IDToken(ctx)
	if err != nil {
		return nil, err
	}
	return users.SearchUsers(ctx, token, query)
}
