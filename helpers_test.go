package chatsync

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake clock
// ============================================================================

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due callbacks in deadline order on the
// caller's goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// Fake transport
// ============================================================================

type sentReaction struct {
	Message MessageID
	Emoji   string
	Add     bool
}

type fakeTransport struct {
	mu       sync.Mutex
	nextID   int
	handlers map[EventName]map[int]EventHandler

	calls         []string
	loginUser     string
	loginToken    string
	sent          []Message
	receipts      []ConversationKey
	reactions     []sentReaction
	revoked       []Message
	renewedTokens []string

	conversations []Conversation
	history       map[ConversationKey][]Message
	serverSeq     int

	loginErr    error
	enterErr    error
	sendErr     error
	reactionErr error
	revokeErr   error
	historyErr  error
	loggedOut   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:  make(map[EventName]map[int]EventHandler),
		history:   make(map[ConversationKey][]Message),
		loggedOut: make(chan struct{}),
	}
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) called(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeTransport) Login(ctx context.Context, userID, userName, token string) error {
	f.record("login")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginUser, f.loginToken = userID, token
	return f.loginErr
}

func (f *fakeTransport) Logout(ctx context.Context) error {
	f.record("logout")
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.loggedOut:
	default:
		close(f.loggedOut)
	}
	return nil
}

func (f *fakeTransport) RenewToken(ctx context.Context, token string) error {
	f.record("renew")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewedTokens = append(f.renewedTokens, token)
	return nil
}

func (f *fakeTransport) EnterRoom(ctx context.Context, roomID, title string) error {
	f.record("enterRoom")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enterErr
}

func (f *fakeTransport) LeaveRoom(ctx context.Context, roomID string) error {
	f.record("leaveRoom")
	return nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, m Message) (Message, error) {
	f.record("send")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	if f.sendErr != nil {
		return Message{}, f.sendErr
	}
	f.serverSeq++
	m.ID = m.ID.Confirm("srv-" + strconv.Itoa(f.serverSeq))
	return m, nil
}

func (f *fakeTransport) SendReadReceipt(ctx context.Context, k ConversationKey) error {
	f.record("receipt")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, k)
	return nil
}

func (f *fakeTransport) AddReaction(ctx context.Context, m Message, emoji string) error {
	f.record("addReaction")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, sentReaction{Message: m.ID, Emoji: emoji, Add: true})
	return f.reactionErr
}

func (f *fakeTransport) DeleteReaction(ctx context.Context, m Message, emoji string) error {
	f.record("deleteReaction")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, sentReaction{Message: m.ID, Emoji: emoji})
	return f.reactionErr
}

func (f *fakeTransport) RevokeMessage(ctx context.Context, m Message) error {
	f.record("revoke")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, m)
	return f.revokeErr
}

func (f *fakeTransport) QueryConversations(ctx context.Context, limit int) ([]Conversation, error) {
	f.record("queryConversations")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Conversation(nil), f.conversations...), nil
}

func (f *fakeTransport) QueryHistory(ctx context.Context, k ConversationKey, limit int) ([]Message, error) {
	f.record("queryHistory")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]Message(nil), f.history[k]...), nil
}

func (f *fakeTransport) On(name EventName, h EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[name] == nil {
		f.handlers[name] = make(map[int]EventHandler)
	}
	f.handlers[name][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[name], id)
	}
}

// emit delivers ev to the registered handlers outside the lock.
func (f *fakeTransport) emit(ev TransportEvent) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.handlers[ev.Name]))
	for id := range f.handlers[ev.Name] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, f.handlers[ev.Name][id])
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeTransport) deliver(k ConversationKey, msgs ...Message) {
	name := EventPeerMessageReceived
	if k.Type == ConversationRoom {
		name = EventRoomMessageReceived
	}
	f.emit(TransportEvent{Name: name, Batch: MessageBatch{From: k, Messages: msgs}})
}

// ============================================================================
// Fake auth and exchanger
// ============================================================================

type fakeAuth struct {
	claim    string
	token    string
	tokenErr error

	mu       sync.Mutex
	signOuts int
}

func (a *fakeAuth) Claim() string { return a.claim }

func (a *fakeAuth) IDToken(ctx context.Context) (string, error) {
	if a.tokenErr != nil {
		return "", a.tokenErr
	}
	return a.token, ctx.Err()
}

func (a *fakeAuth) SignOut(context.Context) error {
	a.mu.Lock()
	a.signOuts++
	a.mu.Unlock()
	return nil
}

func (a *fakeAuth) SignOuts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signOuts
}

type fakeExchanger struct {
	mu        sync.Mutex
	calls     int
	issuedFor string
	err       error
	block     chan struct{}
}

func (x *fakeExchanger) Exchange(ctx context.Context, authToken, userID string) (Credential, error) {
	x.mu.Lock()
	x.calls++
	block := x.block
	x.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}
	if x.err != nil {
		return Credential{}, x.err
	}
	issued := userID
	if x.issuedFor != "" {
		issued = x.issuedFor
	}
	return Credential{Token: "chat-token-" + userID, OwnerID: userID, IssuedForID: issued}, nil
}

func (x *fakeExchanger) Calls() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls
}

// ============================================================================
// Fixtures
// ============================================================================

var errBoom = errors.New("boom")

func textMessage(k ConversationKey, serverID, localID, sender, body string) Message {
	return Message{
		ID:           MessageID{Server: serverID, Local: localID},
		Conversation: k,
		Type:         MessageText,
		SenderID:     sender,
		Body:         body,
	}
}

func typingMessage(k ConversationKey, sender string) Message {
	return Message{
		ID:           MessageID{Server: "typing-" + sender},
		Conversation: k,
		Type:         MessageCustom,
		SubType:      TypingSubType,
		SenderID:     sender,
		Body:         TypingBody,
	}
}

func bodies(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

type testRig struct {
	clock     *fakeClock
	kv        *MemoryKV
	cache     *CacheStore
	engine    *Engine
	transport *fakeTransport
	auth      *fakeAuth
	exchanger *fakeExchanger
	factories int
	session   *Session
	coord     *Coordinator
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	r := &testRig{
		clock:     newFakeClock(),
		kv:        NewMemoryKV(),
		transport: newFakeTransport(),
		auth:      &fakeAuth{claim: "Alice@Example.com", token: "id-token"},
		exchanger: &fakeExchanger{},
	}
	r.cache = NewCacheStore(r.kv, WithCacheClock(r.clock))
	r.engine = NewEngine(r.cache, WithEngineClock(r.clock))
	factory := func(ctx context.Context) (Transport, error) {
		r.factories++
		return r.transport, nil
	}
	r.session = NewSession(r.exchanger, r.auth, factory, r.engine)
	r.coord = NewCoordinator(r.session)
	return r
}

func (r *testRig) start(t *testing.T) {
	t.Helper()
	if err := r.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// waitUntil polls cond until it holds or two seconds pass.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
