package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// State
// ============================================================================

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	StatusIdle       SessionStatus = "idle"
	StatusConnecting SessionStatus = "connecting"
	StatusConnected  SessionStatus = "connected"
	StatusError      SessionStatus = "error"
	StatusDuplicate  SessionStatus = "duplicate"
)

// SessionState is what the UI shows about the connection. Err is the failing
// error's message, unwrapped.
type SessionState struct {
	Status SessionStatus
	Err    string
	UserID string
}

const (
	// ConversationRefreshDelay coalesces bursts of conversationChanged events.
	ConversationRefreshDelay = 250 * time.Millisecond

	DefaultHistoryLimit      = 50
	DefaultConversationLimit = 100

	logoutTimeout = 10 * time.Second
)

// SessionHandle is the session's transport. It exists from the first boot
// until Logout or a duplicate-session sign-out.
type SessionHandle struct {
	transport Transport
}

func (h *SessionHandle) Transport() Transport { return h.transport }

// ============================================================================
// Session
// ============================================================================

// Session owns the transport connection: it boots it, routes its events into
// the Engine and tears it down. At most one boot runs at a time; concurrent
// Start calls share its result.
type Session struct {
	client  CredentialExchanger
	auth    AuthProvider
	factory TransportFactory
	engine  *Engine
	logger  *slog.Logger

	historyLimit      int
	conversationLimit int

	subs      *subscriptions
	refresher *debouncer[struct{}]
	bg        sync.WaitGroup

	mu       sync.Mutex
	state    SessionState
	err      error
	identity Identity
	handle   *SessionHandle
	booting  *bootCall
	life     context.Context
	cancel   context.CancelFunc
	joined   bool
}

type bootCall struct {
	done chan struct{}
	err  error
}

type SessionOption func(*Session)

func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

func WithHistoryLimit(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func WithConversationLimit(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.conversationLimit = n
		}
	}
}

func NewSession(client CredentialExchanger, auth AuthProvider, factory TransportFactory, engine *Engine, opts ...SessionOption) *Session {
	s := &Session{
		client:            client,
		auth:              auth,
		factory:           factory,
		engine:            engine,
		logger:            engine.logger,
		historyLimit:      DefaultHistoryLimit,
		conversationLimit: DefaultConversationLimit,
		subs:              newSubscriptions(),
		state:             SessionState{Status: StatusIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.refresher = newDebouncer[struct{}](engine.clock, ConversationRefreshDelay)
	return s
}

func (s *Session) Engine() *Engine { return s.engine }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error behind the error or duplicate state.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Handle returns the transport handle, or ErrNotInitialized before the
// first boot created it.
func (s *Session) Handle() (*SessionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, ErrNotInitialized
	}
	return s.handle, nil
}

// ── State transitions ────────────────────────────────────

func (s *Session) setLocked(status SessionStatus, err error) SessionState {
	s.state.Status = status
	s.err = err
	s.state.Err = ""
	if err != nil {
		s.state.Err = err.Error()
	}
	return s.state
}

func (s *Session) publish(st SessionState) {
	s.engine.metrics.sessionState(st.Status)
	s.logger.Info("session.state", "status", string(st.Status), "user_id", st.UserID, "error", st.Err)
	s.engine.listeners.emit(Change{Kind: ChangeSession, Session: st})
}

// ── Boot ─────────────────────────────────────────────────

// Start boots the session: resolve the identity, exchange the credential,
// create the transport, register handlers, log in, join the default room,
// then load the conversation list and reopen the last conversation.
// It returns nil once connected.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state.Status {
	case StatusConnected:
		s.mu.Unlock()
		return nil
	case StatusDuplicate:
		err := s.err
		s.mu.Unlock()
		return err
	}
	if call := s.booting; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &bootCall{done: make(chan struct{})}
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.booting = call
	s.life, s.cancel = life, cancel
	s.joined = false
	st := s.setLocked(StatusConnecting, nil)
	s.mu.Unlock()
	s.publish(st)

	err := s.boot(ctx, life)

	s.mu.Lock()
	s.booting = nil
	s.mu.Unlock()
	call.err = err
	close(call.done)
	return err
}

func (s *Session) boot(ctx, life context.Context) error {
	stepCtx, stop := context.WithCancel(life)
	defer stop()
	unhook := context.AfterFunc(ctx, stop)
	defer unhook()

	identity, err := ResolveIdentity(s.auth.Claim())
	if err != nil {
		return s.abort(life, err)
	}
	s.mu.Lock()
	s.identity = identity
	s.state.UserID = identity.NormalizedID
	s.mu.Unlock()

	idToken, err := s.auth.IDToken(stepCtx)
	if err != nil {
		return s.abort(life, &CredentialError{Kind: CredentialAuth, Msg: err.Error(), Err: err})
	}
	cred, err := s.client.Exchange(stepCtx, idToken, identity.NormalizedID)
	if err != nil {
		return s.abort(life, err)
	}
	if cred.IssuedForID != identity.NormalizedID {
		return s.abort(life, &IdentityError{
			Claim: identity.RawClaim,
			Msg:   fmt.Sprintf("credential issued for %q but session resolved %q", cred.IssuedForID, identity.NormalizedID),
		})
	}
	if life.Err() != nil {
		return s.abort(life, life.Err())
	}

	handle, err := s.ensureHandle(stepCtx)
	if err != nil {
		return s.abort(life, &SessionError{Op: "create transport", Err: err})
	}
	t := handle.transport
	s.register(t, life)

	if err := t.Login(stepCtx, identity.NormalizedID, identity.RawClaim, cred.Token); err != nil {
		return s.abort(life, &SessionError{Op: "login", Err: err})
	}
	if life.Err() != nil {
		return s.abort(life, life.Err())
	}
	if err := t.EnterRoom(stepCtx, DefaultRoomID, DefaultRoomTitle); err != nil {
		return s.abort(life, &SessionError{Op: "enter room", Err: err})
	}

	s.mu.Lock()
	if life.Err() != nil {
		s.mu.Unlock()
		return s.abort(life, life.Err())
	}
	s.joined = true
	st := s.setLocked(StatusConnected, nil)
	s.mu.Unlock()
	s.publish(st)

	if err := s.refreshConversations(stepCtx, life); err != nil {
		s.logger.Warn("session.conversations_failed", "error", err)
	}
	if life.Err() != nil {
		return nil
	}
	if target, ok := s.restoreTarget(); ok {
		if err := s.openConversation(stepCtx, life, target); err != nil {
			s.logger.Warn("session.restore_failed", "conversation", target.String(), "error", err)
		}
	}
	return nil
}

// abort ends a boot. A boot cancelled by Close or a duplicate sign-out leaves
// the state alone; any other failure moves the session to error with err's
// message unchanged.
func (s *Session) abort(life context.Context, err error) error {
	s.mu.Lock()
	if life.Err() != nil {
		status, serr := s.state.Status, s.err
		s.mu.Unlock()
		if status == StatusDuplicate && serr != nil {
			return serr
		}
		return context.Canceled
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.joined = false
	st := s.setLocked(StatusError, err)
	s.mu.Unlock()
	s.subs.Clear()
	s.publish(st)
	return err
}

func (s *Session) ensureHandle(ctx context.Context) (*SessionHandle, error) {
	s.mu.Lock()
	if s.handle != nil {
		h := s.handle
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	t, err := s.factory(ctx)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.New("transport factory returned nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		s.handle = &SessionHandle{transport: t}
	}
	return s.handle, nil
}

func (s *Session) restoreTarget() (ConversationKey, bool) {
	list := s.engine.Conversations()
	if len(list) == 0 {
		return ConversationKey{}, false
	}
	if s.engine.cache != nil {
		if last, ok := s.engine.cache.LastConversation(); ok {
			for _, c := range list {
				if c.Key == last {
					return last, true
				}
			}
		}
	}
	return list[0].Key, true
}

// ── Event handlers ───────────────────────────────────────

// register (re)binds every handler. Each handler does nothing once life is done.
func (s *Session) register(t Transport, life context.Context) {
	guard := func(h EventHandler) EventHandler {
		return func(ev TransportEvent) {
			if life.Err() != nil {
				return
			}
			h(ev)
		}
	}

	s.subs.Replace(t, EventConnectionStateChanged, guard(func(ev TransportEvent) {
		s.onConnectionChange(t, ev.Connection)
	}))
	incoming := guard(func(ev TransportEvent) {
		k := ev.Batch.From
		active, added := s.engine.ReceiveBatch(k, ev.Batch.Messages)
		if active && added > 0 {
			s.goBackground(func() { s.sendReceipt(life, t, k) })
		}
	})
	s.subs.Replace(t, EventPeerMessageReceived, incoming)
	s.subs.Replace(t, EventRoomMessageReceived, incoming)
	s.subs.Replace(t, EventMessageReactions, guard(func(ev TransportEvent) {
		s.engine.ApplyReactions(ev.Reactions)
	}))
	s.subs.Replace(t, EventMessageReceipt, guard(func(ev TransportEvent) {
		s.engine.ApplyReceipts(ev.Receipts)
	}))
	s.subs.Replace(t, EventMessageRevoke, guard(func(ev TransportEvent) {
		s.engine.ApplyRevokes(ev.Revoked)
	}))
	s.subs.Replace(t, EventConversationChanged, guard(func(TransportEvent) {
		s.refresher.Schedule(struct{}{}, func() {
			if err := s.refreshConversations(life, life); err != nil && life.Err() == nil {
				s.logger.Warn("session.conversations_failed", "error", err)
			}
		})
	}))
	s.subs.Replace(t, EventTokenWillExpire, guard(func(ev TransportEvent) {
		s.logger.Info("session.token_will_expire", "expires_in", ev.ExpiresIn)
		s.goBackground(func() { s.renew(life, t) })
	}))
	s.subs.Replace(t, EventError, guard(func(ev TransportEvent) {
		s.logger.Warn("transport.error", "error", ev.Err)
	}))
}

func (s *Session) goBackground(fn func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

func (s *Session) onConnectionChange(t Transport, c ConnectionChange) {
	if c.Event.Duplicate() {
		s.onDuplicate(t, c.Event)
		return
	}
	switch c.Event {
	case ConnectionLoginTimeout, ConnectionLoginInterrupted:
		s.logger.Warn("session.connection_lost", "state", int(c.State), "event", int(c.Event))
	default:
		s.logger.Debug("session.connection_state", "state", int(c.State), "event", int(c.Event))
	}
}

// onDuplicate handles another login of the same identity: the session stops
// applying events, logs out and asks the auth provider to sign out.
func (s *Session) onDuplicate(t Transport, event ConnectionEvent) {
	s.mu.Lock()
	if s.state.Status == StatusDuplicate {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.joined = false
	s.handle = nil
	st := s.setLocked(StatusDuplicate, &DuplicateSessionError{Event: event})
	s.mu.Unlock()

	s.subs.Clear()
	s.refresher.Discard()
	s.publish(st)

	s.goBackground(func() {
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()
		if err := t.Logout(ctx); err != nil {
			s.logger.Warn("session.logout_failed", "error", err)
		}
		if err := s.auth.SignOut(ctx); err != nil {
			s.logger.Warn("session.sign_out_failed", "error", err)
		}
	})
}

// renew fetches a fresh credential once per expiry warning. Failures are
// logged; the session keeps the old token until the transport drops it.
func (s *Session) renew(life context.Context, t Transport) {
	id := s.Identity()
	idToken, err := s.auth.IDToken(life)
	if err == nil {
		var cred Credential
		cred, err = s.client.Exchange(life, idToken, id.NormalizedID)
		if err == nil && cred.IssuedForID != id.NormalizedID {
			err = &IdentityError{Claim: id.RawClaim, Msg: "renewed credential issued for " + cred.IssuedForID}
		}
		if err == nil && life.Err() == nil {
			err = t.RenewToken(life, cred.Token)
		}
	}
	if err != nil {
		s.engine.metrics.commandFailed("renew_token")
		s.logger.Warn("session.token_renew_failed", "error", err)
		return
	}
	s.logger.Info("session.token_renewed", "user_id", id.NormalizedID)
}

func (s *Session) sendReceipt(life context.Context, t Transport, k ConversationKey) {
	if err := t.SendReadReceipt(life, k); err != nil && life.Err() == nil {
		s.engine.metrics.commandFailed("read_receipt")
		s.logger.Debug("session.read_receipt_failed", "conversation", k.String(), "error", err)
	}
}

// ── Conversation operations ──────────────────────────────

func (s *Session) lifeContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.life == nil {
		return context.Background()
	}
	return s.life
}

// RefreshConversations reloads the conversation list from the transport.
func (s *Session) RefreshConversations(ctx context.Context) error {
	return s.refreshConversations(ctx, s.lifeContext())
}

func (s *Session) refreshConversations(ctx, life context.Context) error {
	h, err := s.Handle()
	if err != nil {
		return err
	}
	list, err := h.transport.QueryConversations(ctx, s.conversationLimit)
	if err != nil {
		return err
	}
	if life.Err() != nil {
		return life.Err()
	}
	s.engine.ApplySnapshot(list)
	return nil
}

// openConversation makes k active, shows its cached messages, merges its
// history and marks it read.
func (s *Session) openConversation(ctx, life context.Context, k ConversationKey) error {
	h, err := s.Handle()
	if err != nil {
		return err
	}
	e := s.engine
	e.registry.Ensure(k, "")
	e.registry.SetActive(k)
	if e.cache != nil {
		if err := e.cache.SaveLastConversation(k); err != nil {
			s.logger.Warn("cache.last_conversation_failed", "error", err)
		}
	}
	e.Hydrate(k)
	e.notify(ChangeConversations, k)

	history, err := h.transport.QueryHistory(ctx, k, s.historyLimit)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	if life.Err() != nil {
		return life.Err()
	}
	e.MergeHistory(k, history)
	s.markRead(ctx, h.transport, k)
	return nil
}

// markRead zeroes the local unread count and sends a read receipt. Receipt
// failures are logged only.
func (s *Session) markRead(ctx context.Context, t Transport, k ConversationKey) {
	s.engine.registry.MarkRead(k)
	s.engine.notify(ChangeConversations, k)
	if err := t.SendReadReceipt(ctx, k); err != nil {
		s.engine.metrics.commandFailed("read_receipt")
		s.logger.Debug("session.read_receipt_failed", "conversation", k.String(), "error", err)
	}
}

// ── Teardown ─────────────────────────────────────────────

// Close stops the session: handlers are removed, no further events are
// applied, the default room is left and pending cache writes are flushed.
// The transport handle is kept for the next Start.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	joined := s.joined
	s.joined = false
	h := s.handle
	var st SessionState
	changed := false
	if s.state.Status == StatusConnecting || s.state.Status == StatusConnected {
		st = s.setLocked(StatusIdle, nil)
		changed = true
	}
	s.mu.Unlock()

	s.subs.Clear()
	s.refresher.Discard()

	var err error
	if joined && h != nil {
		if err = h.transport.LeaveRoom(ctx, DefaultRoomID); err != nil {
			s.logger.Warn("session.leave_room_failed", "error", err)
		}
	}
	s.engine.Shutdown()
	s.bg.Wait()
	if changed {
		s.publish(st)
	}
	return err
}

// Logout closes the session, logs the transport out and drops the handle.
func (s *Session) Logout(ctx context.Context) error {
	closeErr := s.Close(ctx)
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return closeErr
	}
	if err := h.transport.Logout(ctx); err != nil {
		return &SessionError{Op: "logout", Err: err}
	}
	return closeErr
}
