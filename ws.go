package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// wsEnvelope is every frame on the gateway socket. Commands carry a
// requestId that the gateway echoes in its "ack" frame.
type wsEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *GatewayError   `json:"error,omitempty"`
}

type wsCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId"`
}

// GatewayError is a command rejected by the gateway.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *GatewayError) Error() string {
	return e.Code + ": " + e.Message
}

const ackType = "ack"

type wireReactionUser struct {
	UserID string `json:"userID"`
}

type wireReaction struct {
	ReactionType string             `json:"reactionType"`
	UserList     []wireReactionUser `json:"userList"`
}

type wireMessage struct {
	MessageID        string         `json:"messageID,omitempty"`
	LocalMessageID   string         `json:"localMessageID,omitempty"`
	ConversationID   string         `json:"conversationID"`
	ConversationType int            `json:"conversationType"`
	Type             int            `json:"type"`
	SubType          int            `json:"subType,omitempty"`
	SenderUserID     string         `json:"senderUserID,omitempty"`
	Timestamp        int64          `json:"timestamp,omitempty"`
	Message          string         `json:"message"`
	ExtendedData     string         `json:"extendedData,omitempty"`
	Reactions        []wireReaction `json:"reactions,omitempty"`
	ReceiptStatus    int            `json:"receiptStatus,omitempty"`
	IsRevoked        bool           `json:"isRevoked,omitempty"`
}

type wireConversation struct {
	ConversationID     string       `json:"conversationID"`
	ConversationType   int          `json:"conversationType"`
	ConversationName   string       `json:"conversationName"`
	UnreadMessageCount int          `json:"unreadMessageCount"`
	LastMessage        *wireMessage `json:"lastMessage,omitempty"`
}

func toWireMessage(m Message) wireMessage {
	w := wireMessage{
		MessageID:        m.ID.Server,
		LocalMessageID:   m.ID.Local,
		ConversationID:   m.Conversation.ID,
		ConversationType: int(m.Conversation.Type),
		Type:             int(m.Type),
		SubType:          m.SubType,
		SenderUserID:     m.SenderID,
		Message:          m.Body,
		ExtendedData:     m.ExtendedData,
		ReceiptStatus:    int(m.Receipt),
		IsRevoked:        m.Revoked,
	}
	if !m.Timestamp.IsZero() {
		w.Timestamp = m.Timestamp.UnixMilli()
	}
	return w
}

func fromWireReactions(list []wireReaction) []Reaction {
	var out []Reaction
	for _, r := range list {
		for _, u := range r.UserList {
			out = append(out, Reaction{Emoji: r.ReactionType, UserID: u.UserID})
		}
	}
	return out
}

func (w wireMessage) toMessage(fallback ConversationKey) Message {
	k := ConversationKey{Type: ConversationType(w.ConversationType), ID: w.ConversationID}
	if k.IsZero() {
		k = fallback
	}
	m := Message{
		ID:           MessageID{Server: w.MessageID, Local: w.LocalMessageID},
		Conversation: k,
		Type:         MessageType(w.Type),
		SubType:      w.SubType,
		SenderID:     w.SenderUserID,
		Body:         w.Message,
		ExtendedData: w.ExtendedData,
		Reactions:    fromWireReactions(w.Reactions),
		Receipt:      ReceiptStatus(w.ReceiptStatus),
		Revoked:      w.IsRevoked,
	}
	if w.Timestamp > 0 {
		m.Timestamp = time.UnixMilli(w.Timestamp)
	}
	return m
}

func fromWireMessages(list []wireMessage, fallback ConversationKey) []Message {
	out := make([]Message, 0, len(list))
	for _, w := range list {
		out = append(out, w.toMessage(fallback))
	}
	return out
}

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures a WSTransport.
type WSConfig struct {
	URL               string
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func (c *WSConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

var errConnClosed = errors.New("gateway connection closed")

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport implements Transport over a JSON WebSocket gateway.
type WSTransport struct {
	config *WSConfig

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnectionState
	closing  bool
	cancelFn context.CancelFunc

	handlersMu sync.RWMutex
	nextID     uint64
	handlers   map[EventName][]wsHandler

	pendingMu sync.Mutex
	pending   map[string]chan wsEnvelope
}

type wsHandler struct {
	id uint64
	fn EventHandler
}

func NewWSTransport(cfg WSConfig) *WSTransport {
	cfg.defaults()
	return &WSTransport{
		config:   &cfg,
		state:    ConnectionDisconnected,
		handlers: make(map[EventName][]wsHandler),
		pending:  make(map[string]chan wsEnvelope),
	}
}

// WSTransportFactory returns a TransportFactory dialing cfg.URL.
func WSTransportFactory(cfg WSConfig) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		t := NewWSTransport(cfg)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
}

// State returns the current link state.
func (t *WSTransport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the gateway. The connection outlives ctx.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == ConnectionConnected || t.state == ConnectionConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = ConnectionConnecting
	t.closing = false
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.config.URL, &websocket.DialOptions{HTTPClient: t.config.HTTPClient})
	if err != nil {
		t.mu.Lock()
		t.state = ConnectionDisconnected
		t.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = ConnectionConnected
	t.cancelFn = cancel
	t.mu.Unlock()

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx, conn)
	return nil
}

// Close closes the socket without logging out.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = ConnectionDisconnected
	t.mu.Unlock()

	t.clearPending()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Handlers ─────────────────────────────────────────────

// On registers h for name. Handlers may call On or the returned function
// while being dispatched.
func (t *WSTransport) On(name EventName, h EventHandler) func() {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.nextID++
	id := t.nextID
	t.handlers[name] = append(t.handlers[name], wsHandler{id: id, fn: h})
	return func() {
		t.handlersMu.Lock()
		defer t.handlersMu.Unlock()
		list := t.handlers[name]
		for i, e := range list {
			if e.id == id {
				t.handlers[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (t *WSTransport) dispatch(ev TransportEvent) {
	t.handlersMu.RLock()
	handlers := append([]wsHandler{}, t.handlers[ev.Name]...)
	t.handlersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.config.Logger.Error("transport.handler_panic", "event", string(ev.Name), "panic", r)
				}
			}()
			h.fn(ev)
		}()
	}
}

// ── Requests ─────────────────────────────────────────────

func (t *WSTransport) send(ctx context.Context, cmd *wsCommand) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errConnClosed
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// request sends a command and waits for its ack.
func (t *WSTransport) request(ctx context.Context, typ string, payload interface{}) (json.RawMessage, error) {
	requestID := uuid.NewString()
	ch := make(chan wsEnvelope, 1)
	t.pendingMu.Lock()
	t.pending[requestID] = ch
	t.pendingMu.Unlock()

	forget := func() {
		t.pendingMu.Lock()
		delete(t.pending, requestID)
		t.pendingMu.Unlock()
	}

	if err := t.send(ctx, &wsCommand{Type: typ, Payload: payload, RequestID: requestID}); err != nil {
		forget()
		return nil, fmt.Errorf("%s: %w", typ, err)
	}

	timer := time.NewTimer(t.config.RequestTimeout)
	defer timer.Stop()
	select {
	case env, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", typ, errConnClosed)
		}
		if env.Error != nil {
			return nil, env.Error
		}
		return env.Payload, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("%s: request timeout", typ)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func requestInto[T any](ctx context.Context, t *WSTransport, typ string, payload interface{}) (*T, error) {
	raw, err := t.request(ctx, typ, payload)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return new(T), nil
	}
	return decodeJSON[T](raw)
}

func (t *WSTransport) clearPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// ── Transport commands ───────────────────────────────────

func (t *WSTransport) Login(ctx context.Context, userID, userName, token string) error {
	_, err := t.request(ctx, "login", map[string]string{
		"userID":   userID,
		"userName": userName,
		"token":    token,
	})
	return err
}

// Logout logs out and closes the socket.
func (t *WSTransport) Logout(ctx context.Context) error {
	_, err := t.request(ctx, "logout", nil)
	if cerr := t.Close(); err == nil && cerr != nil && !errors.Is(cerr, context.Canceled) {
		t.config.Logger.Debug("transport.close_failed", "error", cerr)
	}
	if errors.Is(err, errConnClosed) {
		return nil
	}
	return err
}

func (t *WSTransport) RenewToken(ctx context.Context, token string) error {
	_, err := t.request(ctx, "renewToken", map[string]string{"token": token})
	return err
}

func (t *WSTransport) EnterRoom(ctx context.Context, roomID, title string) error {
	_, err := t.request(ctx, "enterRoom", map[string]string{"roomID": roomID, "roomName": title})
	return err
}

func (t *WSTransport) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := t.request(ctx, "leaveRoom", map[string]string{"roomID": roomID})
	return err
}

type sentMessagePayload struct {
	Message wireMessage `json:"message"`
}

func (t *WSTransport) SendMessage(ctx context.Context, m Message) (Message, error) {
	resp, err := requestInto[sentMessagePayload](ctx, t, "sendMessage", sentMessagePayload{Message: toWireMessage(m)})
	if err != nil {
		return Message{}, err
	}
	sent := resp.Message.toMessage(m.Conversation)
	if sent.ID.Local == "" {
		sent.ID.Local = m.ID.Local
	}
	return sent, nil
}

func conversationPayload(k ConversationKey) map[string]interface{} {
	return map[string]interface{}{
		"conversationID":   k.ID,
		"conversationType": int(k.Type),
	}
}

func (t *WSTransport) SendReadReceipt(ctx context.Context, k ConversationKey) error {
	_, err := t.request(ctx, "sendReadReceipt", conversationPayload(k))
	return err
}

func (t *WSTransport) reaction(ctx context.Context, typ string, m Message, emoji string) error {
	_, err := t.request(ctx, typ, map[string]interface{}{
		"reactionType": emoji,
		"message":      toWireMessage(m),
	})
	return err
}

func (t *WSTransport) AddReaction(ctx context.Context, m Message, emoji string) error {
	return t.reaction(ctx, "addReaction", m, emoji)
}

func (t *WSTransport) DeleteReaction(ctx context.Context, m Message, emoji string) error {
	return t.reaction(ctx, "deleteReaction", m, emoji)
}

func (t *WSTransport) RevokeMessage(ctx context.Context, m Message) error {
	_, err := t.request(ctx, "revokeMessage", sentMessagePayload{Message: toWireMessage(m)})
	return err
}

type conversationListPayload struct {
	ConversationList []wireConversation `json:"conversationList"`
}

func (t *WSTransport) QueryConversations(ctx context.Context, limit int) ([]Conversation, error) {
	resp, err := requestInto[conversationListPayload](ctx, t, "queryConversationList", map[string]int{"count": limit})
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(resp.ConversationList))
	for _, w := range resp.ConversationList {
		k := ConversationKey{Type: ConversationType(w.ConversationType), ID: w.ConversationID}
		c := Conversation{Key: k, Title: w.ConversationName, UnreadCount: w.UnreadMessageCount}
		if c.Title == "" {
			c.Title = k.ID
		}
		if w.LastMessage != nil {
			last := w.LastMessage.toMessage(k)
			c.LastMessage = &last
		}
		out = append(out, c)
	}
	return out, nil
}

type messageListPayload struct {
	FromConversationID string        `json:"fromConversationID,omitempty"`
	MessageList        []wireMessage `json:"messageList"`
}

func (t *WSTransport) QueryHistory(ctx context.Context, k ConversationKey, limit int) ([]Message, error) {
	payload := conversationPayload(k)
	payload["count"] = limit
	payload["reverse"] = true
	resp, err := requestInto[messageListPayload](ctx, t, "queryHistoryMessage", payload)
	if err != nil {
		return nil, err
	}
	return fromWireMessages(resp.MessageList, k), nil
}

// ── Read loop ────────────────────────────────────────────

type connectionPayload struct {
	State int `json:"state"`
	Event int `json:"event"`
}

type reactionsPayload struct {
	Reactions []struct {
		ConversationID   string         `json:"conversationID"`
		ConversationType int            `json:"conversationType"`
		MessageID        string         `json:"messageID"`
		Reactions        []wireReaction `json:"reactions"`
	} `json:"reactions"`
}

type receiptsPayload struct {
	Infos []struct {
		ConversationID   string `json:"conversationID"`
		ConversationType int    `json:"conversationType"`
		MessageID        string `json:"messageID"`
		Status           int    `json:"status"`
	} `json:"infos"`
}

type tokenExpiryPayload struct {
	Second int `json:"second"`
}

// decodeEvent maps a gateway frame to a TransportEvent.
func decodeEvent(env wsEnvelope) (TransportEvent, error) {
	ev := TransportEvent{Name: EventName(env.Type)}
	payload := env.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	switch ev.Name {
	case EventConnectionStateChanged:
		var p connectionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, err
		}
		ev.Connection = ConnectionChange{State: ConnectionState(p.State), Event: ConnectionEvent(p.Event)}
	case EventPeerMessageReceived, EventRoomMessageReceived:
		var p messageListPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, err
		}
		from := PeerConversation(p.FromConversationID)
		if ev.Name == EventRoomMessageReceived {
			from = RoomConversation(p.FromConversationID)
		}
		ev.Batch = MessageBatch{From: from, Messages: fromWireMessages(p.MessageList, from)}
	case EventMessageReactions:
		var p reactionsPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, err
		}
		for _, r := range p.Reactions {
			ev.Reactions = append(ev.Reactions, ReactionChange{
				Conversation: ConversationKey{Type: ConversationType(r.ConversationType), ID: r.ConversationID},
				MessageID:    r.MessageID,
				Reactions:    fromWireReactions(r.Reactions),
			})
		}
	case EventMessageReceipt:
		var p receiptsPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, err
		}
		for _, r := range p.Infos {
			ev.Receipts = append(ev.Receipts, ReceiptChange{
				Conversation: ConversationKey{Type: ConversationType(r.ConversationType), ID: r.ConversationID},
				MessageID:    r.MessageID,
				Status:       ReceiptStatus(r.Status),
			})
		}
	case EventMessageRevoke:
		var p messageListPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, err
		}
		ev.Revoked = fromWireMessages(p.MessageList, ConversationKey{})
	case EventTokenWillExpire:
		var p tokenExpiryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, err
		}
		ev.ExpiresIn = time.Duration(p.Second) * time.Second
	case EventError:
		var p GatewayError
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, err
		}
		ev.Err = &p
	case EventConversationChanged:
	default:
		return ev, fmt.Errorf("unknown event %q", env.Type)
	}
	return ev, nil
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.closing
			if t.conn == conn {
				t.conn = nil
				t.state = ConnectionDisconnected
			}
			t.mu.Unlock()
			t.clearPending()
			if intentional {
				return
			}
			t.config.Logger.Warn("transport.disconnected", "error", err)
			t.dispatch(TransportEvent{
				Name:       EventConnectionStateChanged,
				Connection: ConnectionChange{State: ConnectionDisconnected, Event: ConnectionLoginInterrupted},
			})
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.config.Logger.Debug("transport.bad_frame", "error", err)
			continue
		}

		if env.Type == ackType {
			t.pendingMu.Lock()
			ch, ok := t.pending[env.RequestID]
			if ok {
				delete(t.pending, env.RequestID)
			}
			t.pendingMu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		ev, err := decodeEvent(env)
		if err != nil {
			t.config.Logger.Debug("transport.bad_event", "type", env.Type, "error", err)
			continue
		}
		t.dispatch(ev)
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}
