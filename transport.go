package chatsync

import (
	"context"
	"time"
)

// ============================================================================
// Transport events
// ============================================================================

// EventName names a transport event. Handlers are registered per name.
type EventName string

const (
	EventConnectionStateChanged EventName = "connectionStateChanged"
	EventPeerMessageReceived    EventName = "peerMessageReceived"
	EventRoomMessageReceived    EventName = "roomMessageReceived"
	EventMessageReactions       EventName = "messageReactionsChanged"
	EventMessageReceipt         EventName = "messageReceiptChanged"
	EventMessageRevoke          EventName = "messageRevokeReceived"
	EventConversationChanged    EventName = "conversationChanged"
	EventTokenWillExpire        EventName = "tokenWillExpire"
	EventError                  EventName = "error"
)

// ConnectionState is the transport's link state.
type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionReconnecting
)

// ConnectionEvent says why the connection state changed.
type ConnectionEvent int

const (
	ConnectionSuccess          ConnectionEvent = 0
	ConnectionActiveLogin      ConnectionEvent = 1
	ConnectionLoginTimeout     ConnectionEvent = 2
	ConnectionLoginInterrupted ConnectionEvent = 3
	ConnectionKickedOut        ConnectionEvent = 4
)

// Duplicate reports whether the event means another session took over the identity.
func (e ConnectionEvent) Duplicate() bool {
	return e == ConnectionActiveLogin || e == ConnectionKickedOut
}

type ConnectionChange struct {
	State ConnectionState
	Event ConnectionEvent
}

// MessageBatch is a delivery of messages for one conversation.
type MessageBatch struct {
	From     ConversationKey
	Messages []Message
}

type ReactionChange struct {
	Conversation ConversationKey
	MessageID    string
	Reactions    []Reaction
}

type ReceiptChange struct {
	Conversation ConversationKey
	MessageID    string
	Status       ReceiptStatus
}

// TransportEvent carries the payload of one event; only the field matching
// Name is set.
type TransportEvent struct {
	Name       EventName
	Connection ConnectionChange
	Batch      MessageBatch
	Reactions  []ReactionChange
	Receipts   []ReceiptChange
	Revoked    []Message
	ExpiresIn  time.Duration
	Err        error
}

// EventHandler handles transport events. Transports call handlers in
// delivery order, one at a time; a handler must not block on a transport command.
type EventHandler func(TransportEvent)

// ============================================================================
// Transport
// ============================================================================

// Transport is the realtime messaging channel.
type Transport interface {
	Login(ctx context.Context, userID, userName, token string) error
	Logout(ctx context.Context) error
	RenewToken(ctx context.Context, token string) error

	EnterRoom(ctx context.Context, roomID, title string) error
	LeaveRoom(ctx context.Context, roomID string) error

	// SendMessage sends m (pending id set) and returns the stored message.
	SendMessage(ctx context.Context, m Message) (Message, error)
	SendReadReceipt(ctx context.Context, k ConversationKey) error
	AddReaction(ctx context.Context, m Message, emoji string) error
	DeleteReaction(ctx context.Context, m Message, emoji string) error
	RevokeMessage(ctx context.Context, m Message) error

	QueryConversations(ctx context.Context, limit int) ([]Conversation, error)
	// QueryHistory returns up to limit of the most recent messages of k.
	QueryHistory(ctx context.Context, k ConversationKey, limit int) ([]Message, error)

	// On registers h for name and returns a function removing it.
	On(name EventName, h EventHandler) (unsubscribe func())
}

// TransportFactory creates the session's transport once per handle.
type TransportFactory func(ctx context.Context) (Transport, error)
