package chatsync

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Conversations
// ============================================================================

// ConversationType distinguishes one-to-one threads from room threads.
// Values match the transport's wire codes.
type ConversationType int

const (
	ConversationPeer ConversationType = 0
	ConversationRoom ConversationType = 1
)

func (t ConversationType) String() string {
	switch t {
	case ConversationPeer:
		return "peer"
	case ConversationRoom:
		return "room"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ConversationKey identifies a conversation. It is comparable and safe to use as a map key.
type ConversationKey struct {
	Type ConversationType `json:"type"`
	ID   string           `json:"id"`
}

// String renders the key as "<type>:<id>", the form used in cache keys.
func (k ConversationKey) String() string {
	return strconv.Itoa(int(k.Type)) + ":" + k.ID
}

func (k ConversationKey) IsZero() bool { return k.ID == "" }

// ParseConversationKey parses "<type>:<id>". The type is a wire code or one
// of "peer" and "room".
func ParseConversationKey(s string) (ConversationKey, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	switch typ {
	case "peer":
		return PeerConversation(id), nil
	case "room":
		return RoomConversation(id), nil
	}
	n, err := strconv.Atoi(typ)
	if err != nil {
		return ConversationKey{}, fmt.Errorf("invalid conversation type %q", typ)
	}
	return ConversationKey{Type: ConversationType(n), ID: id}, nil
}

// PeerConversation returns the key of the one-to-one thread with userID.
func PeerConversation(userID string) ConversationKey {
	return ConversationKey{Type: ConversationPeer, ID: userID}
}

// RoomConversation returns the key of a room thread.
func RoomConversation(roomID string) ConversationKey {
	return ConversationKey{Type: ConversationRoom, ID: roomID}
}

const (
	DefaultRoomID    = "global"
	DefaultRoomTitle = "Community"
)

// DefaultRoom is the community room every session joins.
func DefaultRoom() ConversationKey { return RoomConversation(DefaultRoomID) }

// Conversation is a registry entry.
type Conversation struct {
	Key         ConversationKey
	Title       string
	UnreadCount int
	LastMessage *Message
}

// ============================================================================
// Messages
// ============================================================================

// MessageType values match the transport's wire codes.
type MessageType int

const (
	MessageText   MessageType = 1
	MessageCustom MessageType = 200
)

// ReceiptStatus is the delivery/read state reported by the transport.
type ReceiptStatus int

const (
	ReceiptNone ReceiptStatus = iota
	ReceiptProcessing
	ReceiptDone
	ReceiptExpired
	ReceiptFailed
)

// RevokedBody replaces the body of a message that was deleted for everyone.
const RevokedBody = "Message deleted"

// MessageID is either pending (local id only, assigned before the transport
// acknowledges a send) or confirmed (server id present). The local id is kept
// after confirmation so a pending entry can be matched and promoted.
type MessageID struct {
	Server string
	Local  string
}

// PendingID returns the id of a message that has not been acknowledged yet.
func PendingID(localID string) MessageID { return MessageID{Local: localID} }

// ConfirmedID returns the id of a message the server has stored.
func ConfirmedID(serverID, localID string) MessageID {
	return MessageID{Server: serverID, Local: localID}
}

func (id MessageID) Pending() bool { return id.Server == "" }

// Valid reports whether at least one identifier is present.
func (id MessageID) Valid() bool { return id.Server != "" || id.Local != "" }

// Key is the dedup key: the server id when confirmed, the local id otherwise.
func (id MessageID) Key() string {
	if id.Server != "" {
		return id.Server
	}
	return id.Local
}

// Confirm promotes a pending id with the server-assigned id.
func (id MessageID) Confirm(serverID string) MessageID {
	return MessageID{Server: serverID, Local: id.Local}
}

// Matches applies the dual-key rule: server ids decide when both sides carry
// one, otherwise the non-empty local id pair must match.
func (id MessageID) Matches(other MessageID) bool {
	if id.Server != "" && other.Server != "" {
		return id.Server == other.Server
	}
	if id.Server == "" && id.Local != "" {
		return id.Local == other.Local
	}
	if other.Server == "" && other.Local != "" {
		return other.Local == id.Local
	}
	return false
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is a chat message as held in local state.
type Message struct {
	ID           MessageID
	Conversation ConversationKey
	Type         MessageType
	SubType      int
	SenderID     string
	Timestamp    time.Time
	Body         string
	ExtendedData string
	Reactions    []Reaction
	Receipt      ReceiptStatus
	Revoked      bool
}

// HasReaction reports whether userID reacted with emoji.
func (m Message) HasReaction(emoji, userID string) bool {
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.UserID == userID {
			return true
		}
	}
	return false
}

// WithRevoked returns a copy carrying the deleted marker.
func (m Message) WithRevoked() Message {
	m.Body = RevokedBody
	m.Revoked = true
	m.Reactions = nil
	m.ExtendedData = ""
	return m
}

// ReactionSummary is the per-emoji aggregate shown under a message.
type ReactionSummary struct {
	Emoji string
	Count int
	Mine  bool
}

// SummarizeReactions groups reactions by emoji in first-seen order.
func SummarizeReactions(reactions []Reaction, viewerID string) []ReactionSummary {
	var out []ReactionSummary
	index := make(map[string]int)
	for _, r := range reactions {
		if r.Emoji == "" {
			continue
		}
		i, ok := index[r.Emoji]
		if !ok {
			i = len(out)
			index[r.Emoji] = i
			out = append(out, ReactionSummary{Emoji: r.Emoji})
		}
		out[i].Count++
		if viewerID != "" && r.UserID == viewerID {
			out[i].Mine = true
		}
	}
	return out
}

// ============================================================================
// Replies
// ============================================================================

// ReplyContext is the quote attached to an outgoing message.
type ReplyContext struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// ReplyContextFor builds the quote for replying to m.
func ReplyContextFor(m Message) ReplyContext {
	return ReplyContext{ID: m.ID.Key(), Text: m.Body, Sender: m.SenderID}
}

// withReply merges the reply quote into the extended data JSON object.
// Non-object extended data is replaced.
func withReply(extended string, reply ReplyContext) (string, error) {
	fields := map[string]json.RawMessage{}
	if extended != "" {
		if err := json.Unmarshal([]byte(extended), &fields); err != nil || fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	fields["replyTo"] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ReplyOf extracts the quote carried by a message, if any.
func ReplyOf(m Message) (ReplyContext, bool) {
	if m.ExtendedData == "" {
		return ReplyContext{}, false
	}
	var envelope struct {
		ReplyTo *ReplyContext `json:"replyTo"`
	}
	if err := json.Unmarshal([]byte(m.ExtendedData), &envelope); err != nil || envelope.ReplyTo == nil {
		return ReplyContext{}, false
	}
	return *envelope.ReplyTo, true
}

// ============================================================================
// Credentials and users
// ============================================================================

// Credential is the transport login token bound to a participant id.
type Credential struct {
	Token       string
	OwnerID     string // id the exchange was requested for
	IssuedForID string // id the token service says it issued for
}

// User is a user search result.
type User struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}
