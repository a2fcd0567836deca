package domain

import (
	"fmt"
	"time"
)

// DeliveryState is the transport progress of one outbound message.
// States are ordered: a message only ever moves to a higher value.
type DeliveryState int

const (
	StateLocalQueued DeliveryState = iota
	StateSocketSent
	StateServerAcked
	StateDelivered
	StateRead
	StateFailed
)

var deliveryStateNames = map[DeliveryState]string{
	StateLocalQueued: "local_queued",
	StateSocketSent:  "socket_sent",
	StateServerAcked: "server_acked",
	StateDelivered:   "delivered",
	StateRead:        "read",
	StateFailed:      "failed",
}

func (s DeliveryState) String() string {
	if name, ok := deliveryStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether no further delivery transition can occur.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateRead || s == StateFailed
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	if _, ok := deliveryStateNames[s]; !ok {
		return nil, fmt.Errorf("invalid delivery state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *DeliveryState) UnmarshalText(text []byte) error {
	for state, name := range deliveryStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("invalid delivery state %q", string(text))
}

// Source tags who caused an outward update.
type Source string

const (
	SourceLocal  Source = "local"
	SourcePeer   Source = "peer"
	SourceServer Source = "server"
)

type OutgoingMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	FromUserID     string            `json:"from_user_id"`
	ToUserIDs      []string          `json:"to_user_ids"`
	Body           string            `json:"body"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// MessageTransportState is the tracker's record for one outbound message.
// Each *At timestamp is set once, when its transition happens; a skipped
// stage (e.g. a delivery confirmation arriving before the server ack) leaves
// its timestamp nil.
type MessageTransportState struct {
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	RecipientID    string        `json:"recipient_id"`
	RecipientIDs   []string      `json:"recipient_ids"`
	State          DeliveryState `json:"state"`
	RetryCount     int           `json:"retry_count"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	SocketSentAt   *time.Time    `json:"socket_sent_at,omitempty"`
	ServerAckedAt  *time.Time    `json:"server_acked_at,omitempty"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
}

type TypingState struct {
	ConversationID string    `json:"conversation_id"`
	ToUserIDs      []string  `json:"to_user_ids"`
	IsTyping       bool      `json:"is_typing"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type PresenceState struct {
	IsOnline             bool      `json:"is_online"`
	LastPresenceUpdateAt time.Time `json:"last_presence_update_at"`
	KeepaliveArmed       bool      `json:"keepalive_armed"`
}

// MessageDeliveryUpdate is published whenever a tracked message changes state.
type MessageDeliveryUpdate struct {
	MessageID      string        `json:"message_id"`
	ConversationID string        `json:"conversation_id"`
	State          DeliveryState `json:"state"`
	Timestamp      time.Time     `json:"timestamp"`
	Source         Source        `json:"source"`
	RetryCount     int           `json:"retry_count"`
	Error          string        `json:"error,omitempty"`
}

// TypingUpdate reports a typing transition. UserID is the typing peer for
// SourcePeer updates and the local user otherwise.
type TypingUpdate struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	IsTyping       bool      `json:"is_typing"`
	Timestamp      time.Time `json:"timestamp"`
	Source         Source    `json:"source"`
}

type PresenceUpdate struct {
	UserID    string    `json:"user_id,omitempty"`
	IsOnline  bool      `json:"is_online"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
}

// IncomingMessage is a peer message seen on the socket.
type IncomingMessage struct {
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	FromUserID     string            `json:"from_user_id"`
	ToUserIDs      []string          `json:"to_user_ids"`
	Body           string            `json:"body"`
	SentAt         time.Time         `json:"sent_at"`
	ReceivedAt     time.Time         `json:"received_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
