package domain

import (
	"errors"
	"fmt"
	"time"
)

// Socket event names.
const (
	EventMessageSend      = "message:send"
	EventMessageAck       = "message:ack"
	EventMessageNew       = "message:new"
	EventReceiptDelivered = "receipt:delivered"
	EventReceiptRead      = "receipt:read"
	EventPresenceUpdate   = "presence:update"
	EventPresencePing     = "presence:ping"
	EventTyping           = "typing"
)

const (
	PresenceTypeOnline  = "presence:online"
	PresenceTypeOffline = "presence:offline"
	PresenceTypePing    = "presence:ping"
)

// ErrMalformedPayload is returned by Validate on inbound payloads.
var ErrMalformedPayload = errors.New("malformed payload")

func malformed(event, field string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrMalformedPayload, event, field)
}

// UnixMilli converts t to the millisecond timestamps used on the wire.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMilli is the inverse of UnixMilli; zero maps to the zero time.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type MessageSendPayload struct {
	MessageID      string            `json:"messageId"`
	ConversationID string            `json:"conversationId"`
	FromUserID     string            `json:"fromUserId"`
	ToUserIDs      []string          `json:"toUserIds"`
	Body           string            `json:"body"`
	Timestamp      int64             `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Validate checks the fields required on an inbound message:new.
func (p MessageSendPayload) Validate() error {
	switch {
	case p.MessageID == "":
		return malformed(EventMessageNew, "messageId")
	case p.ConversationID == "":
		return malformed(EventMessageNew, "conversationId")
	case p.FromUserID == "":
		return malformed(EventMessageNew, "fromUserId")
	}
	return nil
}

// AckPayload is the server acknowledgment of a message:send.
type AckPayload struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

func (p AckPayload) Validate() error {
	if p.MessageID == "" {
		return malformed(EventMessageAck, "messageId")
	}
	return nil
}

// ReceiptPayload is shared by receipt:delivered and receipt:read in both directions.
type ReceiptPayload struct {
	MessageID  string `json:"messageId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	Timestamp  int64  `json:"timestamp"`
}

func (p ReceiptPayload) Validate() error {
	if p.MessageID == "" {
		return malformed("receipt", "messageId")
	}
	return nil
}

type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// PresencePayload is presence:update. Outbound, SessionID is the local user
// and ToUserIDs narrows the audience (empty means every contact). Inbound,
// SessionID identifies the peer whose presence changed.
type PresencePayload struct {
	Type       string      `json:"type"`
	SessionID  string      `json:"sessionId"`
	Timestamp  int64       `json:"timestamp"`
	DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
	ToUserIDs  []string    `json:"toUserIds,omitempty"`
}

func (p PresencePayload) Validate() error {
	if p.SessionID == "" {
		return malformed(EventPresenceUpdate, "sessionId")
	}
	if p.Type != PresenceTypeOnline && p.Type != PresenceTypeOffline {
		return fmt.Errorf("%w: %s: unknown type %q", ErrMalformedPayload, EventPresenceUpdate, p.Type)
	}
	return nil
}

func (p PresencePayload) Online() bool {
	return p.Type == PresenceTypeOnline
}

type PresencePingPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

type TypingPayload struct {
	ConversationID string   `json:"conversationId"`
	FromUserID     string   `json:"fromUserId"`
	ToUserIDs      []string `json:"toUserIds"`
	IsTyping       bool     `json:"isTyping"`
	Timestamp      int64    `json:"timestamp"`
}

func (p TypingPayload) Validate() error {
	switch {
	case p.ConversationID == "":
		return malformed(EventTyping, "conversationId")
	case p.FromUserID == "":
		return malformed(EventTyping, "fromUserId")
	}
	return nil
}
