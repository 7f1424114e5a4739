// Package models holds the domain records shared by the sync subsystems:
// messages, tombstones, envelopes, fanout tasks and vault artifacts.
package models

import (
	"time"
	"unicode/utf8"
)

// Well-known payload type identifiers.
const (
	TypeText        = "text"
	TypeTyping      = "typing"
	TypeReadReceipt = "read-receipt"
	TypeDeviceSync  = "halcyon/device-sync"
)

// DeliveryStatus tracks the locally-visible lifecycle of a message.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	// StatusReceived marks inbound messages; it never transitions.
	StatusReceived DeliveryStatus = "received"
)

var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether status may move from s to next.
// Status only moves forward: pending → sent|failed, sent → failed,
// sent → delivered → read. received and failed are terminal.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	if s == next {
		return false
	}
	if next == StatusFailed {
		return s == StatusPending || s == StatusSent
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Message is the persisted domain record for one chat message.
//
// ConversationURN is derived, never supplied by transport: group id for group
// payloads, "the other party" for direct ones (sender if incoming, recipient
// if outgoing).
type Message struct {
	ID              string         `json:"id"`
	ConversationURN string         `json:"conversationUrn"`
	SenderID        string         `json:"senderId"`
	SentAt          time.Time      `json:"sentAt"`
	TypeID          string         `json:"typeId"`
	Data            []byte         `json:"data"`
	Text            string         `json:"text,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Status          DeliveryStatus `json:"status"`
}

// Tombstone records a local deletion so it survives vault merge.
type Tombstone struct {
	MessageID       string    `json:"messageId"`
	ConversationURN string    `json:"conversationUrn"`
	DeletedAt       time.Time `json:"deletedAt"`
}

// CachedText returns a best-effort decoded text for known text types,
// or "" when the payload is not displayable.
func CachedText(typeID string, data []byte) string {
	if typeID != TypeText {
		return ""
	}
	if !utf8.Valid(data) {
		return ""
	}
	return string(data)
}
