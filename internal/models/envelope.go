package models

import "time"

// Envelope is the encrypted, signed container exchanged over the wire.
// Only EncryptedData and EncryptedSymmetricKey are confidential; the
// recipient handle is the routing address the queue needs in the clear.
type Envelope struct {
	RecipientHandle       string `json:"recipientHandle"`
	EncryptedData         []byte `json:"encryptedData"`
	EncryptedSymmetricKey []byte `json:"encryptedSymmetricKey"`
	Signature             []byte `json:"signature"`
	IsEphemeral           bool   `json:"isEphemeral"`
}

// QueuedItem is one envelope sitting in the remote inbox queue. The queue
// removes it only on explicit acknowledgment of ID.
type QueuedItem struct {
	ID       string   `json:"id"`
	Envelope Envelope `json:"envelope"`
}

// TransportPayload is the decrypted, verified content of an envelope.
// ConversationURN and Tags ride inside the encrypted payload so the receiver
// never routes on unauthenticated transport fields.
type TransportPayload struct {
	SenderHandle    string    `json:"senderHandle"`
	SentAt          time.Time `json:"sentAt"`
	TypeID          string    `json:"typeId"`
	Data            []byte    `json:"data"`
	ClientRecordID  string    `json:"clientRecordId,omitempty"`
	ConversationURN string    `json:"conversationUrn,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
}
