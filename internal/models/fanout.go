package models

// FanoutRecipient is one independent delivery leg of a group send.
type FanoutRecipient struct {
	Handle   string         `json:"handle"`
	Status   DeliveryStatus `json:"status"`
	Attempts int            `json:"attempts"`
}

// FanoutTask records a group send durably so delivery can proceed (and be
// retried) detached from the call that created it.
type FanoutTask struct {
	ID              string            `json:"id"`
	SourceMessageID string            `json:"sourceMessageId"`
	ConversationURN string            `json:"conversationUrn"`
	TypeID          string            `json:"typeId"`
	Data            []byte            `json:"data"`
	Tags            []string          `json:"tags,omitempty"`
	Recipients      []FanoutRecipient `json:"recipients"`
}

// Done reports whether no recipient is still pending.
func (t *FanoutTask) Done() bool {
	for _, r := range t.Recipients {
		if r.Status == StatusPending {
			return false
		}
	}
	return true
}
