package store

import (
	"context"
	"time"

	"github.com/halcyon-im/halcyon/internal/models"
)

// MessageRepository is the primary message store.
type MessageRepository interface {
	Upsert(ctx context.Context, m *models.Message) error
	BulkUpsert(ctx context.Context, msgs []models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	// ListByConversation returns up to limit messages of one conversation,
	// oldest first. A zero `before` means "from the newest".
	ListByConversation(ctx context.Context, urn string, limit int, before time.Time) ([]models.Message, error)
	// CreatedAfter returns every message with sent_at strictly after t.
	CreatedAfter(ctx context.Context, t time.Time) ([]models.Message, error)
	// UpdateStatus applies a forward-only status transition; regressions are
	// ignored, not errors.
	UpdateStatus(ctx context.Context, id string, status models.DeliveryStatus) error
	// RecentConversations returns up to n conversation URNs, most recently
	// active first.
	RecentConversations(ctx context.Context, n int) ([]string, error)
	DeleteByID(ctx context.Context, id string) error
}

// QuarantineRepository stores messages from unresolved senders, hidden from
// the main conversation list pending approval.
type QuarantineRepository interface {
	Insert(ctx context.Context, m *models.Message) error
	List(ctx context.Context) ([]models.Message, error)
	DeleteByID(ctx context.Context, id string) error
}

// TombstoneRepository records local deletions for vault propagation.
type TombstoneRepository interface {
	Insert(ctx context.Context, t *models.Tombstone) error
	BulkUpsert(ctx context.Context, ts []models.Tombstone) error
	CreatedAfter(ctx context.Context, t time.Time) ([]models.Tombstone, error)
	List(ctx context.Context) ([]models.Tombstone, error)
}

// FanoutRepository persists group-send tasks and their per-recipient legs.
type FanoutRepository interface {
	SaveTask(ctx context.Context, task *models.FanoutTask) error
	GetTask(ctx context.Context, id string) (*models.FanoutTask, error)
	// UpdateRecipient rewrites one leg's status and attempt counter.
	UpdateRecipient(ctx context.Context, taskID, handle string, status models.DeliveryStatus, attempts int) error
	// PendingTasks returns tasks that still have a pending recipient.
	PendingTasks(ctx context.Context) ([]models.FanoutTask, error)
}

// MetadataRepository is a small key/value table; the sync cursor lives here.
type MetadataRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// MetaSyncCursor is the metadata key of the vault sync cursor.
const MetaSyncCursor = "sync_cursor"
