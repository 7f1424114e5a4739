// Package remote contains the HTTP clients for the platform services the
// sync core consumes: the inbox queue, the send endpoint and the public-key
// directory, plus the session/auth provider.
package remote

import (
	"context"

	"github.com/halcyon-im/halcyon/internal/cryptox"
	"github.com/halcyon-im/halcyon/internal/models"
)

// QueueClient drains the remote inbox queue.
type QueueClient interface {
	// FetchBatch returns up to limit queued items without removing them.
	FetchBatch(ctx context.Context, limit int) ([]models.QueuedItem, error)
	// Acknowledge removes the identified items from the queue.
	Acknowledge(ctx context.Context, ids []string) error
}

// SendClient transmits one envelope.
type SendClient interface {
	Send(ctx context.Context, env models.Envelope) error
}

// DirectoryClient reads and writes published public keys.
type DirectoryClient interface {
	// GetPublicKeys returns common.ErrKeyNotFound when no entry exists.
	GetPublicKeys(ctx context.Context, handle string) (cryptox.PublicKeys, error)
	PublishPublicKeys(ctx context.Context, handle string, keys cryptox.PublicKeys) error
}

// SessionProvider exposes the authenticated user and their bearer token.
type SessionProvider interface {
	CurrentUser() string
	Token() (string, error)
}
