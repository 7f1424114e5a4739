package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/halcyon-im/halcyon/internal/dbx"
	"github.com/halcyon-im/halcyon/internal/models"
)

type SQLiteTombstoneRepository struct {
	db *sql.DB
}

func NewSQLiteTombstoneRepository(db *sql.DB) *SQLiteTombstoneRepository {
	return &SQLiteTombstoneRepository{db: db}
}

func insertTombstone(ctx context.Context, db dbx.DBTX, t *models.Tombstone) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tombstones (message_id, conversation_urn, deleted_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
			conversation_urn = excluded.conversation_urn,
			deleted_at = excluded.deleted_at`,
		t.MessageID, t.ConversationURN, t.DeletedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert tombstone: %w", err)
	}
	return nil
}

func (r *SQLiteTombstoneRepository) Insert(ctx context.Context, t *models.Tombstone) error {
	return insertTombstone(ctx, r.db, t)
}

func (r *SQLiteTombstoneRepository) BulkUpsert(ctx context.Context, ts []models.Tombstone) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for i := range ts {
			if err := insertTombstone(ctx, tx, &ts[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SQLiteTombstoneRepository) CreatedAfter(ctx context.Context, t time.Time) ([]models.Tombstone, error) {
	return r.list(ctx, `SELECT message_id, conversation_urn, deleted_at
		FROM tombstones WHERE deleted_at > ? ORDER BY deleted_at ASC`, t.UnixNano())
}

func (r *SQLiteTombstoneRepository) List(ctx context.Context) ([]models.Tombstone, error) {
	return r.list(ctx, `SELECT message_id, conversation_urn, deleted_at
		FROM tombstones ORDER BY deleted_at ASC`)
}

func (r *SQLiteTombstoneRepository) list(ctx context.Context, query string, args ...any) ([]models.Tombstone, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select tombstones: %w", err)
	}
	defer rows.Close()

	var result []models.Tombstone
	for rows.Next() {
		var t models.Tombstone
		var deletedAt int64
		if err := rows.Scan(&t.MessageID, &t.ConversationURN, &deletedAt); err != nil {
			return nil, err
		}
		t.DeletedAt = time.Unix(0, deletedAt).UTC()
		result = append(result, t)
	}
	return result, rows.Err()
}
