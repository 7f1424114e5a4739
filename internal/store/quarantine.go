package store

import (
	"context"
	"fmt"

	"github.com/halcyon-im/halcyon/internal/dbx"
	"github.com/halcyon-im/halcyon/internal/models"
)

// SQLiteQuarantineRepository keeps stranger messages out of the main table.
type SQLiteQuarantineRepository struct {
	db dbx.DBTX
}

func NewSQLiteQuarantineRepository(db dbx.DBTX) *SQLiteQuarantineRepository {
	return &SQLiteQuarantineRepository{db: db}
}

func (r *SQLiteQuarantineRepository) Insert(ctx context.Context, m *models.Message) error {
	return upsertMessage(ctx, r.db, "quarantine", m)
}

func (r *SQLiteQuarantineRepository) List(ctx context.Context) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM quarantine ORDER BY sent_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to select quarantine: %w", err)
	}
	defer rows.Close()

	var result []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (r *SQLiteQuarantineRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM quarantine WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete quarantined message: %w", err)
	}
	return nil
}
