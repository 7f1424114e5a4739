package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/dbx"
	"github.com/halcyon-im/halcyon/internal/models"
)

const messageColumns = `id, conversation_urn, sender_id, sent_at, type_id, data, text, tags, status`

// SQLiteMessageRepository implements MessageRepository over a *sql.DB.
// Status updates run in their own transaction, so unlike the other repos it
// needs the full handle, not just a DBTX.
type SQLiteMessageRepository struct {
	db *sql.DB
}

func NewSQLiteMessageRepository(db *sql.DB) *SQLiteMessageRepository {
	return &SQLiteMessageRepository{db: db}
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTags(raw string) ([]string, error) {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, nil
	}
	return tags, nil
}

func upsertMessage(ctx context.Context, db dbx.DBTX, table string, m *models.Message) error {
	tags, err := encodeTags(m.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	query := `INSERT INTO ` + table + ` (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_urn = excluded.conversation_urn,
			sender_id = excluded.sender_id,
			sent_at = excluded.sent_at,
			type_id = excluded.type_id,
			data = excluded.data,
			text = excluded.text,
			tags = excluded.tags,
			status = excluded.status`
	// A nil slice would bind as NULL and trip the NOT NULL constraint;
	// restored messages often carry no payload.
	data := m.Data
	if data == nil {
		data = []byte{}
	}
	_, err = db.ExecContext(ctx, query,
		m.ID, m.ConversationURN, m.SenderID, m.SentAt.UnixNano(),
		m.TypeID, data, m.Text, tags, string(m.Status))
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

func scanMessage(rows interface{ Scan(...any) error }) (models.Message, error) {
	var m models.Message
	var sentAt int64
	var tags, status string
	if err := rows.Scan(&m.ID, &m.ConversationURN, &m.SenderID, &sentAt,
		&m.TypeID, &m.Data, &m.Text, &tags, &status); err != nil {
		return m, err
	}
	m.SentAt = time.Unix(0, sentAt).UTC()
	m.Status = models.DeliveryStatus(status)
	decoded, err := decodeTags(tags)
	if err != nil {
		return m, err
	}
	m.Tags = decoded
	return m, nil
}

func (r *SQLiteMessageRepository) Upsert(ctx context.Context, m *models.Message) error {
	return upsertMessage(ctx, r.db, "messages", m)
}

// BulkUpsert writes all messages in a single transaction; vault hydration
// uses it so a partial restore never becomes visible.
func (r *SQLiteMessageRepository) BulkUpsert(ctx context.Context, msgs []models.Message) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for i := range msgs {
			if err := upsertMessage(ctx, tx, "messages", &msgs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *SQLiteMessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select message: %w", err)
	}
	return &m, nil
}

func (r *SQLiteMessageRepository) ListByConversation(ctx context.Context, urn string, limit int, before time.Time) ([]models.Message, error) {
	cutoff := int64(1<<63 - 1)
	if !before.IsZero() {
		cutoff = before.UnixNano()
	}
	// Newest page first, then reversed so callers always see oldest-first.
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_urn = ? AND sent_at < ?
		 ORDER BY sent_at DESC LIMIT ?`, urn, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select conversation: %w", err)
	}
	defer rows.Close()

	var page []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (r *SQLiteMessageRepository) CreatedAfter(ctx context.Context, t time.Time) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sent_at > ? ORDER BY sent_at ASC`,
		t.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
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

// UpdateStatus applies the transition only if it moves forward; a regression
// (or unknown id) leaves the row untouched.
func (r *SQLiteMessageRepository) UpdateStatus(ctx context.Context, id string, status models.DeliveryStatus) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !models.DeliveryStatus(current).CanTransition(status) {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, string(status), id)
		return err
	})
}

func (r *SQLiteMessageRepository) RecentConversations(ctx context.Context, n int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_urn, MAX(sent_at) AS last
		 FROM messages GROUP BY conversation_urn ORDER BY last DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select conversations: %w", err)
	}
	defer rows.Close()

	var urns []string
	for rows.Next() {
		var urn string
		var last int64
		if err := rows.Scan(&urn, &last); err != nil {
			return nil, err
		}
		urns = append(urns, urn)
	}
	return urns, rows.Err()
}

func (r *SQLiteMessageRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
