package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/halcyon-im/halcyon/internal/common"
	"github.com/halcyon-im/halcyon/internal/dbx"
	"github.com/halcyon-im/halcyon/internal/models"
)

type SQLiteFanoutRepository struct {
	db *sql.DB
}

func NewSQLiteFanoutRepository(db *sql.DB) *SQLiteFanoutRepository {
	return &SQLiteFanoutRepository{db: db}
}

// SaveTask writes the task and all its recipient legs atomically.
func (r *SQLiteFanoutRepository) SaveTask(ctx context.Context, task *models.FanoutTask) error {
	tags, err := encodeTags(task.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fanout_tasks (id, source_message_id, conversation_urn, type_id, data, tags)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			task.ID, task.SourceMessageID, task.ConversationURN, task.TypeID, task.Data, tags)
		if err != nil {
			return fmt.Errorf("failed to insert fanout task: %w", err)
		}
		for _, rec := range task.Recipients {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO fanout_recipients (task_id, handle, status, attempts)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(task_id, handle) DO NOTHING`,
				task.ID, rec.Handle, string(rec.Status), rec.Attempts)
			if err != nil {
				return fmt.Errorf("failed to insert fanout recipient: %w", err)
			}
		}
		return nil
	})
}

func (r *SQLiteFanoutRepository) GetTask(ctx context.Context, id string) (*models.FanoutTask, error) {
	var task models.FanoutTask
	var tags string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, source_message_id, conversation_urn, type_id, data, tags
		 FROM fanout_tasks WHERE id = ?`, id).
		Scan(&task.ID, &task.SourceMessageID, &task.ConversationURN, &task.TypeID, &task.Data, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select fanout task: %w", err)
	}
	task.Tags, err = decodeTags(tags)
	if err != nil {
		return nil, err
	}
	if err := r.loadRecipients(ctx, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *SQLiteFanoutRepository) loadRecipients(ctx context.Context, task *models.FanoutTask) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT handle, status, attempts FROM fanout_recipients
		 WHERE task_id = ? ORDER BY handle`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to select fanout recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.FanoutRecipient
		var status string
		if err := rows.Scan(&rec.Handle, &status, &rec.Attempts); err != nil {
			return err
		}
		rec.Status = models.DeliveryStatus(status)
		task.Recipients = append(task.Recipients, rec)
	}
	return rows.Err()
}

func (r *SQLiteFanoutRepository) UpdateRecipient(ctx context.Context, taskID, handle string, status models.DeliveryStatus, attempts int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE fanout_recipients SET status = ?, attempts = ?
		 WHERE task_id = ? AND handle = ?`,
		string(status), attempts, taskID, handle)
	if err != nil {
		return fmt.Errorf("failed to update fanout recipient: %w", err)
	}
	return nil
}

// PendingTasks returns tasks that still have at least one pending leg.
// Restarted processes use it to pick up deliveries the previous run left
// behind.
func (r *SQLiteFanoutRepository) PendingTasks(ctx context.Context) ([]models.FanoutTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT task_id FROM fanout_recipients WHERE status = ?`,
		string(models.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to select pending tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tasks []models.FanoutTask
	for _, id := range ids {
		task, err := r.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}
