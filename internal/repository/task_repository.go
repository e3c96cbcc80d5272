package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/driftline/notify-api/internal/models"
)

type TaskRepository interface {
	// ClaimDueReminders compare-and-sets reminder_sent on up to limit
	// due open tasks and returns the tasks this call won. The flag flip
	// is the claim: a task whose flag is already set is never returned,
	// and SKIP LOCKED keeps concurrent callers from blocking on each
	// other's candidate rows.
	ClaimDueReminders(ctx context.Context, limit int) ([]models.Task, error)
}

type taskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) ClaimDueReminders(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 25
	}
	query := `
		WITH due AS (
			SELECT id
			FROM notify.tasks
			WHERE reminder_sent = FALSE AND status = 'open' AND due_at <= NOW()
			ORDER BY due_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE notify.tasks t
		SET reminder_sent = TRUE, updated_at = NOW()
		FROM due
		WHERE t.id = due.id
		RETURNING t.id, t.assignee_id, t.title, t.deal_id, t.status, t.due_at, t.reminder_sent, t.created_at, t.updated_at`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Task, error) {
	var (
		task   models.Task
		dealID sql.NullString
	)

	if err := scanner.Scan(
		&task.ID,
		&task.AssigneeID,
		&task.Title,
		&dealID,
		&task.Status,
		&task.DueAt,
		&task.ReminderSent,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return models.Task{}, err
	}

	if dealID.Valid {
		val := dealID.String
		task.DealID = &val
	}
	return task, nil
}
