package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/driftline/notify-api/internal/models"
)

type NotificationRepository interface {
	Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error)
	GetByID(ctx context.Context, id string) (models.Notification, error)

	// ClaimDueBatch atomically flips up to limit due pending rows to
	// in_flight and returns the ids of only the rows this call won.
	// Rows locked by a concurrent claim are skipped, not waited on.
	ClaimDueBatch(ctx context.Context, limit int) ([]string, error)

	MarkDelivered(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error

	// RequeueStale returns in_flight rows older than maxAge to pending
	// so a worker crash mid-delivery cannot strand them forever.
	RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error)

	ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error)
}

type notificationRepository struct {
	db *sql.DB
}

type CreateNotificationParams struct {
	UserID       string
	Type         models.NotificationType
	Priority     models.NotificationPriority
	Title        string
	Body         string
	Action       string
	ActionData   []byte
	ScheduledFor *time.Time
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = `id, user_id, type, priority, title, body, action, action_data, status,
		scheduled_for, last_error, sent_at, delivered_at, claimed_at, created_at, read_at`

func (r *notificationRepository) Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	query := `
		INSERT INTO notify.notifications (user_id, type, priority, title, body, action, action_data, status, scheduled_for)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', COALESCE($8, NOW()))
		RETURNING ` + notificationColumns

	if params.Priority == "" {
		params.Priority = models.NotificationPriorityNormal
	}

	var actionData interface{}
	if len(params.ActionData) > 0 {
		actionData = params.ActionData
	}
	var scheduledFor interface{}
	if params.ScheduledFor != nil {
		scheduledFor = *params.ScheduledFor
	}

	row := r.db.QueryRowContext(ctx, query,
		params.UserID,
		params.Type,
		params.Priority,
		params.Title,
		params.Body,
		params.Action,
		actionData,
		scheduledFor,
	)
	return scanNotification(row)
}

func (r *notificationRepository) GetByID(ctx context.Context, id string) (models.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notify.notifications
		WHERE id = $1`
	return scanNotification(r.db.QueryRowContext(ctx, query, id))
}

// The selection and the status flip happen in one statement: SKIP LOCKED
// guarantees two concurrent callers partition the due rows instead of
// both selecting them, which is what makes delivery at-most-once.
func (r *notificationRepository) ClaimDueBatch(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 25
	}
	query := `
		WITH due AS (
			SELECT id
			FROM notify.notifications
			WHERE status = 'pending' AND scheduled_for <= NOW()
			ORDER BY scheduled_for ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE notify.notifications n
		SET status = 'in_flight', claimed_at = NOW()
		FROM due
		WHERE n.id = due.id
		RETURNING n.id`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
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
	return ids, rows.Err()
}

func (r *notificationRepository) MarkDelivered(ctx context.Context, id string) error {
	query := `
		UPDATE notify.notifications
		SET status = 'delivered', delivered_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = 'in_flight'`
	return r.terminalize(ctx, query, id)
}

func (r *notificationRepository) MarkSent(ctx context.Context, id string) error {
	query := `
		UPDATE notify.notifications
		SET status = 'sent', sent_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = 'in_flight'`
	return r.terminalize(ctx, query, id)
}

func (r *notificationRepository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE notify.notifications
		SET status = 'failed', last_error = $2
		WHERE id = $1 AND status = 'in_flight'`
	return r.terminalize(ctx, query, id, strings.TrimSpace(reason))
}

// terminalize is guarded by the in_flight predicate, so terminalizing an
// already-terminal row is a harmless no-op rather than a double write.
func (r *notificationRepository) terminalize(ctx context.Context, query string, args ...interface{}) error {
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *notificationRepository) RequeueStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	query := `
		UPDATE notify.notifications
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'in_flight' AND claimed_at < NOW() - ($1 * INTERVAL '1 second')`

	res, err := r.db.ExecContext(ctx, query, int64(maxAge.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications: %w", err)
	}
	return res.RowsAffected()
}

func (r *notificationRepository) ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	query := `
		SELECT ` + notificationColumns + `
		FROM notify.notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(userID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	return notifications, rows.Err()
}

func (r *notificationRepository) MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	query := `
		UPDATE notify.notifications
		SET read_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + notificationColumns
	row := r.db.QueryRowContext(ctx, query, strings.TrimSpace(notificationID), strings.TrimSpace(userID))
	return scanNotification(row)
}

func scanNotification(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Notification, error) {
	var (
		notif       models.Notification
		action      sql.NullString
		actionData  []byte
		lastError   sql.NullString
		sentAt      sql.NullTime
		deliveredAt sql.NullTime
		claimedAt   sql.NullTime
		readAt      sql.NullTime
	)

	if err := scanner.Scan(
		&notif.ID,
		&notif.UserID,
		&notif.Type,
		&notif.Priority,
		&notif.Title,
		&notif.Body,
		&action,
		&actionData,
		&notif.Status,
		&notif.ScheduledFor,
		&lastError,
		&sentAt,
		&deliveredAt,
		&claimedAt,
		&notif.CreatedAt,
		&readAt,
	); err != nil {
		return models.Notification{}, err
	}

	notif.Action = action.String
	if len(actionData) > 0 {
		notif.ActionData = actionData
	}
	if lastError.Valid {
		val := lastError.String
		notif.LastError = &val
	}
	if sentAt.Valid {
		t := sentAt.Time
		notif.SentAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		notif.DeliveredAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		notif.ClaimedAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		notif.ReadAt = &t
	}
	return notif, nil
}
