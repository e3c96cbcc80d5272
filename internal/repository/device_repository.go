package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/driftline/notify-api/internal/models"
)

type DeviceRepository interface {
	Register(ctx context.Context, params RegisterDeviceParams) (models.Device, error)

	// ListActiveNative returns the user's enabled devices that carry a
	// usable native push token.
	ListActiveNative(ctx context.Context, userID string) ([]models.Device, error)

	// Invalidate clears the push token and disables the device. Called
	// when the provider reports the token permanently rejected; safe to
	// call again on an already-invalid device.
	Invalidate(ctx context.Context, deviceID string) error

	Disable(ctx context.Context, userID, deviceID string) error
}

type deviceRepository struct {
	db *sql.DB
}

type RegisterDeviceParams struct {
	UserID    string
	Platform  models.DevicePlatform
	Model     string
	PushToken string
}

func NewDeviceRepository(db *sql.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

const deviceColumns = `id, user_id, platform, model, push_token, enabled, created_at, updated_at`

// Register upserts on the push token so a reinstalled app re-registering
// the same token reclaims the existing row instead of duplicating it.
func (r *deviceRepository) Register(ctx context.Context, params RegisterDeviceParams) (models.Device, error) {
	token := strings.TrimSpace(params.PushToken)
	if token == "" {
		return models.Device{}, fmt.Errorf("push token is required")
	}

	query := `
		INSERT INTO notify.devices (user_id, platform, model, push_token, enabled)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (push_token) DO UPDATE
		SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform,
		    model = EXCLUDED.model, enabled = TRUE, updated_at = NOW()
		RETURNING ` + deviceColumns

	row := r.db.QueryRowContext(ctx, query, params.UserID, params.Platform, params.Model, token)
	return scanDevice(row)
}

func (r *deviceRepository) ListActiveNative(ctx context.Context, userID string) ([]models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM notify.devices
		WHERE user_id = $1 AND platform = 'ios' AND enabled = TRUE AND push_token IS NOT NULL
		ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

func (r *deviceRepository) Invalidate(ctx context.Context, deviceID string) error {
	query := `
		UPDATE notify.devices
		SET push_token = NULL, enabled = FALSE, updated_at = NOW()
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, deviceID); err != nil {
		return fmt.Errorf("invalidate device %s: %w", deviceID, err)
	}
	return nil
}

func (r *deviceRepository) Disable(ctx context.Context, userID, deviceID string) error {
	query := `
		UPDATE notify.devices
		SET enabled = FALSE, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, deviceID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanDevice(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Device, error) {
	var (
		device    models.Device
		model     sql.NullString
		pushToken sql.NullString
	)

	if err := scanner.Scan(
		&device.ID,
		&device.UserID,
		&device.Platform,
		&model,
		&pushToken,
		&device.Enabled,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		return models.Device{}, err
	}

	device.Model = model.String
	if pushToken.Valid {
		val := pushToken.String
		device.PushToken = &val
	}
	return device, nil
}
