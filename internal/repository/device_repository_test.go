package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/notify-api/internal/models"
)

var deviceRows = []string{"id", "user_id", "platform", "model", "push_token", "enabled", "created_at", "updated_at"}

func TestListActiveNative(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(deviceRows).
		AddRow("d1", "u1", "ios", "iPhone 15", "tok1", true, now, now).
		AddRow("d2", "u1", "ios", nil, "tok2", true, now, now)
	mock.ExpectQuery("push_token IS NOT NULL").
		WithArgs("u1").
		WillReturnRows(rows)

	repo := NewDeviceRepository(db)
	devices, err := repo.ListActiveNative(context.Background(), "u1")
	require.NoError(t, err)

	require.Len(t, devices, 2)
	assert.Equal(t, models.DevicePlatformIOS, devices[0].Platform)
	require.NotNil(t, devices[0].PushToken)
	assert.Equal(t, "tok1", *devices[0].PushToken)
	assert.Empty(t, devices[1].Model)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SET push_token = NULL").
		WithArgs("d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET push_token = NULL").
		WithArgs("d1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewDeviceRepository(db)
	require.NoError(t, repo.Invalidate(context.Background(), "d1"))
	// Invalidating an already-invalid device is a no-op, not an error.
	require.NoError(t, repo.Invalidate(context.Background(), "d1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRequiresToken(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewDeviceRepository(db)
	_, err = repo.Register(context.Background(), RegisterDeviceParams{
		UserID:   "u1",
		Platform: models.DevicePlatformIOS,
	})
	assert.Error(t, err)
}

func TestRegisterUpsertsOnToken(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("ON CONFLICT \\(push_token\\) DO UPDATE").
		WithArgs("u1", "ios", "iPhone 15", "tok1").
		WillReturnRows(sqlmock.NewRows(deviceRows).
			AddRow("d1", "u1", "ios", "iPhone 15", "tok1", true, now, now))

	repo := NewDeviceRepository(db)
	device, err := repo.Register(context.Background(), RegisterDeviceParams{
		UserID:    "u1",
		Platform:  models.DevicePlatformIOS,
		Model:     "iPhone 15",
		PushToken: " tok1 ",
	})
	require.NoError(t, err)

	assert.Equal(t, "d1", device.ID)
	assert.True(t, device.Enabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
