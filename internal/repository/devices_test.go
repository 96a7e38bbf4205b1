package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupDeviceRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *DeviceRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewDeviceRepository(db, zap.NewNop())
	return db, mock, repo
}

func TestUpsertDevice(t *testing.T) {
	db, mock, repo := setupDeviceRepo(t)
	defer db.Close()

	lastSeen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	device := &models.Device{
		ID:              "heater-01",
		Type:            models.DeviceTypeHeater,
		Label:           "heater-01",
		ConnectionState: models.ConnectionOnline,
		LastSeenAt:      lastSeen,
	}

	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs("heater-01", "heater", "heater-01", models.ConnectionOnline, lastSeen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertDevice(context.Background(), device))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDevice_RequiresID(t *testing.T) {
	db, _, repo := setupDeviceRepo(t)
	defer db.Close()

	err := repo.UpsertDevice(context.Background(), &models.Device{})
	assert.Error(t, err)
}

func TestUpdateConnectionState(t *testing.T) {
	db, mock, repo := setupDeviceRepo(t)
	defer db.Close()

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE devices`).
		WithArgs("heater-01", models.ConnectionOffline, seen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateConnectionState(context.Background(), "heater-01", models.ConnectionOffline, seen))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListDevices(t *testing.T) {
	db, mock, repo := setupDeviceRepo(t)
	defer db.Close()

	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"device_id", "device_type", "label", "connection_state", "last_seen_at"}).
		AddRow("ato-01", "ato", "ato-01", models.ConnectionOnline, seen).
		AddRow("heater-01", "heater", "heater-01", models.ConnectionOffline, nil)

	mock.ExpectQuery(`FROM devices`).WillReturnRows(rows)

	devices, err := repo.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "ato-01", devices[0].ID)
	assert.True(t, devices[1].LastSeenAt.IsZero())

	assert.NoError(t, mock.ExpectationsWereMet())
}
