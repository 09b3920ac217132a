package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func memoryConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             ":memory:",
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "warn",
	}
}

func TestNew_SQLite(t *testing.T) {
	db, err := New(memoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "sqlite", db.Driver())

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestNew_InvalidDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Driver = "oracle"

	db, err := New(cfg, nil)
	assert.Nil(t, db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestDB_Close(t *testing.T) {
	db, err := New(memoryConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestGormLogLevel(t *testing.T) {
	assert.Equal(t, logger.Silent, gormLogLevel("silent"))
	assert.Equal(t, logger.Error, gormLogLevel("error"))
	assert.Equal(t, logger.Info, gormLogLevel("info"))
	assert.Equal(t, logger.Warn, gormLogLevel("unknown"))
}

func TestSlogGormLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	l := newGormLogger("warn", slog.New(slog.NewTextHandler(&buf, nil)))
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), time.Now(), fc, nil)
	assert.Empty(t, buf.String())

	l.Trace(context.Background(), time.Now(), fc, errors.New("record not found"))
	assert.Empty(t, buf.String())

	l.Trace(context.Background(), time.Now(), fc, errors.New("disk I/O error"))
	assert.Contains(t, buf.String(), "database error")

	buf.Reset()
	l.Trace(context.Background(), time.Now().Add(-2*time.Second), fc, nil)
	assert.Contains(t, buf.String(), "slow query")
}
