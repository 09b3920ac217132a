package testutil

import (
	"context"
	"log/slog"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/leftsky/left-tools-service-sub000/internal/database/migrations"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
)

// NewTestDB opens a migrated in-memory SQLite database.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// Each pooled connection would get its own in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	migrator := migrations.NewMigrator(db, slog.Default())
	migrator.RegisterAll(migrations.AllMigrations())
	require.NoError(t, migrator.Up(context.Background()))
	return db
}

// NewTaskRepository returns a task repository backed by NewTestDB.
func NewTaskRepository(t *testing.T) repository.TaskRepository {
	t.Helper()
	return repository.NewTaskRepository(NewTestDB(t))
}
