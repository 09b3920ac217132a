package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestAllMigrations_VersionsAreUniqueAndOrdered(t *testing.T) {
	all := AllMigrations()
	require.NotEmpty(t, all)

	seen := make(map[string]bool)
	for i, m := range all {
		assert.False(t, seen[m.Version], "duplicate version %s", m.Version)
		seen[m.Version] = true
		assert.NotNil(t, m.Up)
		assert.NotNil(t, m.Down)
		if i > 0 {
			assert.Less(t, all[i-1].Version, m.Version)
		}
	}
}

func TestMigrator_UpIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db, nil)
	m.RegisterAll(AllMigrations())
	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx))

	assert.True(t, db.Migrator().HasTable(&models.ConversionTask{}))
	assert.True(t, db.Migrator().HasIndex(&pollIndex{}, "idx_conversion_tasks_poll"))

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var count int64
	require.NoError(t, db.Model(&MigrationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(len(AllMigrations())), count)
}

func TestMigrator_Down(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db, nil)
	m.RegisterAll(AllMigrations())
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasIndex(&pollIndex{}, "idx_conversion_tasks_poll"))

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "002", pending[0].Version)
}
