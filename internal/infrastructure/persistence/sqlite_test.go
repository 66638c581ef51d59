package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newSQLiteDB opens a fresh in-memory database with the full schema. SQLite
// serializes writers on its own, so the FOR UPDATE clauses are skipped by the
// dialect checks in the repositories.
func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A second connection would see a different empty in-memory database
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&OrgModel{},
		&UsagePeriodModel{},
		&IdempotencyRecordModel{},
		&JobModel{},
	))

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
