package database

import (
	"os"
	"path/filepath"
	"testing"

	"certdesk/database/model"
	"certdesk/logger"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	os.Setenv("CERTDESK_LOG_FOLDER", os.TempDir())
	logger.InitLogger(logging.DEBUG)
	os.Exit(m.Run())
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "certdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		Close(db)
	})
	return db
}

func TestOpenCreatesFolderAndMigrates(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "deeper", "certdesk.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer Close(db)

	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable(&model.User{}))
	assert.True(t, db.Migrator().HasTable(&model.Certificate{}))
	assert.True(t, db.Migrator().HasTable(&model.Setting{}))
}

func TestSeedAdminOnlyWhenEmpty(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, SeedAdmin(db, "admin", "admin123"))

	var users []model.User
	require.NoError(t, db.Find(&users).Error)
	require.Len(t, users, 1)
	assert.Equal(t, "admin", users[0].Username)
	assert.NotEqual(t, "admin123", users[0].PasswordHash)

	// A populated table is left alone, whatever credentials are offered.
	require.NoError(t, SeedAdmin(db, "intruder", "whatever"))

	require.NoError(t, db.Find(&users).Error)
	require.Len(t, users, 1)
	assert.Equal(t, "admin", users[0].Username)
}

func TestIsNotFound(t *testing.T) {
	db := openTestDB(t)

	err := db.Where("email = ?", "nobody@gmail.com").First(&model.Certificate{}).Error
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(nil))
}

func TestCheckpoint(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Create(&model.Setting{Key: "probe", Value: "1"}).Error)
	require.NoError(t, Checkpoint(db))
}
