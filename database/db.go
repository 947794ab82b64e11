// Package database opens the certdesk SQLite store and runs migrations.
// The returned handle is passed explicitly to the services that need it;
// there is no package-level connection.
package database

import (
	"io/fs"
	"os"
	"path"

	"certdesk/config"
	"certdesk/database/model"
	"certdesk/logger"
	"certdesk/util/crypto"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open creates the database directory if needed, opens the SQLite database
// in WAL mode and migrates all models.
func Open(dbPath string) (*gorm.DB, error) {
	dir := path.Dir(dbPath)
	if err := os.MkdirAll(dir, fs.ModePerm); err != nil {
		return nil, err
	}

	var gormLogger gormlogger.Interface
	if config.IsDebug() {
		gormLogger = gormlogger.Default
	} else {
		gormLogger = gormlogger.Discard
	}

	c := &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	}

	dsn := dbPath + "?cache=shared&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := gorm.Open(sqlite.Open(dsn), c)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA cache_size = -64000;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err = sqlDB.Exec(pragma); err != nil {
			return nil, err
		}
	}

	if err := migrateModels(db); err != nil {
		return nil, err
	}

	return db, nil
}

func migrateModels(db *gorm.DB) error {
	models := []any{
		&model.User{},
		&model.Certificate{},
		&model.Setting{},
	}
	for _, m := range models {
		if err := db.AutoMigrate(m); err != nil {
			return err
		}
	}
	return nil
}

// SeedAdmin creates the given admin account when the users table is empty.
// The password is stored as a bcrypt hash. Callers opt in explicitly; this
// is never run unless bootstrap is enabled or the admin CLI is used.
func SeedAdmin(db *gorm.DB, username, password string) error {
	empty, err := isTableEmpty(db, "users")
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}

	hash, err := crypto.HashPasswordAsBcrypt(password)
	if err != nil {
		return err
	}
	user := &model.User{
		Username:     username,
		PasswordHash: hash,
	}
	if err := db.Create(user).Error; err != nil {
		return err
	}
	logger.Warningf("seeded bootstrap admin %q with configured default credentials; change them", username)
	return nil
}

func isTableEmpty(db *gorm.DB, tableName string) (bool, error) {
	var count int64
	err := db.Table(tableName).Count(&count).Error
	return count == 0, err
}

// Close checkpoints the WAL and closes the underlying connection.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := Checkpoint(db); err != nil {
		logger.Warningf("error executing checkpoint: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsNotFound reports whether err is the gorm record-not-found error.
func IsNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}

// Checkpoint flushes the SQLite WAL into the main database file.
func Checkpoint(db *gorm.DB) error {
	return db.Exec("PRAGMA wal_checkpoint;").Error
}
