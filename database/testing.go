package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ConnectAndInitializeTestDB opens a throwaway sqlite database, usually
// under t.TempDir(), with the full schema migrated.
func ConnectAndInitializeTestDB(path string) (*gorm.DB, error) {
	gormConfig := gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	db, err := gorm.Open(sqlite.Open(path), &gormConfig)
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(entities...)
	if err != nil {
		return nil, err
	}

	return db, nil
}
