package database

import (
	"curation-reconciler/config"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormMysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const tcp = "tcp"

var (
	// List entities to auto-migrate
	entities = []interface{}{
		Transaction{},
		BlockchainTransaction{},
		SyncWatermark{},
		CurationEventLog{},
		User{},
		Article{},
	}
	DBTransactionBatchesSize = 1000
)

func ConnectAndInitialize(cfg *config.DBConfig) (*gorm.DB, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("ConnectAndInitialize: Connect: %w", err)
	}

	if cfg.DropTableAtStart {
		err = db.Migrator().DropTable(entities...)
		if err != nil {
			return nil, err
		}
	}

	err = db.AutoMigrate(entities...)
	if err != nil {
		return nil, errors.Wrap(err, "ConnectAndInitialize: AutoMigrate")
	}

	return db, nil
}

func Connect(cfg *config.DBConfig) (*gorm.DB, error) {
	dbConfig := mysql.Config{
		User:                 cfg.Username,
		Passwd:               cfg.Password,
		Net:                  tcp,
		Addr:                 fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DBName:               cfg.Database,
		AllowNativePasswords: true,
		ParseTime:            true,
	}

	gormConfig := gorm.Config{
		Logger:          gormlogger.Default.LogMode(getGormLogLevel(cfg)),
		CreateBatchSize: DBTransactionBatchesSize,
	}
	return gorm.Open(gormMysql.Open(dbConfig.FormatDSN()), &gormConfig)
}

func getGormLogLevel(cfg *config.DBConfig) gormlogger.LogLevel {
	if cfg.LogQueries {
		return gormlogger.Info
	}

	return gormlogger.Silent
}
