package db

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// DefaultSQLiteDSN keeps task records for the lifetime of the process only.
	DefaultSQLiteDSN = "file::memory:?cache=shared"
	DefaultMySQLDSN  = "root:@tcp(127.0.0.1:3306)/notebook_scheduler?charset=utf8mb4&parseTime=True&loc=Local"
)

// NewGormDB opens a GORM connection. dbType is "mysql" or "sqlite"; an empty
// dsn selects the default for that type.
func NewGormDB(dbType, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch dbType {
	case "mysql":
		if dsn == "" {
			dsn = DefaultMySQLDSN
			hlog.Infof("DB: using default MySQL DSN")
		}
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		if dsn == "" {
			dsn = DefaultSQLiteDSN
			hlog.Infof("DB: using default SQLite DSN %s", dsn)
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dbType != "mysql" {
		// a shared in-memory sqlite database disappears with its last
		// connection, and sqlite allows one writer at a time
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}

	hlog.Infof("DB: %s connection established", dialector.Name())
	return db, nil
}

// AutoMigrate performs auto-migration for the given GORM models.
func AutoMigrate(db *gorm.DB, models ...interface{}) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	hlog.Infof("DB: migration completed for %d models", len(models))
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
