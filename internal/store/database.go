package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/previewbox/internal/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the GORM connection with the detected driver.
type DB struct {
	*gorm.DB
	Driver string
}

// DetectDriver picks the driver from the DSN scheme. Anything that is not a
// postgres URL is treated as a sqlite path.
func DetectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// CleanDSN strips the scheme prefix for sqlite and normalizes postgres URLs.
func CleanDSN(dsn string) string {
	switch DetectDriver(dsn) {
	case DriverPostgres:
		return "postgres://" + strings.TrimPrefix(strings.TrimPrefix(dsn, "postgresql://"), "postgres://")
	default:
		dsn = strings.TrimPrefix(dsn, "sqlite3://")
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		return strings.TrimPrefix(dsn, "file:")
	}
}

// gormWriter routes GORM's slow query and error logs to the zap logger.
type gormWriter struct {
	log *logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open connects to the database named by dsn.
func Open(dsn string, log *logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("store")

	gormConfig := &gorm.Config{
		Logger: gormlogger.New(gormWriter{log: log}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}

	driver := DetectDriver(dsn)
	clean := CleanDSN(dsn)
	memory := strings.HasPrefix(clean, ":memory:")

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(clean), gormConfig)
	case DriverSQLite:
		if !memory {
			dir := filepath.Dir(clean)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
		db, err = gorm.Open(sqlite.Open(clean), gormConfig)
		if err == nil {
			db.Exec("PRAGMA journal_mode=WAL")
			db.Exec("PRAGMA busy_timeout = 5000")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	switch {
	case memory:
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	case driver == DriverSQLite:
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	default:
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	log.Debug("database opened", "driver", driver)
	return &DB{DB: db, Driver: driver}, nil
}

// Migrate creates or updates the tables.
func (db *DB) Migrate() error {
	return db.AutoMigrate(AllModels()...)
}

// IsSQLite reports whether the database is sqlite.
func (db *DB) IsSQLite() bool {
	return db.Driver == DriverSQLite
}

// Close closes the connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
