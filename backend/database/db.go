package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// DB wraps the database connection
type DB struct {
	conn   *gorm.DB
	driver string
}

// New opens the database and migrates the schema.
// A DSN ending in .db (or empty) opens SQLite through the pure-Go driver; anything else is treated as a MySQL DSN.
func New(dsn string) (*DB, error) {
	if dsn == "" {
		dsn = "./data/reelflow.db"
	}

	var (
		dialector gorm.Dialector
		driver    string
	)
	if isSQLite(dsn) {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dialector = sqlite.New(sqlite.Config{
			DriverName: "sqlite",
			DSN:        dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		})
		driver = "sqlite"
	} else {
		dialector = mysql.Open(dsn)
		driver = "mysql"
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if driver == "sqlite" {
		// one writer at a time
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func isSQLite(dsn string) bool {
	return strings.HasSuffix(dsn, ".db") || strings.HasPrefix(dsn, "file:") || dsn == ":memory:"
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite" or "mysql"
func (db *DB) Driver() string {
	return db.driver
}

// initSchema creates all necessary tables
func (db *DB) initSchema() error {
	return db.conn.AutoMigrate(
		&PipelineModel{},
		&ProjectModel{},
		&StepRunModel{},
		&LogModel{},
		&SceneVariantModel{},
		&ImportModel{},
	)
}
