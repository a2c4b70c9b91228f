// Package db opens the SQLite database holding ceremony records.
package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pushchain/push-tss-manager/manager/store"
)

// InMemorySQLiteDSN opens an ephemeral database that lives as long as the
// connection.
const InMemorySQLiteDSN = ":memory:"

const dirPermissions = 0o750

// filePragmas are appended to file DSNs. WAL plus a busy timeout lets a
// one-shot CLI ceremony write while the daemon holds the file.
var filePragmas = []string{
	"_journal_mode=WAL",
	"_busy_timeout=5000",
	"cache=shared",
	"mode=rwc",
}

// DB wraps a GORM client.
type DB struct {
	client *gorm.DB
}

// OpenFileDB opens (or creates) dir/filename and optionally migrates it.
func OpenFileDB(dir, filename string, migrateSchema bool) (*DB, error) {
	path, err := databasePath(dir, filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare database path")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?" + strings.Join(filePragmas, "&")
	}
	return open(dsn, migrateSchema)
}

// OpenInMemoryDB opens a non-persistent SQLite database in memory.
func OpenInMemoryDB(migrateSchema bool) (*DB, error) {
	return open(InMemorySQLiteDSN, migrateSchema)
}

func open(dsn string, migrateSchema bool) (*DB, error) {
	client, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open SQLite database")
	}

	sqlDB, err := client.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	// one connection serializes writers and keeps :memory: alive
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	d := &DB{client: client}
	if migrateSchema {
		if err := d.Migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return d, nil
}

// Migrate creates or updates the ceremony tables.
func (d *DB) Migrate() error {
	if err := d.client.AutoMigrate(&store.Ceremony{}); err != nil {
		return errors.Wrap(err, "failed to auto-migrate database schema")
	}
	return nil
}

// Ping checks that the database still answers.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "database ping failed")
}

// Client returns the GORM client for queries.
func (d *DB) Client() *gorm.DB {
	return d.client
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	sqlDB, err := d.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "failed to close database connection")
}

func databasePath(dir, filename string) (string, error) {
	if filename == "" {
		return "", errors.New("database filename is empty")
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return "", errors.Wrapf(err, "failed to create directory: %s", dir)
	}
	return filepath.Join(dir, filename), nil
}
