package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/ticketwell/helpdesk/backend/internal/cache"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"go.uber.org/zap"
	postgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// OpenStore connects to the remote system of record over Postgres and ensures
// the authoritative schema is present.
func OpenStore(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store dsn is required")
	}

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := MigrateStore(db); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("remote store initialized")
	}

	return db, nil
}

// MigrateStore applies the authoritative schema to the given connection. Split
// out so tests can run the same migrations against an in-memory database.
func MigrateStore(db *gorm.DB) error {
	return db.AutoMigrate(
		&store.Tenant{},
		&store.User{},
		&store.Ticket{},
		&store.TicketResponse{},
	)
}

// OpenCache establishes the local SQLite replica and performs schema migrations.
func OpenCache(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&cache.CachedRecord{}, &cache.Watermark{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("cache database initialized", zap.String("path", path))
	}

	return db, nil
}
