package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/charla-io/charla/core/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GlobalDB holds the singleton database connection.
var GlobalDB *gorm.DB

// PoolStats is a snapshot of connection pool saturation, exported as gauges.
type PoolStats struct {
	InUse int
	Idle  int
	Max   int
}

// NewDatabase opens the relational store and bounds the pool.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.Database.MaxConn)
	sqlDB.SetMaxIdleConns(cfg.Database.MinConn)
	sqlDB.SetConnMaxLifetime(time.Hour)

	GlobalDB = db
	return db, nil
}

// Stats reports pool saturation for the observability gauges.
func Stats(db *gorm.DB) PoolStats {
	sqlDB, err := db.DB()
	if err != nil {
		return PoolStats{}
	}
	s := sqlDB.Stats()
	return PoolStats{InUse: s.InUse, Idle: s.Idle, Max: s.MaxOpenConnections}
}

// GetLegacyDB returns the underlying *sql.DB.
func GetLegacyDB() (*sql.DB, error) {
	if GlobalDB == nil {
		return nil, fmt.Errorf("global database not initialized")
	}
	return GlobalDB.DB()
}
