package database

import (
	"errors"
	"time"
)

// Config holds database configuration
// ARCHITECTURAL DISCOVERY: Configuration struct provides all database settings
// needed for production deployment without hardcoded values
type Config struct {
	DatabasePath    string        `json:"database_path" yaml:"path" envconfig:"PATH"`
	MaxConnections  int           `json:"max_connections" yaml:"max_connections" envconfig:"MAX_CONNECTIONS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time" envconfig:"CONN_MAX_IDLE_TIME"`
}

// DefaultConfig returns production-ready database configuration
// FUNCTIONAL DISCOVERY: SQLite reads scale to a handful of pooled connections;
// writes are serialized by the manager regardless of pool size
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/litepost.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	return nil
}

// DSN returns the sqlite3 connection string with the pragmas every pooled
// connection must carry.
func (c *Config) DSN() string {
	return c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// Pragmas are applied once after opening.
// ARCHITECTURAL DISCOVERY: WAL mode enables concurrent reads while maintaining
// the single-writer pattern of the manager
var Pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -64000", // 64MB
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}
