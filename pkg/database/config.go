package database

import (
	"fmt"
	"time"
)

// Config holds database configuration.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// BusyTimeout is how long a statement waits on a locked database
	// before failing with SQLITE_BUSY.
	BusyTimeout time.Duration
}

// DefaultConfig returns the default configuration for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		BusyTimeout: 5 * time.Second,
	}
}

// DSN builds the modernc.org/sqlite connection string with the pragmas the
// gateway requires: WAL journaling, enforced foreign keys, and a busy timeout.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		c.Path, c.BusyTimeout.Milliseconds(),
	)
}
