package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type Config struct {
	Path          string `split_words:"true" default:"data/history.db"`
	BusyTimeoutMs int    `split_words:"true" default:"3000"`
}

// New opens the database in WAL mode with a single writer connection. The
// parent directory is created when missing.
func (c *Config) New() (*sql.DB, error) {
	p := filepath.Clean(strings.TrimSpace(c.Path))
	if p == "" || p == "." {
		return nil, errors.New("missing sqlite path")
	}
	if p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma journal_mode: %w", err)
	}
	busy := c.BusyTimeoutMs
	if busy <= 0 {
		busy = 3000
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA busy_timeout=%d;`, busy)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func (c *Config) MustNew() *sql.DB {
	db, err := c.New()
	if err != nil {
		panic(err)
	}
	return db
}
