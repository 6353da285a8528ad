package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const timeLayout = time.RFC3339Nano

// InitDB opens the SQLite database at path and creates the transfers table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// One writer at a time; sqlite serializes writers anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY,
		source TEXT NOT NULL,
		destination TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT,
		state TEXT DEFAULT 'none',
		size INTEGER DEFAULT -1,
		completed INTEGER DEFAULT 0,
		reason TEXT,
		instance_id TEXT,
		created_at TEXT,
		updated_at TEXT,
		UNIQUE(source, destination)
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create transfers table: %w", err)
	}

	return db, nil
}
