package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the schema if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS processed_files (
		id INTEGER PRIMARY KEY,
		filename TEXT UNIQUE,
		archived_to TEXT,
		outcome TEXT,
		processed_at DATETIME
	)`)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME,
		level TEXT,
		component TEXT,
		message TEXT
	)`)
	if err != nil {
		return nil, err
	}

	return db, nil
}
