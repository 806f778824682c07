// Package journal keeps a local audit log of the statements xmover sends
// to a cluster, in a SQLCipher-encrypted SQLite database.
//
// INVARIANTS:
// - An entry is written BEFORE its statement is sent to the cluster
// - Entries are never updated except to record the outcome
// - A wrong passphrase fails the open, never silently creates a new database
// - The passphrase is never stored
package journal

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// DB wraps a SQLCipher-encrypted SQLite database.
type DB struct {
	db        *sql.DB
	path      string
	encrypted bool
}

// OpenDB opens or creates the journal database. An empty passphrase opens
// it without encryption.
func OpenDB(path, passphrase string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", path)
	encrypted := passphrase != ""
	if encrypted {
		dsn = fmt.Sprintf("file:%s?_pragma_key=%s&_journal_mode=WAL&_synchronous=NORMAL", path, url.QueryEscape(passphrase))
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Reading the schema fails when the key is wrong.
	var count int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&count); err != nil {
		db.Close()
		if encrypted {
			return nil, fmt.Errorf("invalid passphrase or corrupted journal: %w", err)
		}
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	return &DB{db: db, path: path, encrypted: encrypted}, nil
}

// DB returns the underlying connection.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// IsEncrypted reports whether a passphrase was used.
func (d *DB) IsEncrypted() bool {
	return d.encrypted
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}
