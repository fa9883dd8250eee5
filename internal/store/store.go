package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Memory is the path of a private in-memory journal. It lives as long as
// the Store that opened it.
const Memory = ":memory:"

// connPragmas are set on the journal connection before the schema is
// applied.
var connPragmas = []struct{ name, value string }{
	{"journal_mode", "WAL"},
	{"synchronous", "NORMAL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
}

// migration upgrades a journal written by an older lockstep. migrations[i]
// moves user_version from i to i+1; schema.sql always describes the latest
// layout, so every step must tolerate running against it.
type migration struct {
	name string
	up   func(*sql.DB) error
}

var migrations = []migration{
	{name: "groups.program", up: addGroupProgram},
}

// schemaVersion is the user_version of an up-to-date journal.
var schemaVersion = len(migrations)

// Store is a SQLite journal of replica group runs.
type Store struct {
	db *sql.DB
}

// Open opens the journal at path, creating it when missing, and brings its
// schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	// One connection: SQLite has a single writer, and Memory would
	// otherwise give every pooled connection its own database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func prepare(db *sql.DB) error {
	for _, p := range connPragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return migrate(db)
}

// migrate runs the migrations the journal has not seen yet.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read journal version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		m := migrations[v]
		if err := m.up(db); err != nil {
			return fmt.Errorf("migrate journal to v%d (%s): %w", v+1, m.name, err)
		}
	}
	if version == schemaVersion {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("write journal version: %w", err)
	}
	return nil
}

// addGroupProgram adds groups.program, recorded since v1.
func addGroupProgram(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('groups') WHERE name = 'program'`).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.Exec(`ALTER TABLE groups ADD COLUMN program TEXT NOT NULL DEFAULT ''`)
	return err
}

// Close releases the journal. A zero Store closes cleanly.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection for ad-hoc inspection of the journal.
func (s *Store) DB() *sql.DB {
	return s.db
}

// pragma reads the current value of a connection pragma.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}
