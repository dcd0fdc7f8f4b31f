package holddb

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/BoltzExchange/hold/internal/holddb/sqlc"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/000001_init.up.sql
var sqliteMigration embed.FS

const sqliteMigrationPath = "migrations/sqlite/000001_init.up.sql"

// SqliteConfig holds the configuration for the single-file sqlite backend,
// the "small-deployment" store of §4.1.
type SqliteConfig struct {
	// DatabaseFileName is the path to the sqlite database file.
	DatabaseFileName string `long:"dbfile" description:"Path to the sqlite database file."`

	// SkipMigrations, if true, skips applying the embedded schema on
	// startup.
	SkipMigrations bool `long:"skipmigrations" description:"Skip applying database migrations on startup."`

	// BusyTimeout configures SQLITE's busy_timeout pragma so concurrent
	// writers serialize on a lock instead of immediately failing with
	// SQLITE_BUSY.
	BusyTimeout time.Duration `long:"busytimeout" description:"How long a writer should wait for the database lock before giving up."`
}

const defaultBusyTimeout = 5 * time.Second

// SqliteStore is the single-file backend; its embedded BaseDB is what NewRepo
// wraps.
type SqliteStore struct {
	*BaseDB
}

// NewSqliteStore opens (creating if necessary) the sqlite database at
// cfg.DatabaseFileName and applies the embedded schema unless migrations are
// explicitly skipped.
func NewSqliteStore(cfg *SqliteConfig) (*SqliteStore, error) {
	log.Infof("Opening sqlite database at %v", cfg.DatabaseFileName)

	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = defaultBusyTimeout
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		cfg.DatabaseFileName, cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}

	// A single-file SQLITE database only tolerates one writer at a time;
	// funnel every connection from this pool through that one writer so
	// PRAGMA busy_timeout, not a flood of SQLITE_BUSY errors, is what
	// serializes concurrent callers.
	db.SetMaxOpenConns(1)

	if !cfg.SkipMigrations {
		if err := applySqliteMigration(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("unable to apply sqlite "+
				"migration: %w", err)
		}
	}

	queries := sqlc.New(db, sqlc.DialectSqlite)

	return &SqliteStore{
		BaseDB: &BaseDB{
			DB:      db,
			Queries: queries,
		},
	}, nil
}

// applySqliteMigration runs the embedded schema directly instead of through
// golang-migrate: the schema is a single idempotent script (CREATE TABLE IF
// NOT EXISTS), and golang-migrate's sqlite3 database driver is written
// against the cgo mattn/go-sqlite3 driver rather than the pure-Go
// modernc.org/sqlite driver used here. golang-migrate is still used for the
// postgres backend, see postgres.go.
func applySqliteMigration(db *sql.DB) error {
	raw, err := sqliteMigration.ReadFile(sqliteMigrationPath)
	if err != nil {
		return err
	}

	// database/sql doesn't allow multiple statements per Exec call on
	// every driver, so split on statement boundaries.
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}

		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
