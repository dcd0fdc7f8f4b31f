package holddb

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/BoltzExchange/hold/internal/holddb/sqlc"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresConfig holds the configuration for the networked postgres
// backend of §4.1.
type PostgresConfig struct {
	Host           string `long:"host" description:"Host of the postgres instance."`
	Port           int    `long:"port" description:"Port of the postgres instance." default:"5432"`
	User           string `long:"user" description:"User to connect to the database with."`
	Password       string `long:"password" description:"Password to use when connecting to the database."`
	DBName         string `long:"dbname" description:"Name of the database to use."`
	SkipMigrations bool   `long:"skipmigrations" description:"Skip applying database migrations on startup."`
	MaxConnections int    `long:"maxconnections" description:"Maximum number of open connections to the database." default:"25"`
}

// dsn returns the postgres connection string built from the config.
func (p *PostgresConfig) dsn() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.DBName,
	)
}

// PostgresStore is the networked backend; its embedded BaseDB is what NewRepo
// wraps.
type PostgresStore struct {
	*BaseDB
}

// NewPostgresStore opens a connection pool to the configured postgres
// instance and applies pending migrations unless explicitly skipped.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	log.Infof("Opening postgres database %v@%v:%v", cfg.DBName, cfg.Host,
		cfg.Port)

	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("unable to open postgres database: %w",
			err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)

	if !cfg.SkipMigrations {
		if err := applyPostgresMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("unable to apply postgres "+
				"migrations: %w", err)
		}
	}

	queries := sqlc.New(db, sqlc.DialectPostgres)

	return &PostgresStore{
		BaseDB: &BaseDB{
			DB:      db,
			Queries: queries,
		},
	}, nil
}

// applyPostgresMigrations drives golang-migrate against the embedded
// migrations/postgres directory.
func applyPostgresMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return err
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance(
		"iofs", sourceDriver, "postgres", dbDriver,
	)
	if err != nil {
		return err
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}
