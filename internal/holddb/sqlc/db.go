package sqlc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, the same abstraction sqlc
// generates so that every query method can run either directly against a
// pool or inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Dialect distinguishes the two SQL backends the repository supports. Query
// text is written once using '?' bind vars and rebound for postgres, since
// lib/pq only understands the $1, $2, ... positional form.
type Dialect int

const (
	DialectSqlite Dialect = iota
	DialectPostgres
)

// Queries is the hand-maintained equivalent of a sqlc-generated Queries
// type: a thin wrapper around DBTX exposing one method per statement.
type Queries struct {
	db      DBTX
	dialect Dialect
}

// New returns a Queries bound to db using the given dialect.
func New(db DBTX, dialect Dialect) *Queries {
	return &Queries{db: db, dialect: dialect}
}

// WithTx returns a new Queries bound to the given transaction, preserving
// the dialect of the receiver.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx, dialect: q.dialect}
}

// rebind rewrites '?' placeholders into '$1', '$2', ... when the dialect
// requires it, mirroring sqlx.Rebind without pulling in sqlx.
func (q *Queries) rebind(query string) string {
	if q.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	argNum := 0
	for _, r := range query {
		if r == '?' {
			argNum++
			fmt.Fprintf(&b, "$%d", argNum)
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}
