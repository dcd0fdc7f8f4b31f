package holddb

import (
	"context"
	"database/sql"
	"errors"
	prand "math/rand"
	"time"

	"github.com/BoltzExchange/hold/internal/holddb/sqlc"
)

const (
	// DefaultStoreTimeout is a timeout for a single interaction with the
	// storage/database. The Repo methods do not apply it themselves; they
	// run under the context their caller passes in.
	DefaultStoreTimeout = 10 * time.Second

	// DefaultNumTxRetries is the default number of attempts we'll make at
	// a transaction that fails with an error that permits repetition.
	DefaultNumTxRetries = 10

	// DefaultRetryDelay is the max delay between retries; the actual
	// delay used is a random duration between 0 and this value.
	DefaultRetryDelay = 50 * time.Millisecond
)

// TxOptions represents a set of options one can use to control what type of
// database transaction is created. A transaction is either read-only or
// read-write.
type TxOptions interface {
	// ReadOnly returns true if the transaction should be read only.
	ReadOnly() bool
}

// BatchedTx is a generic interface representing the ability to execute
// several operations against a given storage interface in a single atomic
// transaction.
type BatchedTx[Q any] interface {
	ExecTx(ctx context.Context, txOptions TxOptions,
		txBody func(Q) error) error
}

// QueryCreator creates a Querier given a live database transaction.
type QueryCreator[Q any] func(*sql.Tx) Q

// BatchedQuerier lets callers create a new database transaction based on an
// abstract type that implements TxOptions.
type BatchedQuerier interface {
	sqlc.Querier

	BeginTx(ctx context.Context, options TxOptions) (*sql.Tx, error)
}

type txExecutorOptions struct {
	numRetries int
	retryDelay time.Duration
}

func defaultTxExecutorOptions() *txExecutorOptions {
	return &txExecutorOptions{
		numRetries: DefaultNumTxRetries,
		retryDelay: DefaultRetryDelay,
	}
}

func (t *txExecutorOptions) randRetryDelay() time.Duration {
	if t.retryDelay <= 0 {
		return 0
	}

	return time.Duration(prand.Int63n(int64(t.retryDelay))) //nolint:gosec
}

// TxExecutorOption is a functional option for NewTransactionExecutor.
type TxExecutorOption func(*txExecutorOptions)

// WithTxRetries overrides the number of attempts made at a transaction that
// keeps hitting serialization conflicts.
func WithTxRetries(numRetries int) TxExecutorOption {
	return func(o *txExecutorOptions) {
		o.numRetries = numRetries
	}
}

// WithTxRetryDelay overrides the max backoff delay between retries.
func WithTxRetryDelay(delay time.Duration) TxExecutorOption {
	return func(o *txExecutorOptions) {
		o.retryDelay = delay
	}
}

// TransactionExecutor abstracts away the type of query a store needs to run
// under a database transaction, and the options for that transaction.
type TransactionExecutor[Query any] struct {
	BatchedQuerier

	createQuery QueryCreator[Query]

	opts *txExecutorOptions
}

// NewTransactionExecutor creates a TransactionExecutor given a Querier and a
// concrete type for the transactions the Querier understands.
func NewTransactionExecutor[Querier any](db BatchedQuerier,
	createQuery QueryCreator[Querier],
	opts ...TxExecutorOption) *TransactionExecutor[Querier] {

	txOpts := defaultTxExecutorOptions()
	for _, optFunc := range opts {
		optFunc(txOpts)
	}

	return &TransactionExecutor[Querier]{
		BatchedQuerier: db,
		createQuery:    createQuery,
		opts:           txOpts,
	}
}

// ExecTx wraps the creation, commit and (on serialization conflict) retry of
// a database transaction. txBody operates on the Querier created from the
// live *sql.Tx.
func (t *TransactionExecutor[Q]) ExecTx(ctx context.Context,
	txOptions TxOptions, txBody func(Q) error) error {

	for i := 0; i < t.opts.numRetries; i++ {
		tx, err := t.BeginTx(ctx, txOptions)
		if err != nil {
			return MapSQLError(err)
		}

		// Rollback is a no-op if the tx already committed.
		defer func() {
			_ = tx.Rollback()
		}()

		if err := txBody(t.createQuery(tx)); err != nil {
			dbErr := MapSQLError(err)

			var serializationErr *ErrSerializationError
			if errors.As(dbErr, &serializationErr) {
				_ = tx.Rollback()

				retryDelay := t.opts.randRetryDelay()
				time.Sleep(retryDelay)

				continue
			}

			return dbErr
		}

		if err := tx.Commit(); err != nil {
			return MapSQLError(err)
		}

		return nil
	}

	return ErrRetriesExceeded
}

// BaseDB is the base database struct each backend embeds to gain the common
// BeginTx/ExecTx machinery above.
type BaseDB struct {
	*sql.DB

	*sqlc.Queries
}

// BeginTx adapts the stdlib sql.BeginTx to the TxOptions interface.
func (b *BaseDB) BeginTx(ctx context.Context, opts TxOptions) (*sql.Tx, error) {
	sqlOpts := &sql.TxOptions{
		ReadOnly: opts.ReadOnly(),
	}

	return b.DB.BeginTx(ctx, sqlOpts)
}
