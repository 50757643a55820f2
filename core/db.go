package core

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// ErrTxnConflict signals a transient transaction conflict (deadlock,
// serialization failure or lock timeout). Callers may retry the whole
// transaction; the conflict is an infrastructure condition, not a domain error.
var ErrTxnConflict = errors.New("transaction conflict")

type (
	DBExecutor interface {
		Exec(query string, args ...interface{}) (sql.Result, error)
		ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
		Query(query string, args ...interface{}) (*sql.Rows, error)
		QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
		QueryRow(query string, args ...interface{}) *sql.Row
		QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	}

	// DBTransactor is a DBExecutor scoped to a single transaction.
	DBTransactor interface {
		DBExecutor

		Commit() error
		Rollback() error
	}

	// DB hands out transactions. Implemented by storage/database for *sql.DB
	// and by the in-memory database used in tests.
	DB interface {
		DBExecutor

		BeginTx(context.Context, *sql.TxOptions) (DBTransactor, error)
	}
)

// RunInTx runs fn inside a single transaction, committing on success and
// rolling back on error or panic. It makes no retry attempt on its own.
func RunInTx(ctx context.Context, db DB, fn func(tx DBTransactor) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
