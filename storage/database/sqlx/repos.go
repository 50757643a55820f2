// Package sqlxrepos implements the domain repositories with hand-written SQL.
// Queries use Postgres placeholders directly; row locking is explicit
// (SELECT ... FOR UPDATE) so the admission serialization point is visible in
// the query text.
package sqlxrepos

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/darasa/core"
)

// ext resolves the executor for a call: the service-provided transaction when
// present, the base DB otherwise.
func ext(db *sqlx.DB, svcExec []core.DBExecutor) sqlx.ExtContext {
	if len(svcExec) > 0 {
		switch e := svcExec[0].(type) {
		case *sqlx.Tx:
			return e
		case *sql.Tx:
			return &sqlx.Tx{Tx: e, Mapper: db.Mapper}
		}
	}
	return db
}

// pq error codes treated as transient transaction conflicts.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"

	pqUniqueViolation = "23505"
)

// trapErr maps transient pq conflict signals to core.ErrTxnConflict (so the
// caller's retry loop can see them) and wraps anything else.
func trapErr(err error, msg string) error {
	if pqErr, ok := err.(*pq.Error); ok {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable:
			return core.ErrTxnConflict
		}
	}
	return errors.Wrap(err, msg)
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && string(pqErr.Code) == pqUniqueViolation
}
