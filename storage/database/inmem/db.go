// Package inmemdb provides map-backed repositories for tests. It emulates the
// one behavior tests depend on from Postgres: GetCourseForUpdate blocks until
// the transaction holding that course's lock commits or rolls back, so
// admissions on one course really do serialize.
package inmemdb

import (
	"context"
	"database/sql"
	"sync"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/enrollment"
	"github.com/trezcool/darasa/core/user"
)

type (
	DB struct {
		core.DBExecutor // nil; raw SQL is not supported

		user       *userTable
		course     *courseTable
		enrollment *enrollmentTable

		mu          sync.Mutex
		courseLocks map[string]*sync.Mutex
	}

	userTable struct {
		table map[string]*user.User
		mutex sync.RWMutex
	}

	courseTable struct {
		table map[string]*course.Course
		mutex sync.RWMutex
	}

	enrollmentTable struct {
		table map[string]*enrollment.Enrollment
		mutex sync.RWMutex
	}
)

var _ core.DB = (*DB)(nil)

func Open() *DB {
	return &DB{
		user:        &userTable{table: make(map[string]*user.User)},
		course:      &courseTable{table: make(map[string]*course.Course)},
		enrollment:  &enrollmentTable{table: make(map[string]*enrollment.Enrollment)},
		courseLocks: make(map[string]*sync.Mutex),
	}
}

// Reset truncates all tables. Meant for test isolation between cases.
func (db *DB) Reset() {
	db.user.mutex.Lock()
	db.user.table = make(map[string]*user.User)
	db.user.mutex.Unlock()

	db.course.mutex.Lock()
	db.course.table = make(map[string]*course.Course)
	db.course.mutex.Unlock()

	db.enrollment.mutex.Lock()
	db.enrollment.table = make(map[string]*enrollment.Enrollment)
	db.enrollment.mutex.Unlock()
}

func (db *DB) courseLock(courseID string) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()

	mu, ok := db.courseLocks[courseID]
	if !ok {
		mu = new(sync.Mutex)
		db.courseLocks[courseID] = mu
	}
	return mu
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.DBTransactor, error) {
	return &Tx{db: db, held: make(map[string]*sync.Mutex)}, nil
}

// Tx releases row locks on Commit/Rollback. Writes are applied to the tables
// immediately; Rollback does not undo them, it only releases the locks.
type Tx struct {
	core.DBExecutor // nil; raw SQL is not supported

	db *DB

	mu   sync.Mutex
	held map[string]*sync.Mutex
}

var _ core.DBTransactor = (*Tx)(nil)

// lockCourse blocks until this transaction holds the course's row lock.
// Re-locking a course already held by the same transaction is a no-op.
func (tx *Tx) lockCourse(courseID string) {
	tx.mu.Lock()
	_, alreadyHeld := tx.held[courseID]
	tx.mu.Unlock()
	if alreadyHeld {
		return
	}

	mu := tx.db.courseLock(courseID)
	mu.Lock()

	tx.mu.Lock()
	tx.held[courseID] = mu
	tx.mu.Unlock()
}

func (tx *Tx) release() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for id, mu := range tx.held {
		mu.Unlock()
		delete(tx.held, id)
	}
}

func (tx *Tx) Commit() error {
	tx.release()
	return nil
}

func (tx *Tx) Rollback() error {
	tx.release()
	return nil
}

// txOf extracts the in-memory transaction from a repository call, if any.
func txOf(exec []core.DBExecutor) *Tx {
	if len(exec) > 0 {
		if tx, ok := exec[0].(*Tx); ok {
			return tx
		}
	}
	return nil
}
