package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/enrollment"
)

type enrollmentRow struct {
	ID          string    `db:"id"`
	UserID      string    `db:"user_id"`
	CourseID    string    `db:"course_id"`
	Status      string    `db:"status"`
	EnrolledAt  time.Time `db:"enrolled_at"`
	CancelledAt null.Time `db:"cancelled_at"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func unpackEnrollment(row enrollmentRow) enrollment.Enrollment {
	return enrollment.Enrollment{
		ID:          row.ID,
		UserID:      row.UserID,
		CourseID:    row.CourseID,
		Status:      row.Status,
		EnrolledAt:  row.EnrolledAt,
		CancelledAt: row.CancelledAt,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}

type enrollmentRepository struct {
	db      *sqlx.DB
	crsRepo *courseRepository
}

var _ enrollment.Repository = (*enrollmentRepository)(nil) // interface compliance check

func NewEnrollmentRepository(db *sql.DB) *enrollmentRepository {
	return &enrollmentRepository{
		db:      sqlx.NewDb(db, "postgres"),
		crsRepo: NewCourseRepository(db),
	}
}

// trapEnrollmentNoRowsErr maps psql "no rows" err to enrollment.ErrNotFound
func trapEnrollmentNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return enrollment.ErrNotFound
	}
	return trapErr(err, msg)
}

const enrollmentCols = `id, user_id, course_id, status, enrolled_at, cancelled_at, created_at, updated_at`

func (repo enrollmentRepository) getEnrollment(ctx context.Context, suffix string, args []interface{}, exec []core.DBExecutor) (enrollment.Enrollment, error) {
	var row enrollmentRow
	q := fmt.Sprintf(`SELECT %s FROM enrollment WHERE %s`, enrollmentCols, suffix)
	if err := sqlx.GetContext(ctx, ext(repo.db, exec), &row, q, args...); err != nil {
		return enrollment.Enrollment{}, trapEnrollmentNoRowsErr(err, "getting enrollment")
	}
	return unpackEnrollment(row), nil
}

func (repo enrollmentRepository) GetCourseForUpdate(ctx context.Context, courseID string, exec ...core.DBExecutor) (course.Course, error) {
	return repo.crsRepo.GetCourseForUpdate(ctx, courseID, exec...)
}

func (repo enrollmentRepository) GetCourse(ctx context.Context, courseID string, exec ...core.DBExecutor) (course.Course, error) {
	return repo.crsRepo.GetCourseByID(ctx, courseID, exec...)
}

func (repo enrollmentRepository) CountEnrolled(ctx context.Context, courseID string, exec ...core.DBExecutor) (int, error) {
	return repo.crsRepo.CountEnrolled(ctx, courseID, exec...)
}

func (repo enrollmentRepository) GetActiveEnrollment(ctx context.Context, userID, courseID string, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	return repo.getEnrollment(ctx,
		`user_id = $1 AND course_id = $2 AND status = $3`,
		[]interface{}{userID, courseID, enrollment.StatusEnrolled}, exec,
	)
}

func (repo enrollmentRepository) GetLatestEnrollment(ctx context.Context, userID, courseID string, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	return repo.getEnrollment(ctx,
		`user_id = $1 AND course_id = $2 ORDER BY enrolled_at DESC, created_at DESC LIMIT 1`,
		[]interface{}{userID, courseID}, exec,
	)
}

func (repo enrollmentRepository) CreateEnrollment(ctx context.Context, enr enrollment.Enrollment, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	if enr.ID == "" {
		enr.ID = uuid.New().String()
	}
	q := `
INSERT INTO enrollment (id, user_id, course_id, status, enrolled_at, cancelled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := ext(repo.db, exec).ExecContext(ctx, q,
		enr.ID, enr.UserID, enr.CourseID, enr.Status,
		enr.EnrolledAt.UTC(), enr.CancelledAt, enr.CreatedAt.UTC(), enr.UpdatedAt.UTC(),
	)
	if err != nil {
		// the partial unique index backs up the in-transaction duplicate check
		if isUniqueViolation(err) {
			return enrollment.Enrollment{}, enrollment.ErrAlreadyEnrolled
		}
		return enrollment.Enrollment{}, trapErr(err, "creating enrollment")
	}
	return enr, nil
}

func (repo enrollmentRepository) UpdateEnrollmentStatus(ctx context.Context, enr enrollment.Enrollment, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	q := `UPDATE enrollment SET status = $1, cancelled_at = $2, updated_at = $3 WHERE id = $4`
	res, err := ext(repo.db, exec).ExecContext(ctx, q, enr.Status, enr.CancelledAt, enr.UpdatedAt.UTC(), enr.ID)
	if err != nil {
		return enrollment.Enrollment{}, trapErr(err, "updating enrollment status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return enrollment.Enrollment{}, enrollment.ErrNotFound
	}
	return enr, nil
}

func (repo enrollmentRepository) QueryUserEnrollments(ctx context.Context, userID string, exec ...core.DBExecutor) ([]enrollment.Enrollment, error) {
	q := fmt.Sprintf(`SELECT %s FROM enrollment WHERE user_id = $1 ORDER BY enrolled_at DESC`, enrollmentCols)
	var rows []enrollmentRow
	if err := sqlx.SelectContext(ctx, ext(repo.db, exec), &rows, q, userID); err != nil {
		return nil, trapErr(err, "querying user enrollments")
	}
	enrs := make([]enrollment.Enrollment, 0, len(rows))
	for _, row := range rows {
		enrs = append(enrs, unpackEnrollment(row))
	}
	return enrs, nil
}
