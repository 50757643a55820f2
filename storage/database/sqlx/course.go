package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/enrollment"
)

type courseRow struct {
	ID           string    `db:"id"`
	InstructorID string    `db:"instructor_id"`
	Name         string    `db:"name"`
	Description  string    `db:"description"`
	Capacity     int       `db:"capacity"`
	Status       string    `db:"status"`
	StartsAt     time.Time `db:"starts_at"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func unpackCourse(row courseRow) course.Course {
	return course.Course{
		ID:           row.ID,
		InstructorID: row.InstructorID,
		Name:         row.Name,
		Description:  row.Description,
		Capacity:     row.Capacity,
		Status:       row.Status,
		StartsAt:     row.StartsAt,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

type courseRepository struct {
	db *sqlx.DB
}

var _ course.Repository = (*courseRepository)(nil) // interface compliance check

func NewCourseRepository(db *sql.DB) *courseRepository {
	return &courseRepository{db: sqlx.NewDb(db, "postgres")}
}

// trapCourseNoRowsErr maps psql "no rows" err to course.ErrNotFound
func trapCourseNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return course.ErrNotFound
	}
	return trapErr(err, msg)
}

const courseCols = `id, instructor_id, name, description, capacity, status, starts_at, created_at, updated_at`

func (repo courseRepository) getCourse(ctx context.Context, suffix string, args []interface{}, exec []core.DBExecutor) (course.Course, error) {
	var row courseRow
	q := fmt.Sprintf(`SELECT %s FROM course WHERE %s`, courseCols, suffix)
	if err := sqlx.GetContext(ctx, ext(repo.db, exec), &row, q, args...); err != nil {
		return course.Course{}, trapCourseNoRowsErr(err, "getting course")
	}
	return unpackCourse(row), nil
}

func (repo courseRepository) CreateCourse(ctx context.Context, crs course.Course, exec ...core.DBExecutor) (course.Course, error) {
	if crs.ID == "" {
		crs.ID = uuid.New().String()
	}
	q := `
INSERT INTO course (id, instructor_id, name, description, capacity, status, starts_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := ext(repo.db, exec).ExecContext(ctx, q,
		crs.ID, crs.InstructorID, crs.Name, crs.Description, crs.Capacity, crs.Status,
		crs.StartsAt.UTC(), crs.CreatedAt.UTC(), crs.UpdatedAt.UTC(),
	)
	if err != nil {
		return course.Course{}, trapErr(err, "creating course")
	}
	return crs, nil
}

func (repo courseRepository) GetCourseByID(ctx context.Context, id string, exec ...core.DBExecutor) (course.Course, error) {
	return repo.getCourse(ctx, `id = $1`, []interface{}{id}, exec)
}

// GetCourseForUpdate locks the course row until the caller's transaction ends.
// All admissions and cancellations on one course serialize on this lock.
func (repo courseRepository) GetCourseForUpdate(ctx context.Context, id string, exec ...core.DBExecutor) (course.Course, error) {
	return repo.getCourse(ctx, `id = $1 FOR UPDATE`, []interface{}{id}, exec)
}

func (repo courseRepository) QueryCourses(ctx context.Context, filter *course.QueryFilter, exec ...core.DBExecutor) ([]course.Course, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter != nil && !filter.IsEmpty() {
		filter.Clean()
		if filter.Search != "" {
			p := arg("%" + filter.Search + "%")
			where = append(where, fmt.Sprintf("(name ILIKE %s OR description ILIKE %s)", p, p))
		}
		if filter.Status != "" {
			where = append(where, "status = "+arg(filter.Status))
		}
		if filter.InstructorID != "" {
			where = append(where, "instructor_id = "+arg(filter.InstructorID))
		}
		if !filter.StartsFrom.IsZero() {
			where = append(where, "starts_at >= "+arg(filter.StartsFrom.UTC()))
		}
		if !filter.StartsTo.IsZero() {
			where = append(where, "starts_at <= "+arg(filter.StartsTo.UTC()))
		}
	}

	q := fmt.Sprintf(`SELECT %s FROM course`, courseCols)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY starts_at, name"

	var rows []courseRow
	if err := sqlx.SelectContext(ctx, ext(repo.db, exec), &rows, q, args...); err != nil {
		return nil, trapErr(err, "querying courses")
	}
	courses := make([]course.Course, 0, len(rows))
	for _, row := range rows {
		courses = append(courses, unpackCourse(row))
	}
	return courses, nil
}

func (repo courseRepository) UpdateCourse(ctx context.Context, crs course.Course, exec ...core.DBExecutor) (course.Course, error) {
	q := `
UPDATE course SET name = $1, description = $2, capacity = $3, status = $4, starts_at = $5, updated_at = $6
WHERE id = $7`
	res, err := ext(repo.db, exec).ExecContext(ctx, q,
		crs.Name, crs.Description, crs.Capacity, crs.Status, crs.StartsAt.UTC(), crs.UpdatedAt.UTC(), crs.ID,
	)
	if err != nil {
		return course.Course{}, trapErr(err, "updating course")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return course.Course{}, course.ErrNotFound
	}
	return repo.GetCourseByID(ctx, crs.ID, exec...)
}

// CountEnrolled derives the enrolled count from the enrollment rows. There is
// no cached counter to drift out of sync; correctness comes from counting
// under the course row lock.
func (repo courseRepository) CountEnrolled(ctx context.Context, courseID string, exec ...core.DBExecutor) (int, error) {
	var count int
	q := `SELECT COUNT(*) FROM enrollment WHERE course_id = $1 AND status = $2`
	if err := sqlx.GetContext(ctx, ext(repo.db, exec), &count, q, courseID, enrollment.StatusEnrolled); err != nil {
		return 0, trapErr(err, "counting enrolled students")
	}
	return count, nil
}
