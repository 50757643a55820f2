package inmemdb

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/enrollment"
)

type enrollmentRepository struct {
	db      *enrollmentTable
	crsRepo *courseRepository
}

var _ enrollment.Repository = (*enrollmentRepository)(nil)

func NewEnrollmentRepository(db *DB) *enrollmentRepository {
	return &enrollmentRepository{db: db.enrollment, crsRepo: NewCourseRepository(db)}
}

func (repo *enrollmentRepository) GetCourseForUpdate(ctx context.Context, courseID string, exec ...core.DBExecutor) (course.Course, error) {
	return repo.crsRepo.GetCourseForUpdate(ctx, courseID, exec...)
}

func (repo *enrollmentRepository) GetCourse(ctx context.Context, courseID string, exec ...core.DBExecutor) (course.Course, error) {
	return repo.crsRepo.GetCourseByID(ctx, courseID, exec...)
}

func (repo *enrollmentRepository) CountEnrolled(ctx context.Context, courseID string, exec ...core.DBExecutor) (int, error) {
	return repo.crsRepo.CountEnrolled(ctx, courseID, exec...)
}

// queryPair returns all enrollment rows for the (user, course) pair, most
// recent first. Caller must hold the table mutex.
func (repo *enrollmentRepository) queryPair(userID, courseID string) []enrollment.Enrollment {
	var enrs []enrollment.Enrollment
	for _, enr := range repo.db.table {
		if enr.UserID == userID && enr.CourseID == courseID {
			enrs = append(enrs, *enr)
		}
	}
	sort.Slice(enrs, func(i, j int) bool { return enrs[i].EnrolledAt.After(enrs[j].EnrolledAt) })
	return enrs
}

func (repo *enrollmentRepository) GetActiveEnrollment(ctx context.Context, userID, courseID string, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, enr := range repo.queryPair(userID, courseID) {
		if enr.IsEnrolled() {
			return enr, nil
		}
	}
	return enrollment.Enrollment{}, enrollment.ErrNotFound
}

func (repo *enrollmentRepository) GetLatestEnrollment(ctx context.Context, userID, courseID string, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	enrs := repo.queryPair(userID, courseID)
	if len(enrs) == 0 {
		return enrollment.Enrollment{}, enrollment.ErrNotFound
	}
	return enrs[0], nil
}

func (repo *enrollmentRepository) CreateEnrollment(ctx context.Context, enr enrollment.Enrollment, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	for _, existing := range repo.queryPair(enr.UserID, enr.CourseID) {
		if existing.IsEnrolled() {
			return enrollment.Enrollment{}, enrollment.ErrAlreadyEnrolled
		}
	}

	if enr.ID == "" {
		enr.ID = uuid.New().String()
	}
	repo.db.table[enr.ID] = &enr
	return enr, nil
}

func (repo *enrollmentRepository) UpdateEnrollmentStatus(ctx context.Context, enr enrollment.Enrollment, exec ...core.DBExecutor) (enrollment.Enrollment, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	origEnr, ok := repo.db.table[enr.ID]
	if !ok {
		return enrollment.Enrollment{}, enrollment.ErrNotFound
	}
	origEnr.Status = enr.Status
	origEnr.CancelledAt = enr.CancelledAt
	origEnr.UpdatedAt = enr.UpdatedAt
	return *origEnr, nil
}

func (repo *enrollmentRepository) QueryUserEnrollments(ctx context.Context, userID string, exec ...core.DBExecutor) ([]enrollment.Enrollment, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var enrs []enrollment.Enrollment
	for _, enr := range repo.db.table {
		if enr.UserID == userID {
			enrs = append(enrs, *enr)
		}
	}
	sort.Slice(enrs, func(i, j int) bool { return enrs[i].EnrolledAt.After(enrs[j].EnrolledAt) })
	return enrs, nil
}
