package inmemdb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/enrollment"
)

type courseRepository struct {
	db  *courseTable
	enr *enrollmentTable
}

var _ course.Repository = (*courseRepository)(nil)

func NewCourseRepository(db *DB) *courseRepository {
	return &courseRepository{db: db.course, enr: db.enrollment}
}

func (repo *courseRepository) query() []course.Course {
	courses := make([]course.Course, 0, len(repo.db.table))
	for _, crs := range repo.db.table {
		courses = append(courses, *crs)
	}
	sort.Slice(courses, func(i, j int) bool {
		if courses[i].StartsAt.Equal(courses[j].StartsAt) {
			return courses[i].Name < courses[j].Name
		}
		return courses[i].StartsAt.Before(courses[j].StartsAt)
	})
	return courses
}

func (repo *courseRepository) CreateCourse(ctx context.Context, crs course.Course, exec ...core.DBExecutor) (course.Course, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if crs.ID == "" {
		crs.ID = uuid.New().String()
	}
	repo.db.table[crs.ID] = &crs
	return crs, nil
}

func (repo *courseRepository) GetCourseByID(ctx context.Context, id string, exec ...core.DBExecutor) (course.Course, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if crs, ok := repo.db.table[id]; ok {
		return *crs, nil
	}
	return course.Course{}, course.ErrNotFound
}

// GetCourseForUpdate blocks until the calling transaction holds the course's
// row lock; the lock is held until the transaction commits or rolls back.
func (repo *courseRepository) GetCourseForUpdate(ctx context.Context, id string, exec ...core.DBExecutor) (course.Course, error) {
	if tx := txOf(exec); tx != nil {
		tx.lockCourse(id)
	}
	return repo.GetCourseByID(ctx, id)
}

func (repo *courseRepository) QueryCourses(ctx context.Context, filter *course.QueryFilter, exec ...core.DBExecutor) ([]course.Course, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	courses := repo.query()
	if filter == nil || filter.IsEmpty() {
		return courses, nil
	}
	filter.Clean()

	matches := make([]course.Course, 0, len(courses))
	for _, crs := range courses {
		if filter.Search != "" {
			search := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(crs.Name), search) &&
				!strings.Contains(strings.ToLower(crs.Description), search) {
				continue
			}
		}
		if filter.Status != "" && crs.Status != filter.Status {
			continue
		}
		if filter.InstructorID != "" && crs.InstructorID != filter.InstructorID {
			continue
		}
		if !filter.StartsFrom.IsZero() && crs.StartsAt.Before(filter.StartsFrom) {
			continue
		}
		if !filter.StartsTo.IsZero() && crs.StartsAt.After(filter.StartsTo) {
			continue
		}
		matches = append(matches, crs)
	}
	return matches, nil
}

func (repo *courseRepository) UpdateCourse(ctx context.Context, crs course.Course, exec ...core.DBExecutor) (course.Course, error) {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.table[crs.ID]; !ok {
		return course.Course{}, course.ErrNotFound
	}
	repo.db.table[crs.ID] = &crs
	return crs, nil
}

func (repo *courseRepository) CountEnrolled(ctx context.Context, courseID string, exec ...core.DBExecutor) (int, error) {
	repo.enr.mutex.RLock()
	defer repo.enr.mutex.RUnlock()

	var count int
	for _, enr := range repo.enr.table {
		if enr.CourseID == courseID && enr.Status == enrollment.StatusEnrolled {
			count++
		}
	}
	return count, nil
}
