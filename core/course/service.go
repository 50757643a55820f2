package course

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/darasa/core"
)

var (
	// errors
	ErrNotFound         = errors.New("course not found")
	ErrNotActive        = errors.New("course is not active")
	ErrAlreadyPublished = errors.New("course has already been published")
	ErrCapacityTooSmall = errors.New("capacity cannot be lower than the current number of enrolled students")
	ErrStartsInThePast  = errors.New("course cannot start in the past")
)

type (
	Repository interface {
		CreateCourse(ctx context.Context, crs Course, exec ...core.DBExecutor) (Course, error)
		GetCourseByID(ctx context.Context, id string, exec ...core.DBExecutor) (Course, error)
		// GetCourseForUpdate locks the course row for the duration of the
		// surrounding transaction. exec must be the transaction itself.
		GetCourseForUpdate(ctx context.Context, id string, exec ...core.DBExecutor) (Course, error)
		QueryCourses(ctx context.Context, filter *QueryFilter, exec ...core.DBExecutor) ([]Course, error)
		UpdateCourse(ctx context.Context, crs Course, exec ...core.DBExecutor) (Course, error)
		CountEnrolled(ctx context.Context, courseID string, exec ...core.DBExecutor) (int, error)
	}

	Service interface {
		Create(ctx context.Context, instructorID string, nc NewCourse) (Course, error)
		GetByID(ctx context.Context, id string) (Course, error)
		Query(ctx context.Context, filter *QueryFilter) ([]Course, error)
		Update(ctx context.Context, id string, uc UpdateCourse) (Course, error)
		Publish(ctx context.Context, id string) (Course, error)
		Close(ctx context.Context, id string) (Course, error)
	}

	service struct {
		db   core.DB
		repo Repository
	}
)

var _ Service = (*service)(nil)

func NewService(db core.DB, repo Repository) Service {
	return &service{db: db, repo: repo}
}

func (svc *service) Create(ctx context.Context, instructorID string, nc NewCourse) (Course, error) {
	now := time.Now().UTC()
	crs := Course{
		InstructorID: instructorID,
		Name:         nc.Name,
		Description:  nc.Description,
		Capacity:     nc.Capacity,
		Status:       StatusDraft,
		StartsAt:     nc.StartsAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return svc.repo.CreateCourse(ctx, crs)
}

func (svc *service) GetByID(ctx context.Context, id string) (Course, error) {
	return svc.repo.GetCourseByID(ctx, id)
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter) ([]Course, error) {
	return svc.repo.QueryCourses(ctx, filter)
}

// Update modifies a draft or active course. The course row is locked so the
// capacity check cannot race a concurrent admission: an active course's
// capacity may never drop below its current enrolled count.
func (svc *service) Update(ctx context.Context, id string, uc UpdateCourse) (Course, error) {
	var crs Course
	err := core.RunInTx(ctx, svc.db, func(tx core.DBTransactor) error {
		orig, err := svc.repo.GetCourseForUpdate(ctx, id, tx)
		if err != nil {
			return err
		}
		if orig.Status == StatusClosed {
			return ErrNotActive
		}
		if orig.Status == StatusActive && uc.Capacity < orig.Capacity {
			count, err := svc.repo.CountEnrolled(ctx, id, tx)
			if err != nil {
				return errors.Wrap(err, "counting enrolled students")
			}
			if uc.Capacity < count {
				return core.NewValidationError(ErrCapacityTooSmall,
					core.FieldError{Field: "capacity", Error: ErrCapacityTooSmall.Error()})
			}
		}

		orig.Name = uc.Name
		orig.Description = uc.Description
		orig.Capacity = uc.Capacity
		orig.StartsAt = uc.StartsAt.UTC()
		orig.UpdatedAt = time.Now().UTC()
		crs, err = svc.repo.UpdateCourse(ctx, orig, tx)
		return err
	})
	if err != nil {
		return Course{}, err
	}
	return crs, nil
}

// Publish transitions a draft course to active, making it open for enrollment.
func (svc *service) Publish(ctx context.Context, id string) (Course, error) {
	var crs Course
	err := core.RunInTx(ctx, svc.db, func(tx core.DBTransactor) error {
		orig, err := svc.repo.GetCourseForUpdate(ctx, id, tx)
		if err != nil {
			return err
		}
		if orig.Status != StatusDraft {
			return ErrAlreadyPublished
		}
		if orig.StartsAt.Before(time.Now().UTC()) {
			return core.NewValidationError(ErrStartsInThePast,
				core.FieldError{Field: "starts_at", Error: ErrStartsInThePast.Error()})
		}
		orig.Status = StatusActive
		orig.UpdatedAt = time.Now().UTC()
		crs, err = svc.repo.UpdateCourse(ctx, orig, tx)
		return err
	})
	if err != nil {
		return Course{}, err
	}
	return crs, nil
}

// Close transitions an active course to closed; it no longer accepts enrollment.
func (svc *service) Close(ctx context.Context, id string) (Course, error) {
	var crs Course
	err := core.RunInTx(ctx, svc.db, func(tx core.DBTransactor) error {
		orig, err := svc.repo.GetCourseForUpdate(ctx, id, tx)
		if err != nil {
			return err
		}
		if orig.Status != StatusActive {
			return ErrNotActive
		}
		orig.Status = StatusClosed
		orig.UpdatedAt = time.Now().UTC()
		crs, err = svc.repo.UpdateCourse(ctx, orig, tx)
		return err
	})
	if err != nil {
		return Course{}, err
	}
	return crs, nil
}
