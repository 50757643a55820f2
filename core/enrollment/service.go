package enrollment

import (
	"context"
	"net/mail"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/user"
)

var (
	// errors
	ErrNotFound           = errors.New("enrollment not found")
	ErrForbidden          = errors.New("only students may enroll")
	ErrCourseNotActive    = errors.New("course is not open for enrollment")
	ErrCapacityExceeded   = errors.New("course is full")
	ErrAlreadyEnrolled    = errors.New("user is already enrolled in this course")
	ErrAlreadyCancelled   = errors.New("enrollment has already been cancelled")
	ErrCancellationClosed = errors.New("the cancellation window for this course has closed")

	// ErrTemporarilyUnavailable is returned once transient transaction
	// conflicts have exhausted their retry budget.
	ErrTemporarilyUnavailable = errors.New("enrollment is temporarily unavailable, try again")

	NowFunc = time.Now // mockable
)

const (
	txMaxAttempts  = 3
	txRetryBackoff = 25 * time.Millisecond
)

type (
	// Repository is the persistence gateway for admission decisions. All
	// methods accept an optional core.DBExecutor so they can join the
	// caller's transaction.
	Repository interface {
		// GetCourseForUpdate locks the course row until the surrounding
		// transaction ends. This is the single serialization point for all
		// admissions and cancellations on one course; courses do not block
		// each other. exec must be the transaction itself.
		GetCourseForUpdate(ctx context.Context, courseID string, exec ...core.DBExecutor) (course.Course, error)
		GetCourse(ctx context.Context, courseID string, exec ...core.DBExecutor) (course.Course, error)
		// CountEnrolled counts rows currently in "enrolled" status; the
		// enrolled count is always derived from the rows, never cached.
		CountEnrolled(ctx context.Context, courseID string, exec ...core.DBExecutor) (int, error)
		GetActiveEnrollment(ctx context.Context, userID, courseID string, exec ...core.DBExecutor) (Enrollment, error)
		// GetLatestEnrollment returns the most recent enrollment row for the
		// (user, course) pair regardless of status.
		GetLatestEnrollment(ctx context.Context, userID, courseID string, exec ...core.DBExecutor) (Enrollment, error)
		CreateEnrollment(ctx context.Context, enr Enrollment, exec ...core.DBExecutor) (Enrollment, error)
		UpdateEnrollmentStatus(ctx context.Context, enr Enrollment, exec ...core.DBExecutor) (Enrollment, error)
		QueryUserEnrollments(ctx context.Context, userID string, exec ...core.DBExecutor) ([]Enrollment, error)
	}

	Service interface {
		Admit(ctx context.Context, userID, courseID string) (Enrollment, error)
		Cancel(ctx context.Context, userID, courseID string, now time.Time) error
		// HasCapacity reports whether seats remain, without locking; it is for
		// display only and never gates an admission.
		HasCapacity(ctx context.Context, courseID string) (bool, error)
		QueryForUser(ctx context.Context, userID string) ([]Enrollment, error)
	}

	service struct {
		db      core.DB
		repo    Repository
		usrRepo user.Repository
		mailSvc core.EmailService
	}
)

var _ Service = (*service)(nil)

func NewService(db core.DB, repo Repository, usrRepo user.Repository, mailSvc core.EmailService) Service {
	return &service{db: db, repo: repo, usrRepo: usrRepo, mailSvc: mailSvc}
}

// Admit reserves one seat in a course for a student. All checks and the
// insert run inside one transaction holding the course row lock, so two
// admissions racing for the last seat resolve in lock-acquisition order: the
// second one re-reads the updated count and fails with ErrCapacityExceeded.
func (svc *service) Admit(ctx context.Context, userID, courseID string) (Enrollment, error) {
	usr, err := svc.usrRepo.GetUserByID(ctx, userID)
	if err != nil {
		return Enrollment{}, err
	}
	if !usr.IsStudent() {
		return Enrollment{}, ErrForbidden
	}

	var (
		enr Enrollment
		crs course.Course
	)
	err = svc.runTx(ctx, func(tx core.DBTransactor) error {
		crs, err = svc.repo.GetCourseForUpdate(ctx, courseID, tx)
		if err != nil {
			return err
		}
		if !crs.IsActive() {
			return ErrCourseNotActive
		}

		count, err := svc.repo.CountEnrolled(ctx, courseID, tx)
		if err != nil {
			return errors.Wrap(err, "counting enrolled students")
		}
		if count >= crs.Capacity {
			return ErrCapacityExceeded
		}

		if _, err = svc.repo.GetActiveEnrollment(ctx, userID, courseID, tx); err == nil {
			return ErrAlreadyEnrolled
		} else if errors.Cause(err) != ErrNotFound {
			return errors.Wrap(err, "checking existing enrollment")
		}

		now := NowFunc().UTC()
		enr, err = svc.repo.CreateEnrollment(ctx, Enrollment{
			UserID:     userID,
			CourseID:   courseID,
			Status:     StatusEnrolled,
			EnrolledAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, tx)
		return err
	})
	if err != nil {
		return Enrollment{}, err
	}

	// notify outside the transaction; delivery is the mail service's problem
	svc.sendConfirmedMail(usr, crs, enr)
	return enr, nil
}

// Cancel withdraws a student's active enrollment, provided the course starts
// at least Conf.CancellationNoticeDelta from now. Cancelling with exactly
// that much notice left is still permitted. The course row is locked first,
// same as Admit, so the two operations can never deadlock each other.
func (svc *service) Cancel(ctx context.Context, userID, courseID string, now time.Time) error {
	usr, err := svc.usrRepo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !usr.IsStudent() {
		return ErrForbidden
	}

	var (
		enr Enrollment
		crs course.Course
	)
	err = svc.runTx(ctx, func(tx core.DBTransactor) error {
		crs, err = svc.repo.GetCourseForUpdate(ctx, courseID, tx)
		if err != nil {
			return err
		}

		enr, err = svc.repo.GetLatestEnrollment(ctx, userID, courseID, tx)
		if err != nil {
			return err
		}
		if enr.IsCancelled() {
			return ErrAlreadyCancelled
		}

		if crs.StartsAt.Sub(now) < core.Conf.CancellationNoticeDelta {
			return ErrCancellationClosed
		}

		enr.Status = StatusCancelled
		enr.CancelledAt = null.TimeFrom(now.UTC())
		enr.UpdatedAt = NowFunc().UTC()
		enr, err = svc.repo.UpdateEnrollmentStatus(ctx, enr, tx)
		return err
	})
	if err != nil {
		return err
	}

	svc.sendCancelledMail(usr, crs, enr)
	return nil
}

func (svc *service) HasCapacity(ctx context.Context, courseID string) (bool, error) {
	crs, err := svc.repo.GetCourse(ctx, courseID)
	if err != nil {
		return false, err
	}
	count, err := svc.repo.CountEnrolled(ctx, courseID)
	if err != nil {
		return false, errors.Wrap(err, "counting enrolled students")
	}
	return count < crs.Capacity, nil
}

func (svc *service) QueryForUser(ctx context.Context, userID string) ([]Enrollment, error) {
	return svc.repo.QueryUserEnrollments(ctx, userID)
}

// runTx retries the whole transaction on transient conflicts (deadlock,
// serialization failure, lock timeout). Domain errors are never retried;
// retrying would not change the outcome.
func (svc *service) runTx(ctx context.Context, fn func(tx core.DBTransactor) error) error {
	for attempt := 1; ; attempt++ {
		err := core.RunInTx(ctx, svc.db, fn)
		if errors.Cause(err) != core.ErrTxnConflict {
			return err
		}
		if attempt >= txMaxAttempts {
			return ErrTemporarilyUnavailable
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryBackoff):
		}
	}
}

// Mails

type emailData struct {
	User       user.User
	Course     course.Course
	Enrollment Enrollment
}

func (svc *service) sendConfirmedMail(usr user.User, crs course.Course, enr Enrollment) {
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      "Enrollment Confirmed",
		TemplateName: "enrollment-confirmed",
		TemplateData: emailData{User: usr, Course: crs, Enrollment: enr},
	})
}

func (svc *service) sendCancelledMail(usr user.User, crs course.Course, enr Enrollment) {
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:      "Enrollment Cancelled",
		TemplateName: "enrollment-cancelled",
		TemplateData: emailData{User: usr, Course: crs, Enrollment: enr},
	})
}
