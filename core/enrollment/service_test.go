package enrollment_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/enrollment"
	"github.com/trezcool/darasa/core/user"
	emailsvc "github.com/trezcool/darasa/services/email"
	inmemdb "github.com/trezcool/darasa/storage/database/inmem"
)

var ctx = context.Background()

func TestMain(m *testing.M) {
	_ = os.Setenv("ENV", "TEST")
	core.NewConfig()
	os.Exit(m.Run())
}

type testEnv struct {
	db      *inmemdb.DB
	usrRepo user.Repository
	crsRepo course.Repository
	enrRepo enrollment.Repository
	svc     enrollment.Service
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	emailsvc.ClearSentMessages()

	db := inmemdb.Open()
	enrRepo := inmemdb.NewEnrollmentRepository(db)
	usrRepo := inmemdb.NewUserRepository(db)
	return &testEnv{
		db:      db,
		usrRepo: usrRepo,
		crsRepo: inmemdb.NewCourseRepository(db),
		enrRepo: enrRepo,
		svc:     enrollment.NewService(db, enrRepo, usrRepo, emailsvc.NewConsoleServiceMock()),
	}
}

func (env *testEnv) createUser(t *testing.T, uname string, roles []string) user.User {
	t.Helper()
	now := time.Now().UTC()
	active := true
	usr, err := env.usrRepo.CreateUser(ctx, user.User{
		Name:      uname,
		Username:  uname,
		Email:     uname + "@test.cd",
		Roles:     roles,
		IsActive:  &active,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("createUser(): %v", err)
	}
	return usr
}

func (env *testEnv) createStudent(t *testing.T, uname string) user.User {
	return env.createUser(t, uname, []string{user.RoleStudent})
}

func (env *testEnv) createCourse(t *testing.T, name, status string, capacity int, startsAt time.Time) course.Course {
	t.Helper()
	now := time.Now().UTC()
	crs, err := env.crsRepo.CreateCourse(ctx, course.Course{
		InstructorID: "instr",
		Name:         name,
		Capacity:     capacity,
		Status:       status,
		StartsAt:     startsAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("createCourse(): %v", err)
	}
	return crs
}

func (env *testEnv) enrolledCount(t *testing.T, courseID string) int {
	t.Helper()
	count, err := env.enrRepo.CountEnrolled(ctx, courseID)
	if err != nil {
		t.Fatalf("CountEnrolled(): %v", err)
	}
	return count
}

func lastSentMailSubject() string {
	if n := len(emailsvc.SentMessages); n > 0 {
		return emailsvc.SentMessages[n-1].Subject
	}
	return ""
}

func Test_service_Admit(t *testing.T) {
	env := setup(t)

	starts := time.Now().Add(30 * 24 * time.Hour)
	active := env.createCourse(t, "Go 101", course.StatusActive, 2, starts)
	draft := env.createCourse(t, "Go 102", course.StatusDraft, 2, starts)
	closed := env.createCourse(t, "Go 103", course.StatusClosed, 2, starts)

	student := env.createStudent(t, "awe")
	instructor := env.createUser(t, "prof", []string{user.RoleInstructor})

	t.Run("unknown user", func(t *testing.T) {
		if _, err := env.svc.Admit(ctx, "nope", active.ID); errors.Cause(err) != user.ErrNotFound {
			t.Errorf("Admit() error = %v, want %v", err, user.ErrNotFound)
		}
	})
	t.Run("non-student", func(t *testing.T) {
		if _, err := env.svc.Admit(ctx, instructor.ID, active.ID); err != enrollment.ErrForbidden {
			t.Errorf("Admit() error = %v, want %v", err, enrollment.ErrForbidden)
		}
	})
	t.Run("unknown course", func(t *testing.T) {
		if _, err := env.svc.Admit(ctx, student.ID, "nope"); errors.Cause(err) != course.ErrNotFound {
			t.Errorf("Admit() error = %v, want %v", err, course.ErrNotFound)
		}
	})
	t.Run("draft course", func(t *testing.T) {
		if _, err := env.svc.Admit(ctx, student.ID, draft.ID); err != enrollment.ErrCourseNotActive {
			t.Errorf("Admit() error = %v, want %v", err, enrollment.ErrCourseNotActive)
		}
	})
	t.Run("closed course", func(t *testing.T) {
		if _, err := env.svc.Admit(ctx, student.ID, closed.ID); err != enrollment.ErrCourseNotActive {
			t.Errorf("Admit() error = %v, want %v", err, enrollment.ErrCourseNotActive)
		}
	})

	t.Run("ok", func(t *testing.T) {
		enr, err := env.svc.Admit(ctx, student.ID, active.ID)
		if err != nil {
			t.Fatalf("Admit(): %v", err)
		}
		if enr.UserID != student.ID || enr.CourseID != active.ID {
			t.Errorf("Admit() = %+v; unexpected user/course", enr)
		}
		if !enr.IsEnrolled() {
			t.Errorf("Admit() status = %s, want %s", enr.Status, enrollment.StatusEnrolled)
		}
		if enr.EnrolledAt.IsZero() {
			t.Error("Admit() EnrolledAt not set")
		}
		if got := env.enrolledCount(t, active.ID); got != 1 {
			t.Errorf("enrolled count = %d, want 1", got)
		}
		if got := lastSentMailSubject(); got != "Enrollment Confirmed" {
			t.Errorf("confirmation mail subject = %q", got)
		}
	})
	t.Run("already enrolled", func(t *testing.T) {
		if _, err := env.svc.Admit(ctx, student.ID, active.ID); err != enrollment.ErrAlreadyEnrolled {
			t.Errorf("Admit() error = %v, want %v", err, enrollment.ErrAlreadyEnrolled)
		}
		if got := env.enrolledCount(t, active.ID); got != 1 {
			t.Errorf("enrolled count = %d, want 1", got)
		}
	})
	t.Run("capacity exceeded", func(t *testing.T) {
		s2 := env.createStudent(t, "king")
		if _, err := env.svc.Admit(ctx, s2.ID, active.ID); err != nil {
			t.Fatalf("Admit(): %v", err)
		}
		s3 := env.createStudent(t, "hero")
		if _, err := env.svc.Admit(ctx, s3.ID, active.ID); err != enrollment.ErrCapacityExceeded {
			t.Errorf("Admit() error = %v, want %v", err, enrollment.ErrCapacityExceeded)
		}
		if got := env.enrolledCount(t, active.ID); got != 2 {
			t.Errorf("enrolled count = %d, want 2", got)
		}
	})
}

// Two students race for the last seat: exactly one wins, the other is told
// the course is full.
func Test_service_Admit_lastSeatRace(t *testing.T) {
	env := setup(t)

	crs := env.createCourse(t, "Go 101", course.StatusActive, 1, time.Now().Add(30*24*time.Hour))
	s1 := env.createStudent(t, "awe")
	s2 := env.createStudent(t, "king")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, uid := range []string{s1.ID, s2.ID} {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			_, err := env.svc.Admit(ctx, uid, crs.ID)
			errs <- err
		}(uid)
	}
	wg.Wait()
	close(errs)

	var admitted, full int
	for err := range errs {
		switch err {
		case nil:
			admitted++
		case enrollment.ErrCapacityExceeded:
			full++
		default:
			t.Fatalf("Admit(): %v", err)
		}
	}
	if admitted != 1 || full != 1 {
		t.Errorf("admitted = %d, full = %d; want 1 and 1", admitted, full)
	}
	if got := env.enrolledCount(t, crs.ID); got != 1 {
		t.Errorf("enrolled count = %d, want 1", got)
	}
}

// 50 students rush a 10-seat course at once; the course never oversells.
func Test_service_Admit_concurrent(t *testing.T) {
	env := setup(t)

	const capacity, students = 10, 50
	crs := env.createCourse(t, "Go 101", course.StatusActive, capacity, time.Now().Add(30*24*time.Hour))

	ids := make([]string, 0, students)
	for i := 0; i < students; i++ {
		ids = append(ids, env.createStudent(t, "student"+string(rune('a'+i%26))+string(rune('a'+i/26))).ID)
	}

	errs := make(chan error, students)
	var wg sync.WaitGroup
	for _, uid := range ids {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			_, err := env.svc.Admit(ctx, uid, crs.ID)
			errs <- err
		}(uid)
	}
	wg.Wait()
	close(errs)

	var admitted, full int
	for err := range errs {
		switch err {
		case nil:
			admitted++
		case enrollment.ErrCapacityExceeded:
			full++
		default:
			t.Fatalf("Admit(): %v", err)
		}
	}
	if admitted != capacity {
		t.Errorf("admitted = %d, want %d", admitted, capacity)
	}
	if full != students-capacity {
		t.Errorf("full = %d, want %d", full, students-capacity)
	}
	if got := env.enrolledCount(t, crs.ID); got != capacity {
		t.Errorf("enrolled count = %d, want %d", got, capacity)
	}
}

// Admissions on different courses do not serialize behind each other's locks.
func Test_service_Admit_independentCourses(t *testing.T) {
	env := setup(t)

	crsA := env.createCourse(t, "Go 101", course.StatusActive, 5, time.Now().Add(30*24*time.Hour))
	crsB := env.createCourse(t, "Go 102", course.StatusActive, 5, time.Now().Add(30*24*time.Hour))
	student := env.createStudent(t, "awe")

	// hold crsA's row lock in an open transaction
	tx, err := env.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx(): %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err = env.enrRepo.GetCourseForUpdate(ctx, crsA.ID, tx); err != nil {
		t.Fatalf("GetCourseForUpdate(): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Admit(ctx, student.ID, crsB.ID)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Admit(): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("admission blocked behind an unrelated course's lock")
	}
}

func Test_service_Cancel(t *testing.T) {
	env := setup(t)

	starts := time.Now().Add(30 * 24 * time.Hour)
	crs := env.createCourse(t, "Go 101", course.StatusActive, 5, starts)
	student := env.createStudent(t, "awe")
	instructor := env.createUser(t, "prof", []string{user.RoleInstructor})
	now := time.Now()

	t.Run("unknown user", func(t *testing.T) {
		if err := env.svc.Cancel(ctx, "nope", crs.ID, now); errors.Cause(err) != user.ErrNotFound {
			t.Errorf("Cancel() error = %v, want %v", err, user.ErrNotFound)
		}
	})
	t.Run("non-student", func(t *testing.T) {
		if err := env.svc.Cancel(ctx, instructor.ID, crs.ID, now); err != enrollment.ErrForbidden {
			t.Errorf("Cancel() error = %v, want %v", err, enrollment.ErrForbidden)
		}
	})
	t.Run("not enrolled", func(t *testing.T) {
		if err := env.svc.Cancel(ctx, student.ID, crs.ID, now); errors.Cause(err) != enrollment.ErrNotFound {
			t.Errorf("Cancel() error = %v, want %v", err, enrollment.ErrNotFound)
		}
	})

	if _, err := env.svc.Admit(ctx, student.ID, crs.ID); err != nil {
		t.Fatalf("Admit(): %v", err)
	}

	t.Run("ok", func(t *testing.T) {
		if err := env.svc.Cancel(ctx, student.ID, crs.ID, now); err != nil {
			t.Fatalf("Cancel(): %v", err)
		}
		enr, err := env.enrRepo.GetLatestEnrollment(ctx, student.ID, crs.ID)
		if err != nil {
			t.Fatalf("GetLatestEnrollment(): %v", err)
		}
		if !enr.IsCancelled() {
			t.Errorf("status = %s, want %s", enr.Status, enrollment.StatusCancelled)
		}
		if !enr.CancelledAt.Valid {
			t.Error("CancelledAt not set")
		}
		if got := env.enrolledCount(t, crs.ID); got != 0 {
			t.Errorf("enrolled count = %d, want 0", got)
		}
		if got := lastSentMailSubject(); got != "Enrollment Cancelled" {
			t.Errorf("cancellation mail subject = %q", got)
		}
	})
	t.Run("already cancelled", func(t *testing.T) {
		if err := env.svc.Cancel(ctx, student.ID, crs.ID, now); err != enrollment.ErrAlreadyCancelled {
			t.Errorf("Cancel() error = %v, want %v", err, enrollment.ErrAlreadyCancelled)
		}
	})
	t.Run("re-admission creates a new enrollment", func(t *testing.T) {
		if _, err := env.svc.Admit(ctx, student.ID, crs.ID); err != nil {
			t.Fatalf("Admit(): %v", err)
		}
		enrs, err := env.svc.QueryForUser(ctx, student.ID)
		if err != nil {
			t.Fatalf("QueryForUser(): %v", err)
		}
		if len(enrs) != 2 {
			t.Errorf("enrollments = %d, want 2", len(enrs))
		}
		if got := env.enrolledCount(t, crs.ID); got != 1 {
			t.Errorf("enrolled count = %d, want 1", got)
		}
	})
}

func Test_service_Cancel_noticeWindow(t *testing.T) {
	env := setup(t)

	delta := core.Conf.CancellationNoticeDelta
	starts := time.Now().Add(30 * 24 * time.Hour)
	crs := env.createCourse(t, "Go 101", course.StatusActive, 5, starts)
	student := env.createStudent(t, "awe")
	if _, err := env.svc.Admit(ctx, student.ID, crs.ID); err != nil {
		t.Fatalf("Admit(): %v", err)
	}

	t.Run("less than the required notice", func(t *testing.T) {
		now := crs.StartsAt.Add(-delta + time.Second)
		if err := env.svc.Cancel(ctx, student.ID, crs.ID, now); err != enrollment.ErrCancellationClosed {
			t.Errorf("Cancel() error = %v, want %v", err, enrollment.ErrCancellationClosed)
		}
	})
	t.Run("after the course started", func(t *testing.T) {
		now := crs.StartsAt.Add(time.Hour)
		if err := env.svc.Cancel(ctx, student.ID, crs.ID, now); err != enrollment.ErrCancellationClosed {
			t.Errorf("Cancel() error = %v, want %v", err, enrollment.ErrCancellationClosed)
		}
	})
	t.Run("exactly the required notice", func(t *testing.T) {
		now := crs.StartsAt.Add(-delta)
		if err := env.svc.Cancel(ctx, student.ID, crs.ID, now); err != nil {
			t.Errorf("Cancel(): %v", err)
		}
	})
}

// A cancellation frees the seat for the next student.
func Test_service_Cancel_releasesSeat(t *testing.T) {
	env := setup(t)

	crs := env.createCourse(t, "Go 101", course.StatusActive, 1, time.Now().Add(30*24*time.Hour))
	s1 := env.createStudent(t, "awe")
	s2 := env.createStudent(t, "king")

	if _, err := env.svc.Admit(ctx, s1.ID, crs.ID); err != nil {
		t.Fatalf("Admit(): %v", err)
	}
	if _, err := env.svc.Admit(ctx, s2.ID, crs.ID); err != enrollment.ErrCapacityExceeded {
		t.Fatalf("Admit() error = %v, want %v", err, enrollment.ErrCapacityExceeded)
	}

	if err := env.svc.Cancel(ctx, s1.ID, crs.ID, time.Now()); err != nil {
		t.Fatalf("Cancel(): %v", err)
	}

	if _, err := env.svc.Admit(ctx, s2.ID, crs.ID); err != nil {
		t.Errorf("Admit() after seat released: %v", err)
	}
	if got := env.enrolledCount(t, crs.ID); got != 1 {
		t.Errorf("enrolled count = %d, want 1", got)
	}
}

func Test_service_HasCapacity(t *testing.T) {
	env := setup(t)

	crs := env.createCourse(t, "Go 101", course.StatusActive, 1, time.Now().Add(30*24*time.Hour))
	student := env.createStudent(t, "awe")

	t.Run("unknown course", func(t *testing.T) {
		if _, err := env.svc.HasCapacity(ctx, "nope"); errors.Cause(err) != course.ErrNotFound {
			t.Errorf("HasCapacity() error = %v, want %v", err, course.ErrNotFound)
		}
	})
	t.Run("seats remain", func(t *testing.T) {
		ok, err := env.svc.HasCapacity(ctx, crs.ID)
		if err != nil {
			t.Fatalf("HasCapacity(): %v", err)
		}
		if !ok {
			t.Error("HasCapacity() = false, want true")
		}
	})
	t.Run("full", func(t *testing.T) {
		if _, err := env.svc.Admit(ctx, student.ID, crs.ID); err != nil {
			t.Fatalf("Admit(): %v", err)
		}
		ok, err := env.svc.HasCapacity(ctx, crs.ID)
		if err != nil {
			t.Fatalf("HasCapacity(): %v", err)
		}
		if ok {
			t.Error("HasCapacity() = true, want false")
		}
	})
}

// conflictRepo fails GetCourseForUpdate with a transient conflict a set
// number of times before delegating.
type conflictRepo struct {
	enrollment.Repository

	mu        sync.Mutex
	conflicts int
	attempts  int
}

func (r *conflictRepo) GetCourseForUpdate(ctx context.Context, courseID string, exec ...core.DBExecutor) (course.Course, error) {
	r.mu.Lock()
	r.attempts++
	fail := r.conflicts > 0
	if fail {
		r.conflicts--
	}
	r.mu.Unlock()
	if fail {
		return course.Course{}, core.ErrTxnConflict
	}
	return r.Repository.GetCourseForUpdate(ctx, courseID, exec...)
}

func Test_service_Admit_retriesOnConflict(t *testing.T) {
	env := setup(t)

	crs := env.createCourse(t, "Go 101", course.StatusActive, 5, time.Now().Add(30*24*time.Hour))
	student := env.createStudent(t, "awe")

	t.Run("transient conflict resolves", func(t *testing.T) {
		repo := &conflictRepo{Repository: env.enrRepo, conflicts: 2}
		svc := enrollment.NewService(env.db, repo, env.usrRepo, emailsvc.NewConsoleServiceMock())

		if _, err := svc.Admit(ctx, student.ID, crs.ID); err != nil {
			t.Fatalf("Admit(): %v", err)
		}
		if repo.attempts != 3 {
			t.Errorf("attempts = %d, want 3", repo.attempts)
		}
	})
	t.Run("conflict persists", func(t *testing.T) {
		s2 := env.createStudent(t, "king")
		repo := &conflictRepo{Repository: env.enrRepo, conflicts: 10}
		svc := enrollment.NewService(env.db, repo, env.usrRepo, emailsvc.NewConsoleServiceMock())

		if _, err := svc.Admit(ctx, s2.ID, crs.ID); err != enrollment.ErrTemporarilyUnavailable {
			t.Errorf("Admit() error = %v, want %v", err, enrollment.ErrTemporarilyUnavailable)
		}
		if repo.attempts != 3 {
			t.Errorf("attempts = %d, want 3", repo.attempts)
		}
		if got := env.enrolledCount(t, crs.ID); got != 1 {
			t.Errorf("enrolled count = %d, want 1", got)
		}
	})
}
