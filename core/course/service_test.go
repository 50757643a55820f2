package course_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/enrollment"
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
	crsRepo course.Repository
	enrRepo enrollment.Repository
	svc     course.Service
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	db := inmemdb.Open()
	crsRepo := inmemdb.NewCourseRepository(db)
	return &testEnv{
		db:      db,
		crsRepo: crsRepo,
		enrRepo: inmemdb.NewEnrollmentRepository(db),
		svc:     course.NewService(db, crsRepo),
	}
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

func (env *testEnv) enrol(t *testing.T, userID, courseID string) {
	t.Helper()
	now := time.Now().UTC()
	if _, err := env.enrRepo.CreateEnrollment(ctx, enrollment.Enrollment{
		UserID:     userID,
		CourseID:   courseID,
		Status:     enrollment.StatusEnrolled,
		EnrolledAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatalf("CreateEnrollment(): %v", err)
	}
}

func validationCause(err error) error {
	if vErr, ok := err.(*core.ValidationError); ok {
		return vErr.Err
	}
	return err
}

func Test_service_Create(t *testing.T) {
	env := setup(t)

	starts := time.Now().Add(30 * 24 * time.Hour)
	crs, err := env.svc.Create(ctx, "instr", course.NewCourse{
		Name:        "Go 101",
		Description: "An introduction",
		Capacity:    25,
		StartsAt:    starts,
	})
	if err != nil {
		t.Fatalf("Create(): %v", err)
	}
	if crs.ID == "" {
		t.Error("Create() did not assign an ID")
	}
	if crs.Status != course.StatusDraft {
		t.Errorf("Create() status = %s, want %s", crs.Status, course.StatusDraft)
	}
	if crs.InstructorID != "instr" || crs.Name != "Go 101" || crs.Capacity != 25 {
		t.Errorf("Create() = %+v; unexpected fields", crs)
	}

	got, err := env.svc.GetByID(ctx, crs.ID)
	if err != nil {
		t.Fatalf("GetByID(): %v", err)
	}
	if got.ID != crs.ID {
		t.Errorf("GetByID() = %+v, want %+v", got, crs)
	}
}

func Test_service_GetByID_notFound(t *testing.T) {
	env := setup(t)
	if _, err := env.svc.GetByID(ctx, "nope"); err != course.ErrNotFound {
		t.Errorf("GetByID() error = %v, want %v", err, course.ErrNotFound)
	}
}

func Test_service_Publish(t *testing.T) {
	env := setup(t)

	starts := time.Now().Add(30 * 24 * time.Hour)

	t.Run("ok", func(t *testing.T) {
		crs := env.createCourse(t, "Go 101", course.StatusDraft, 10, starts)
		got, err := env.svc.Publish(ctx, crs.ID)
		if err != nil {
			t.Fatalf("Publish(): %v", err)
		}
		if got.Status != course.StatusActive {
			t.Errorf("Publish() status = %s, want %s", got.Status, course.StatusActive)
		}
	})
	t.Run("already published", func(t *testing.T) {
		crs := env.createCourse(t, "Go 102", course.StatusActive, 10, starts)
		if _, err := env.svc.Publish(ctx, crs.ID); err != course.ErrAlreadyPublished {
			t.Errorf("Publish() error = %v, want %v", err, course.ErrAlreadyPublished)
		}
	})
	t.Run("closed", func(t *testing.T) {
		crs := env.createCourse(t, "Go 103", course.StatusClosed, 10, starts)
		if _, err := env.svc.Publish(ctx, crs.ID); err != course.ErrAlreadyPublished {
			t.Errorf("Publish() error = %v, want %v", err, course.ErrAlreadyPublished)
		}
	})
	t.Run("starts in the past", func(t *testing.T) {
		crs := env.createCourse(t, "Go 104", course.StatusDraft, 10, time.Now().Add(-time.Hour))
		_, err := env.svc.Publish(ctx, crs.ID)
		if validationCause(err) != course.ErrStartsInThePast {
			t.Errorf("Publish() error = %v, want %v", err, course.ErrStartsInThePast)
		}
	})
}

func Test_service_Close(t *testing.T) {
	env := setup(t)

	starts := time.Now().Add(30 * 24 * time.Hour)

	t.Run("ok", func(t *testing.T) {
		crs := env.createCourse(t, "Go 101", course.StatusActive, 10, starts)
		got, err := env.svc.Close(ctx, crs.ID)
		if err != nil {
			t.Fatalf("Close(): %v", err)
		}
		if got.Status != course.StatusClosed {
			t.Errorf("Close() status = %s, want %s", got.Status, course.StatusClosed)
		}
	})
	t.Run("draft", func(t *testing.T) {
		crs := env.createCourse(t, "Go 102", course.StatusDraft, 10, starts)
		if _, err := env.svc.Close(ctx, crs.ID); err != course.ErrNotActive {
			t.Errorf("Close() error = %v, want %v", err, course.ErrNotActive)
		}
	})
	t.Run("already closed", func(t *testing.T) {
		crs := env.createCourse(t, "Go 103", course.StatusClosed, 10, starts)
		if _, err := env.svc.Close(ctx, crs.ID); err != course.ErrNotActive {
			t.Errorf("Close() error = %v, want %v", err, course.ErrNotActive)
		}
	})
}

func Test_service_Update(t *testing.T) {
	env := setup(t)

	starts := time.Now().Add(30 * 24 * time.Hour)

	t.Run("ok", func(t *testing.T) {
		crs := env.createCourse(t, "Go 101", course.StatusDraft, 10, starts)
		got, err := env.svc.Update(ctx, crs.ID, course.UpdateCourse{
			Name:        "Go 101 Revised",
			Description: "Updated",
			Capacity:    20,
			StartsAt:    starts,
		})
		if err != nil {
			t.Fatalf("Update(): %v", err)
		}
		if got.Name != "Go 101 Revised" || got.Capacity != 20 {
			t.Errorf("Update() = %+v; unexpected fields", got)
		}
	})
	t.Run("closed", func(t *testing.T) {
		crs := env.createCourse(t, "Go 102", course.StatusClosed, 10, starts)
		_, err := env.svc.Update(ctx, crs.ID, course.UpdateCourse{Name: crs.Name, Capacity: 20, StartsAt: starts})
		if err != course.ErrNotActive {
			t.Errorf("Update() error = %v, want %v", err, course.ErrNotActive)
		}
	})
	t.Run("capacity below enrolled count", func(t *testing.T) {
		crs := env.createCourse(t, "Go 103", course.StatusActive, 10, starts)
		for _, uid := range []string{"s1", "s2", "s3"} {
			env.enrol(t, uid, crs.ID)
		}
		_, err := env.svc.Update(ctx, crs.ID, course.UpdateCourse{Name: crs.Name, Capacity: 2, StartsAt: starts})
		if validationCause(err) != course.ErrCapacityTooSmall {
			t.Errorf("Update() error = %v, want %v", err, course.ErrCapacityTooSmall)
		}
	})
	t.Run("capacity reduced to the enrolled count", func(t *testing.T) {
		crs := env.createCourse(t, "Go 104", course.StatusActive, 10, starts)
		for _, uid := range []string{"s1", "s2", "s3"} {
			env.enrol(t, uid, crs.ID)
		}
		got, err := env.svc.Update(ctx, crs.ID, course.UpdateCourse{Name: crs.Name, Capacity: 3, StartsAt: starts})
		if err != nil {
			t.Fatalf("Update(): %v", err)
		}
		if got.Capacity != 3 {
			t.Errorf("Update() capacity = %d, want 3", got.Capacity)
		}
	})
}
