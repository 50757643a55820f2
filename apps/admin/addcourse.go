package main

import (
	"context"
	"fmt"
	"time"

	"github.com/trezcool/darasa/core"
	"github.com/trezcool/darasa/core/course"
)

// addCourse creates a course for an existing instructor, optionally publishing
// it right away.
func (cli *commandLine) addCourse(instructor, name, description string, capacity int, startsAt time.Time, publish bool) error {
	ctx := context.Background()

	usr, err := cli.usrRepo.GetUserByUsernameOrEmail(ctx, core.CleanString(instructor, true /* lower */))
	if err != nil {
		return err
	}
	if !usr.IsInstructor() && !usr.IsAdmin() {
		return fmt.Errorf("user %q is not an instructor", usr.Username)
	}

	status := course.StatusDraft
	if publish {
		status = course.StatusActive
	}

	now := time.Now().UTC()
	crs := course.Course{
		InstructorID: usr.ID,
		Name:         core.CleanString(name),
		Description:  core.CleanString(description),
		Capacity:     capacity,
		Status:       status,
		StartsAt:     startsAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	crs, err = cli.crsRepo.CreateCourse(ctx, crs)
	if err != nil {
		return err
	}
	logger.Printf("course %q created (id: %s, status: %s)", crs.Name, crs.ID, crs.Status)
	return nil
}
