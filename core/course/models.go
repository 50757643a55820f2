package course

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/darasa/core"
)

// Statuses
const (
	StatusDraft  = "draft"
	StatusActive = "active"
	StatusClosed = "closed"
)

var AllStatuses = []string{StatusDraft, StatusActive, StatusClosed}

type Course struct {
	ID           string    `json:"id"`
	InstructorID string    `json:"instructor_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Capacity     int       `json:"capacity"`
	Status       string    `json:"status"`
	StartsAt     time.Time `json:"starts_at"`  // UTC
	CreatedAt    time.Time `json:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at"` // UTC
}

func (c *Course) IsActive() bool { return c.Status == StatusActive }

// NewCourse contains information needed to create a new Course; it always starts as a draft.
type NewCourse struct {
	Name        string    `json:"name" validate:"required"`
	Description string    `json:"description"`
	Capacity    int       `json:"capacity" validate:"required,min=1"`
	StartsAt    time.Time `json:"starts_at" validate:"required"`
}

func (nc *NewCourse) Validate(validate *validator.Validate) error {
	nc.Name = core.CleanString(nc.Name)
	nc.Description = core.CleanString(nc.Description)
	return validate.Struct(nc)
}

// UpdateCourse defines what information may be provided to modify an existing Course.
// Zero-valued fields are left unchanged.
type UpdateCourse struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Capacity    int       `json:"capacity" validate:"omitempty,min=1"`
	StartsAt    time.Time `json:"starts_at"`
}

func (uc *UpdateCourse) Validate(validate *validator.Validate, origCrs Course) error {
	name := core.CleanString(uc.Name)
	if name != "" {
		uc.Name = name
	} else {
		uc.Name = origCrs.Name
	}

	desc := core.CleanString(uc.Description)
	if desc != "" {
		uc.Description = desc
	} else {
		uc.Description = origCrs.Description
	}

	if uc.Capacity == 0 {
		uc.Capacity = origCrs.Capacity
	}
	if uc.StartsAt.IsZero() {
		uc.StartsAt = origCrs.StartsAt
	}
	return validate.Struct(uc)
}

type QueryFilter struct {
	Search       string    `query:"search"`
	Status       string    `query:"status"`
	InstructorID string    `query:"instructor"`
	StartsFrom   time.Time `query:"starts_from"`
	StartsTo     time.Time `query:"starts_to"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && qf.Status == "" && qf.InstructorID == "" && qf.StartsFrom.IsZero() && qf.StartsTo.IsZero()
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
	qf.Status = core.CleanString(qf.Status, true /* lower */)
}
