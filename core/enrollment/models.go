package enrollment

import (
	"time"

	"github.com/volatiletech/null/v8"
)

// Statuses
const (
	StatusEnrolled  = "enrolled"
	StatusCancelled = "cancelled"
)

// Enrollment is one admission of one user into one course. Cancelled rows are
// kept for history; re-enrolling after a cancellation creates a new row.
type Enrollment struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CourseID    string    `json:"course_id"`
	Status      string    `json:"status"`
	EnrolledAt  time.Time `json:"enrolled_at"` // UTC
	CancelledAt null.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"` // UTC
	UpdatedAt   time.Time `json:"updated_at"` // UTC
}

func (e *Enrollment) IsEnrolled() bool  { return e.Status == StatusEnrolled }
func (e *Enrollment) IsCancelled() bool { return e.Status == StatusCancelled }
