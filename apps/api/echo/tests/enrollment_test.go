package tests

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	echoapi "github.com/trezcool/darasa/apps/api/echo"
	"github.com/trezcool/darasa/core/course"
	"github.com/trezcool/darasa/core/enrollment"
	"github.com/trezcool/darasa/core/user"
	testutil "github.com/trezcool/darasa/tests"
)

func Test_enrollmentApi_enroll(t *testing.T) {
	resetDB(t)

	starts := time.Now().Add(30 * 24 * time.Hour)
	student := testutil.CreateUser(t, usrRepo, "Awe", "awe", "awe@test.cd", "", []string{user.RoleStudent}, true)
	buddy := testutil.CreateUser(t, usrRepo, "King", "king", "king@test.cd", "", []string{user.RoleStudent}, true)
	instructor := testutil.CreateUser(t, usrRepo, "Prof", "prof", "prof@test.cd", "", []string{user.RoleInstructor}, true)
	admin := testutil.CreateUser(t, usrRepo, "Root", "root", "root@test.cd", "", user.AdminRoles, true)

	active := testutil.CreateCourse(t, crsRepo, instructor.ID, "Go 101", course.StatusActive, 5, starts)
	draft := testutil.CreateCourse(t, crsRepo, instructor.ID, "Go 102", course.StatusDraft, 5, starts)
	full := testutil.CreateCourse(t, crsRepo, instructor.ID, "Go 103", course.StatusActive, 1, starts)
	testutil.CreateEnrollment(t, enrRepo, buddy.ID, full.ID, enrollment.StatusEnrolled)

	enrollPath := func(courseID string) string { return fmt.Sprintf("/v1/courses/%s/enroll", courseID) }

	tests := []httpTest{
		{name: "Auth required", path: enrollPath(active.ID), wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Only students may enroll", path: enrollPath(active.ID), token: getToken(t, instructor),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "only students may enroll"}),
		},
		{
			name: "Unknown course", path: enrollPath("3e0a"), token: getToken(t, student),
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "course not found"}),
		},
		{
			name: "Draft course is not open", path: enrollPath(draft.ID), token: getToken(t, student),
			wantCode: http.StatusUnprocessableEntity, wantData: marchallObj(t, httpErr{Error: "course is not open for enrollment"}),
		},
		{
			name: "Full course", path: enrollPath(full.ID), token: getToken(t, student),
			wantCode: http.StatusUnprocessableEntity, wantData: marchallObj(t, httpErr{Error: "course is full"}),
		},
		{
			name: "Cannot enroll someone else", path: enrollPath(active.ID), token: getToken(t, student),
			body:     marchallObj(t, echoapi.EnrollRequest{UserID: buddy.ID}),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{name: "Enrolled", path: enrollPath(active.ID), token: getToken(t, student), wantCode: http.StatusCreated},
		{
			name: "Already enrolled", path: enrollPath(active.ID), token: getToken(t, student),
			wantCode: http.StatusUnprocessableEntity, wantData: marchallObj(t, httpErr{Error: "user is already enrolled in this course"}),
		},
		{
			name: "Admin enrolls a student", path: enrollPath(active.ID), token: getToken(t, admin),
			body: marchallObj(t, echoapi.EnrollRequest{UserID: buddy.ID}), wantCode: http.StatusCreated,
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodPost

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)

			// the new enrollment's ID and timestamps cannot be guessed
			if tt.wantCode == http.StatusCreated {
				if rec.Code != tt.wantCode {
					t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
				}
				var respData enrollment.Enrollment
				if err := json.Unmarshal(rec.Body.Bytes(), &respData); err != nil {
					t.Errorf("json.Unmarshal() failed! err %v", err)
				}
				if respData.ID == "" || !respData.IsEnrolled() {
					t.Errorf("failed! data = %v", rec.Body.String())
				}
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_enrollmentApi_cancel(t *testing.T) {
	resetDB(t)

	student := testutil.CreateUser(t, usrRepo, "Awe", "awe", "awe@test.cd", "", []string{user.RoleStudent}, true)

	open := testutil.CreateCourse(t, crsRepo, "instr", "Go 101", course.StatusActive, 5, time.Now().Add(30*24*time.Hour))
	imminent := testutil.CreateCourse(t, crsRepo, "instr", "Go 102", course.StatusActive, 5, time.Now().Add(48*time.Hour))
	other := testutil.CreateCourse(t, crsRepo, "instr", "Go 103", course.StatusActive, 5, time.Now().Add(30*24*time.Hour))
	testutil.CreateEnrollment(t, enrRepo, student.ID, open.ID, enrollment.StatusEnrolled)
	testutil.CreateEnrollment(t, enrRepo, student.ID, imminent.ID, enrollment.StatusEnrolled)

	cancelPath := func(courseID string) string { return fmt.Sprintf("/v1/courses/%s/cancel", courseID) }

	tests := []httpTest{
		{name: "Auth required", path: cancelPath(open.ID), wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Not enrolled", path: cancelPath(other.ID), token: getToken(t, student),
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "enrollment not found"}),
		},
		{
			name: "Cancellation window closed", path: cancelPath(imminent.ID), token: getToken(t, student),
			wantCode: http.StatusUnprocessableEntity, wantData: marchallObj(t, httpErr{Error: "the cancellation window for this course has closed"}),
		},
		{name: "Cancelled", path: cancelPath(open.ID), token: getToken(t, student), wantCode: http.StatusNoContent},
		{
			name: "Already cancelled", path: cancelPath(open.ID), token: getToken(t, student),
			wantCode: http.StatusUnprocessableEntity, wantData: marchallObj(t, httpErr{Error: "enrollment has already been cancelled"}),
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodPost

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_enrollmentApi_capacity(t *testing.T) {
	resetDB(t)

	student := testutil.CreateUser(t, usrRepo, "Awe", "awe", "awe@test.cd", "", []string{user.RoleStudent}, true)

	starts := time.Now().Add(30 * 24 * time.Hour)
	open := testutil.CreateCourse(t, crsRepo, "instr", "Go 101", course.StatusActive, 5, starts)
	full := testutil.CreateCourse(t, crsRepo, "instr", "Go 102", course.StatusActive, 1, starts)
	testutil.CreateEnrollment(t, enrRepo, student.ID, full.ID, enrollment.StatusEnrolled)

	capacityPath := func(courseID string) string { return fmt.Sprintf("/v1/courses/%s/capacity", courseID) }

	tests := []httpTest{
		{name: "Auth required", path: capacityPath(open.ID), wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Unknown course", path: capacityPath("3e0a"), token: getToken(t, student),
			wantCode: http.StatusNotFound, wantData: marchallObj(t, httpErr{Error: "course not found"}),
		},
		{
			name: "Seats remain", path: capacityPath(open.ID), token: getToken(t, student),
			wantCode: http.StatusOK, wantData: marchallObj(t, echoapi.CapacityResponse{Available: true}),
		},
		{
			name: "Full", path: capacityPath(full.ID), token: getToken(t, student),
			wantCode: http.StatusOK, wantData: marchallObj(t, echoapi.CapacityResponse{Available: false}),
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodGet

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func Test_enrollmentApi_query(t *testing.T) {
	resetDB(t)

	student := testutil.CreateUser(t, usrRepo, "Awe", "awe", "awe@test.cd", "", []string{user.RoleStudent}, true)
	admin := testutil.CreateUser(t, usrRepo, "Root", "root", "root@test.cd", "", user.AdminRoles, true)

	starts := time.Now().Add(30 * 24 * time.Hour)
	crs1 := testutil.CreateCourse(t, crsRepo, "instr", "Go 101", course.StatusActive, 5, starts)
	crs2 := testutil.CreateCourse(t, crsRepo, "instr", "Go 102", course.StatusActive, 5, starts)
	enr1 := testutil.CreateEnrollment(t, enrRepo, student.ID, crs1.ID, enrollment.StatusEnrolled)
	enr2 := testutil.CreateEnrollment(t, enrRepo, student.ID, crs2.ID, enrollment.StatusEnrolled)

	tests := []httpTest{
		{name: "Auth required", path: "/v1/enrollments", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Own enrollments", path: "/v1/enrollments", token: getToken(t, student),
			wantCode: http.StatusOK, extra: 2,
		},
		{
			name: "Admin lists a user's enrollments", path: "/v1/enrollments/users/" + student.ID, token: getToken(t, admin),
			wantCode: http.StatusOK, extra: 2,
		},
		{
			name: "Non-admin cannot list other users", path: "/v1/enrollments/users/" + student.ID, token: getToken(t, student),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "Admin with no enrollments gets an empty list", path: "/v1/enrollments", token: getToken(t, admin),
			wantCode: http.StatusOK, extra: 0,
		},
	}
	for _, tt := range tests {
		tt.method = http.MethodGet

		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)

			if wantLen, ok := tt.extra.(int); ok {
				if rec.Code != tt.wantCode {
					t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
				}
				var respData []enrollment.Enrollment
				if err := json.Unmarshal(rec.Body.Bytes(), &respData); err != nil {
					t.Errorf("json.Unmarshal() failed! err %v", err)
				}
				if len(respData) != wantLen {
					t.Errorf("failed! got %d enrollments, want %d", len(respData), wantLen)
				}
				for _, enr := range respData {
					if enr.ID != enr1.ID && enr.ID != enr2.ID {
						t.Errorf("failed! unexpected enrollment %v", enr.ID)
					}
				}
				return
			}
			checkCodeAndData(t, tt, rec)
		})
	}
}
