package echoapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/darasa/core/enrollment"
	"github.com/trezcool/darasa/core/user"
)

type enrollmentApi struct {
	svc    enrollment.Service
	usrSvc user.Service
}

func registerEnrollmentAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc enrollment.Service, usrSvc user.Service) {
	api := enrollmentApi{
		svc:    svc,
		usrSvc: usrSvc,
	}

	eg := g.Group("/enrollments", jwt)
	eg.GET("", api.queryMine)
	eg.GET("/users/:id", api.queryForUser, adminMiddleware())

	cg := g.Group("/courses/:id", jwt)
	cg.POST("/enroll", api.enroll)
	cg.POST("/cancel", api.cancel)
	cg.GET("/capacity", api.capacity)
}

// targetUserID resolves the user an admission applies to: the caller, or the
// user named in the request body when the caller is an admin.
func (api *enrollmentApi) targetUserID(ctx echo.Context) (string, error) {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return "", errors.Wrap(err, "getting context user")
	}

	var data EnrollRequest
	if err := ctx.Bind(&data); err != nil {
		return "", errors.Wrap(err, "binding to EnrollRequest")
	}
	if data.UserID != "" && data.UserID != ctxUsr.ID {
		if !ctxUsr.IsAdmin() {
			return "", errHttpForbidden
		}
		return data.UserID, nil
	}
	return ctxUsr.ID, nil
}

// Handlers

func (api *enrollmentApi) enroll(ctx echo.Context) error {
	uid, err := api.targetUserID(ctx)
	if err != nil {
		return err
	}

	enr, err := api.svc.Admit(ctx.Request().Context(), uid, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "admitting user")
	}
	return ctx.JSON(http.StatusCreated, enr)
}

func (api *enrollmentApi) cancel(ctx echo.Context) error {
	uid, err := api.targetUserID(ctx)
	if err != nil {
		return err
	}

	if err := api.svc.Cancel(ctx.Request().Context(), uid, ctx.Param("id"), time.Now().UTC()); err != nil {
		return errors.Wrap(err, "cancelling enrollment")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *enrollmentApi) capacity(ctx echo.Context) error {
	available, err := api.svc.HasCapacity(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "checking course capacity")
	}
	return ctx.JSON(http.StatusOK, CapacityResponse{Available: available})
}

func (api *enrollmentApi) queryMine(ctx echo.Context) error {
	ctxUsr, err := getContextUser(ctx, api.usrSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	return api.respondWithEnrollments(ctx, ctxUsr.ID)
}

func (api *enrollmentApi) queryForUser(ctx echo.Context) error {
	return api.respondWithEnrollments(ctx, ctx.Param("id"))
}

func (api *enrollmentApi) respondWithEnrollments(ctx echo.Context, userID string) error {
	enrs, err := api.svc.QueryForUser(ctx.Request().Context(), userID)
	if err != nil {
		return errors.Wrap(err, "querying enrollments")
	}
	if enrs == nil {
		enrs = []enrollment.Enrollment{}
	}
	return ctx.JSON(http.StatusOK, enrs)
}

type (
	EnrollRequest struct {
		UserID string `json:"user_id,omitempty"`
	}

	CapacityResponse struct {
		Available bool `json:"available"`
	}
)
