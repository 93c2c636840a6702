package dispatch

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referrals/internal/domain/referral"
	"github.com/ehr/referrals/internal/platform/geo"
	"github.com/ehr/referrals/internal/platform/middleware"
	"github.com/ehr/referrals/internal/platform/store"
	"github.com/ehr/referrals/pkg/pagination"
)

type Handler struct {
	coord *Coordinator
}

func NewHandler(c *Coordinator) *Handler {
	return &Handler{coord: c}
}

// RegisterRoutes registers all dispatch routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/dispatches", h.Assign)
	g.GET("/dispatches", h.List)
	g.POST("/dispatches/estimate", h.Estimate)
	g.GET("/dispatches/resources/:resource", h.ActiveForResource)
	g.GET("/dispatches/:id", h.Get)
	g.POST("/dispatches/:id/legs", h.AdvanceLeg)
	g.POST("/dispatches/:id/release", h.Release)
	g.POST("/referrals/:id/dispatch/cancel", h.CancelReferral)
}

type legRequest struct {
	Leg referral.Leg `json:"leg" validate:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type estimateRequest struct {
	Pickup      geo.Point `json:"pickup"`
	Destination geo.Point `json:"destination"`
}

func bindValid(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if c.Echo().Validator == nil {
		return nil
	}
	if err := c.Validate(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, referral.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, referral.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrResourceBusy),
		errors.Is(err, ErrReferralNotDispatchable),
		errors.Is(err, ErrInvalidLegOrder),
		errors.Is(err, ErrInactive),
		errors.Is(err, referral.ErrInvalidTransition),
		errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) Assign(c echo.Context) error {
	var req AssignInput
	if err := bindValid(c, &req); err != nil {
		return err
	}
	a, err := h.coord.Assign(c.Request().Context(), req, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.coord.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		ResourceID: c.QueryParam("resource_id"),
		ActiveOnly: c.QueryParam("active") == "true",
	}
	if v := c.QueryParam("referral_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid referral_id")
		}
		f.ReferralID = id
	}
	items, total, err := h.coord.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, items, total, pg))
}

func (h *Handler) ActiveForResource(c echo.Context) error {
	a, err := h.coord.ActiveForResource(c.Request().Context(), c.Param("resource"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) AdvanceLeg(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req legRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	a, err := h.coord.AdvanceLeg(c.Request().Context(), id, req.Leg, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Release(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	a, err := h.coord.Release(c.Request().Context(), id, req.Reason, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelReferral(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.coord.CancelReferral(c.Request().Context(), id, req.Reason, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Estimate(c echo.Context) error {
	var req estimateRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	if err := req.Pickup.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.Destination.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, eta := h.coord.Estimate(req.Pickup, req.Destination)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"distance_km": d,
		"eta_seconds": int64(eta.Seconds()),
	})
}
