package referral

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referrals/internal/platform/middleware"
	"github.com/ehr/referrals/internal/platform/store"
	"github.com/ehr/referrals/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers all referral routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/referrals", h.Submit)
	g.GET("/referrals", h.List)
	g.GET("/referrals/due", h.ListDue)
	g.GET("/referrals/number/:number", h.GetByNumber)
	g.GET("/referrals/:id", h.Get)
	g.GET("/referrals/:id/transitions", h.Transitions)
	g.POST("/referrals/:id/respond", h.Respond)
	g.POST("/referrals/:id/expire", h.Expire)
	g.POST("/referrals/:id/transport", h.AdvanceTransport)
	g.POST("/referrals/:id/complete", h.Complete)
	g.POST("/referrals/:id/cancel", h.Cancel)
	g.POST("/referrals/:id/annotations", h.Annotate)
	g.POST("/referrals/:id/priority", h.RecomputePriority)
}

type submitRequest struct {
	Urgency           Urgency         `json:"urgency" validate:"required,oneof=emergency urgent semi_urgent routine"`
	Patient           PatientSnapshot `json:"patient" validate:"required"`
	Reason            string          `json:"reason"`
	ReferringFacility string          `json:"referring_facility" validate:"required"`
	ReferringDoctorID string          `json:"referring_doctor_id" validate:"required"`
	ReferringContact  string          `json:"referring_contact"`
	ReceivingFacility string          `json:"receiving_facility" validate:"required"`
	ReceivingContact  string          `json:"receiving_contact"`
	RequiresTransport bool            `json:"requires_transport"`
	RequiresBed       bool            `json:"requires_bed"`
}

type transportRequest struct {
	Leg Leg `json:"leg" validate:"required"`
}

type completeRequest struct {
	Outcome string `json:"outcome"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type annotateRequest struct {
	Kind string `json:"kind" validate:"omitempty,oneof=outcome escalation note"`
	Note string `json:"note" validate:"required"`
}

type priorityRequest struct {
	Patient *PatientSnapshot `json:"patient"`
}

// bindValid binds the body and runs the registered validator, if any.
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

// httpError maps service errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDeadlineExceeded):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrDeadlineNotReached),
		errors.Is(err, ErrTransportNotNeeded),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrDispatchActive),
		errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) Submit(c echo.Context) error {
	var req submitRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r := &Referral{
		Urgency:           req.Urgency,
		Patient:           req.Patient,
		Reason:            req.Reason,
		ReferringFacility: req.ReferringFacility,
		ReferringDoctorID: req.ReferringDoctorID,
		ReferringContact:  req.ReferringContact,
		ReceivingFacility: req.ReceivingFacility,
		ReceivingContact:  req.ReceivingContact,
		RequiresTransport: req.RequiresTransport,
		RequiresBed:       req.RequiresBed,
	}
	if err := h.svc.Submit(c.Request().Context(), r, middleware.ActorID(c)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetByNumber(c echo.Context) error {
	r, err := h.svc.GetByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Status:            Status(c.QueryParam("status")),
		Urgency:           Urgency(c.QueryParam("urgency")),
		PatientID:         c.QueryParam("patient_id"),
		ReceivingFacility: c.QueryParam("receiving_facility"),
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, items, total, pg))
}

// ListDue handles GET /referrals/due?before=RFC3339. Without before, the
// current time is used.
func (h *Handler) ListDue(c echo.Context) error {
	before := h.svc.clock.Now()
	if v := c.QueryParam("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be RFC3339")
		}
		before = t
	}
	pg := pagination.FromContext(c)
	items, err := h.svc.QueryDue(c.Request().Context(), before, pg.Limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), pg.Limit, 0))
}

func (h *Handler) Transitions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  r.Status,
		"allowed": AllowedTransitions(r.Status),
	})
}

func (h *Handler) Respond(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req ResponseInput
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.Respond(c.Request().Context(), id, req, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Expire(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Expire(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) AdvanceTransport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req transportRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.AdvanceTransport(c.Request().Context(), id, req.Leg, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.Complete(c.Request().Context(), id, req.Outcome, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.Cancel(c.Request().Context(), id, req.Reason, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Annotate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req annotateRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.Annotate(c.Request().Context(), id, req.Kind, req.Note, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) RecomputePriority(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req priorityRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.RecomputePriority(c.Request().Context(), id, req.Patient)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}
