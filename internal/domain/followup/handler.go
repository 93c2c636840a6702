package followup

import (
	"errors"
	"net/http"
	"strconv"
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

// RegisterRoutes registers all follow-up routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/followups", h.Schedule)
	g.GET("/followups", h.List)
	g.POST("/followups/assess", h.Assess)
	g.GET("/followups/:id", h.Get)
	g.POST("/followups/:id/responses", h.RecordResponses)
	g.POST("/followups/:id/escalate", h.Escalate)
}

type scheduleRequest struct {
	PatientID        string     `json:"patient_id" validate:"required"`
	PatientName      string     `json:"patient_name"`
	PatientContact   string     `json:"patient_contact"`
	ReferralID       *uuid.UUID `json:"referral_id"`
	ClinicianID      string     `json:"clinician_id"`
	ClinicianContact string     `json:"clinician_contact"`
	ScheduledAt      time.Time  `json:"scheduled_at" validate:"required"`
	Questions        []Question `json:"questions" validate:"required,min=1,dive"`
	NeedsReminder    bool       `json:"needs_reminder"`
}

type escalateRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason" validate:"required"`
}

type assessRequest struct {
	Questions []Question        `json:"questions" validate:"required,min=1,dive"`
	Responses map[string]Answer `json:"responses"`
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
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidAnswer):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) Schedule(c echo.Context) error {
	var req scheduleRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r := &Record{
		PatientID:        req.PatientID,
		PatientName:      req.PatientName,
		PatientContact:   req.PatientContact,
		ReferralID:       req.ReferralID,
		ClinicianID:      req.ClinicianID,
		ClinicianContact: req.ClinicianContact,
		ScheduledAt:      req.ScheduledAt,
		Questions:        req.Questions,
		NeedsReminder:    req.NeedsReminder,
	}
	if err := h.svc.Schedule(c.Request().Context(), r, middleware.ActorID(c)); err != nil {
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

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		PatientID: c.QueryParam("patient_id"),
		Status:    Status(c.QueryParam("status")),
	}
	if v := c.QueryParam("referral_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid referral_id")
		}
		f.ReferralID = id
	}
	if v := c.QueryParam("escalated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "escalated must be a boolean")
		}
		f.Escalated = &b
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, items, total, pg))
}

func (h *Handler) RecordResponses(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req ResponsesInput
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.RecordResponses(c.Request().Context(), id, req, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Escalate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req escalateRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.Escalate(c.Request().Context(), id, req.Target, req.Reason, middleware.ActorID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// Assess scores a questionnaire without storing anything.
func (h *Handler) Assess(c echo.Context) error {
	var req assessRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	a, err := Score(req.Questions, req.Responses)
	trigger, escalate := EscalationTrigger(a, err)
	resp := map[string]interface{}{
		"score":     a.Score,
		"red_flags": a.RedFlags,
		"escalate":  escalate,
	}
	if escalate {
		resp["trigger"] = trigger
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
