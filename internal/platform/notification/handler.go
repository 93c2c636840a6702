package notification

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/referrals/pkg/pagination"
)

// Handler exposes the scheduler to the operator dashboard.
type Handler struct {
	scheduler *Scheduler
	templates *TemplateEngine
}

func NewHandler(s *Scheduler, templates *TemplateEngine) *Handler {
	return &Handler{scheduler: s, templates: templates}
}

// RegisterRoutes registers all notification routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/notifications", h.HandleEnqueue)
	g.GET("/notifications", h.HandleList)
	g.GET("/notifications/failed", h.HandleFailed)
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.POST("/notifications/:id/resubmit", h.HandleResubmit)
}

type enqueueRequest struct {
	Channel      Channel           `json:"channel" validate:"required,oneof=sms email push voice"`
	Recipient    string            `json:"recipient" validate:"required"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body" validate:"required_without=TemplateID"`
	TemplateID   string            `json:"template_id"`
	TemplateData map[string]string `json:"template_data"`
	Priority     int               `json:"priority" validate:"gte=0,lte=100"`
	ScheduledAt  *time.Time        `json:"scheduled_at"`
	ExpiresAt    *time.Time        `json:"expires_at"`
	MaxAttempts  int               `json:"max_attempts" validate:"gte=0,lte=20"`
}

// HandleEnqueue handles POST /notifications.
func (h *Handler) HandleEnqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	payload := Payload{Subject: req.Subject, Body: req.Body}
	if req.TemplateID != "" {
		p, err := h.templates.Payload(req.TemplateID, req.TemplateData)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		payload = p
	}
	dr := &DeliveryRequest{
		Channel:     req.Channel,
		Recipient:   req.Recipient,
		Payload:     payload,
		Priority:    req.Priority,
		SourceType:  "operator",
		ExpiresAt:   req.ExpiresAt,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ScheduledAt != nil {
		dr.ScheduledAt = *req.ScheduledAt
	}

	err := h.scheduler.Enqueue(c.Request().Context(), dr)
	switch {
	case errors.Is(err, ErrStaleRequest):
		// stored as failed so the operator can see it
		return c.JSON(http.StatusUnprocessableEntity, dr)
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, dr)
}

// HandleGet handles GET /notifications/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.scheduler.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "notification not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, r)
}

// HandleList handles GET /notifications?recipient=...
func (h *Handler) HandleList(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient query parameter is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.scheduler.ListByRecipient(c.Request().Context(), recipient, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// HandleFailed handles GET /notifications/failed.
func (h *Handler) HandleFailed(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.scheduler.FailedNotifications(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// HandleResubmit handles POST /notifications/:id/resubmit.
func (h *Handler) HandleResubmit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	fresh, err := h.scheduler.Resubmit(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, fresh)
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.scheduler.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}
