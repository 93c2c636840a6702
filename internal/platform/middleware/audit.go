package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry records one state-changing API call.
type AuditEntry struct {
	Actor      string
	EntityType string
	EntityID   string
	Action     string
	Operation  string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

var auditActions = map[string]string{
	http.MethodPost:   "create",
	http.MethodPut:    "update",
	http.MethodPatch:  "update",
	http.MethodDelete: "delete",
}

const auditPrefix = "/api/v1/"

// Audit logs every mutating /api/v1 call and hands it to the recorders.
// Recorder failures are logged and never change the response.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			action, mutating := auditActions[req.Method]
			if !mutating || !strings.HasPrefix(req.URL.Path, auditPrefix) {
				return next(c)
			}

			err := next(c)

			entry := newAuditEntry(c, action, err)
			for _, r := range recorders {
				if r == nil {
					continue
				}
				if rerr := r.RecordAccess(entry); rerr != nil {
					logger.Error().Err(rerr).Str("request_id", entry.RequestID).Msg("audit recorder failed")
				}
			}

			lvl := zerolog.InfoLevel
			if entry.StatusCode >= http.StatusBadRequest {
				lvl = zerolog.WarnLevel
			}
			logger.WithLevel(lvl).
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("actor", entry.Actor).
				Str("action", entry.Action).
				Str("entity_type", entry.EntityType).
				Str("entity_id", entry.EntityID).
				Str("operation", entry.Operation).
				Int("status", entry.StatusCode).
				Msg("entity_change")

			return err
		}
	}
}

func newAuditEntry(c echo.Context, action string, err error) AuditEntry {
	req := c.Request()
	status := c.Response().Status
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
	}
	entityType, entityID, op := parseEntityPath(req.URL.Path)
	return AuditEntry{
		Actor:      ActorID(c),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Operation:  op,
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
		Path:       req.URL.Path,
		Method:     req.Method,
		Timestamp:  time.Now().UTC(),
		RequestID:  GetRequestID(c),
		StatusCode: status,
	}
}

// parseEntityPath splits "/api/v1/<type>[/<uuid>][/<op...>]".
//
//	/api/v1/referrals/<uuid>/dispatch/cancel -> referrals, <uuid>, dispatch/cancel
//	/api/v1/dispatches/estimate              -> dispatches, "", estimate
func parseEntityPath(path string) (entityType, entityID, operation string) {
	rest := strings.Trim(strings.TrimPrefix(path, auditPrefix), "/")
	if rest == "" {
		return "unknown", "", ""
	}
	parts := strings.Split(rest, "/")
	entityType, parts = parts[0], parts[1:]
	if len(parts) > 0 {
		if _, err := uuid.Parse(parts[0]); err == nil {
			entityID, parts = parts[0], parts[1:]
		}
	}
	return entityType, entityID, strings.Join(parts, "/")
}
