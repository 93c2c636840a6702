package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	ActorHeader = "X-Actor-ID"

	// AnonymousActor is recorded when a request carries no actor header.
	AnonymousActor = "anonymous"

	actorKey = "actor_id"
)

// Actor records who is acting on each request. Identity is asserted by the
// upstream gateway; the engine only attributes transitions to it.
func Actor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if id := strings.TrimSpace(c.Request().Header.Get(ActorHeader)); id != "" {
				c.Set(actorKey, id)
			}
			return next(c)
		}
	}
}

// ActorID returns the actor set by Actor, falling back to the raw header so
// handlers work in tests without the middleware chain.
func ActorID(c echo.Context) string {
	if id, ok := c.Get(actorKey).(string); ok && id != "" {
		return id
	}
	if id := strings.TrimSpace(c.Request().Header.Get(ActorHeader)); id != "" {
		return id
	}
	return AnonymousActor
}
