package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// SchedulerToken guards scheduler-only endpoints with a shared secret. An
// empty configured token rejects every request rather than opening the
// endpoint to the world.
func SchedulerToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			presented := c.Request().Header.Get("X-Scheduler-Token")

			if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "invalid scheduler token",
				})
			}

			return next(c)
		}
	}
}
