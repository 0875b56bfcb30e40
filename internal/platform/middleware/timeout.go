package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

var errHandlerTimeout = errors.New("handler exceeded request timeout")

// RequestTimeout puts a deadline on each request's context. The handler runs
// on the request goroutine, so it never outlives the request: a handler that
// gives up at the deadline without writing a response is answered with 504,
// and one that finished its work anyway reports its own result. Paths under
// the given prefixes are long-lived streams and get no deadline; /ws is
// exempt when none are given.
func RequestTimeout(timeout time.Duration, streamPrefixes ...string) echo.MiddlewareFunc {
	if len(streamPrefixes) == 0 {
		streamPrefixes = []string{"/ws"}
	}
	isStream := func(path string) bool {
		for _, p := range streamPrefixes {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isStream(c.Request().URL.Path) {
				return next(c)
			}

			ctx, cancel := context.WithTimeoutCause(c.Request().Context(), timeout, errHandlerTimeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if ctx.Err() == nil || c.Response().Committed {
				return err
			}
			if errors.Is(context.Cause(ctx), errHandlerTimeout) {
				return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
			}
			return ctx.Err()
		}
	}
}
