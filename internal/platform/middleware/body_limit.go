package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultBodyLimit = 1 << 20

var sizeUnits = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30}, {"G", 30},
	{"MB", 20}, {"M", 20},
	{"KB", 10}, {"K", 10},
}

// BodyLimit rejects request bodies larger than limit with 413. The limit is
// a size such as "64K" or "1M"; a bare number is bytes.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return tooLarge(maxBytes)
			}
			// Content-Length may be absent or wrong.
			req.Body = cappedBody{
				ReadCloser: http.MaxBytesReader(c.Response(), req.Body, maxBytes),
				limit:      maxBytes,
			}
			return next(c)
		}
	}
}

// cappedBody reports an overrun as a 413 so handlers can return the read
// error unchanged.
type cappedBody struct {
	io.ReadCloser
	limit int64
}

func (b cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return n, tooLarge(b.limit)
	}
	return n, err
}

func tooLarge(limit int64) error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds %d bytes", limit))
}

// parseLimit reads sizes like "512", "64K" or "2MB". Anything unparsable
// falls back to 1 MiB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	var shift uint
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSuffix(s, u.suffix)
			shift = u.shift
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n << shift
}
