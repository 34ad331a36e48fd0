package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultBodyLimit int64 = 1 << 20

// BodyLimit caps request bodies at defaultLimit, or batchLimit for the
// batch ingest route. Sizes are written as "1M", "512K", "2G" or a plain
// byte count.
//
// A declared Content-Length over the cap is refused before the handler
// runs. Otherwise the body is wrapped with http.MaxBytesReader and an
// overflow surfacing from the handler, bound or not, becomes 413.
func BodyLimit(defaultLimit, batchLimit string) echo.MiddlewareFunc {
	limits := routeLimits{
		standard: parseLimit(defaultLimit),
		batch:    parseLimit(batchLimit),
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := limits.forRequest(req)
			if req.ContentLength > limit {
				return tooLarge(limit)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)

			err := next(c)
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return tooLarge(maxErr.Limit)
			}
			return err
		}
	}
}

type routeLimits struct {
	standard int64
	batch    int64
}

func (l routeLimits) forRequest(req *http.Request) int64 {
	if req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, "/audit/sync") {
		return l.batch
	}
	return l.standard
}

func tooLarge(limit int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
}

var sizeUnits = map[byte]int64{
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
}

// parseLimit falls back to 1 MB for empty, malformed or non-positive input.
func parseLimit(s string) int64 {
	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	if s == "" {
		return defaultBodyLimit
	}

	unit := int64(1)
	if m, ok := sizeUnits[s[len(s)-1]]; ok {
		unit = m
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n * unit
}
