package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

// Pinger is anything that can report database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats summarizes pgxpool connection usage.
type PoolStats struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
	// WaitMS is the cumulative time spent waiting for a connection.
	WaitMS int64 `json:"wait_ms"`
}

func statsOf(pool *pgxpool.Pool) *PoolStats {
	s := pool.Stat()
	return &PoolStats{
		Total:    s.TotalConns(),
		Idle:     s.IdleConns(),
		Acquired: s.AcquiredConns(),
		Max:      s.MaxConns(),
		WaitMS:   s.AcquireDuration().Milliseconds(),
	}
}

// StoreHealth is the /health/db response body.
type StoreHealth struct {
	Status    string     `json:"status"`
	Backend   string     `json:"backend"`
	LatencyMS int64      `json:"latency_ms"`
	Pool      *PoolStats `json:"pool,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// HealthHandler reports audit store reachability. A nil Pinger means the
// in-memory backend, which is always healthy. Driver errors are not echoed
// to the caller since they can carry connection details.
func HealthHandler(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p == nil {
			return c.JSON(http.StatusOK, StoreHealth{Status: "healthy", Backend: "memory"})
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
		defer cancel()

		start := time.Now()
		err := p.Ping(ctx)
		h := StoreHealth{
			Status:    "healthy",
			Backend:   "postgres",
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if pool, ok := p.(*pgxpool.Pool); ok {
			h.Pool = statsOf(pool)
		}
		if err != nil {
			h.Status = "unhealthy"
			h.Error = "database unreachable"
			return c.JSON(http.StatusServiceUnavailable, h)
		}
		return c.JSON(http.StatusOK, h)
	}
}
