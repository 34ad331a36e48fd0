package cures

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/domain/audit"
	"github.com/ehr/audittrail/internal/platform/auth"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With().Str("component", "cures_handler").Logger()}
}

// RegisterRoutes mounts the gate. onDenied records failed role checks.
func (h *Handler) RegisterRoutes(api *echo.Group, onDenied auth.DeniedFunc) {
	g := api.Group("/cures", auth.RequireRole(onDenied, string(audit.RoleDoctor)))
	g.POST("/check", h.Check)
}

func (h *Handler) Check(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := h.svc.Check(c.Request().Context(), audit.ActorFromRequest(c), req)
	var rerr *RegistryError
	if err == nil || errors.As(err, &rerr) {
		// The gate wrote CURES_ACCESS or CURES_CHECK_FAILED itself.
		c.Set(audit.ContextKeyRecorded, true)
	}
	if err != nil {
		var verr *audit.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error":  "validation failed",
				"fields": verr.Fields,
			})
		}
		if rerr != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"error":  "controlled substance registry unavailable",
				"result": res,
			})
		}
		h.logger.Error().Err(err).Str("patient_id", req.PatientID).Msg("cures check failed")
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error":  "audit storage unavailable",
			"result": res,
		})
	}
	return c.JSON(http.StatusOK, res)
}
