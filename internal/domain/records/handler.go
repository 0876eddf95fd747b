// Package records is the clinical surface guarded by the role gate. Record
// storage lives in a separate service; this package only exposes a probe that
// clinical clients use to confirm their credentials reach it.
package records

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/emr/internal/platform/auth"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) RegisterRoutes(api *echo.Group, gate *auth.Gate) {
	g := api.Group("/records", gate.Require(auth.ClinicalRoles...))
	g.GET("/ping", h.Ping)
}

func (h *Handler) Ping(c echo.Context) error {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"principal_id": p.ID.String(),
		"role":         string(p.Role),
	})
}
