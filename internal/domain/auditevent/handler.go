package auditevent

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/emr/internal/platform/auth"
	"github.com/ehr/emr/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the audit trail read surface. gate enforces the
// role check so denials are themselves audited.
func (h *Handler) RegisterRoutes(api *echo.Group, gate *auth.Gate) {
	g := api.Group("", gate.Require(auth.RoleAdmin, auth.RoleCompliance, auth.RoleLegal))
	g.GET("/audit-events", h.Search)
}

func (h *Handler) Search(c echo.Context) error {
	var params SearchParams

	if v := c.QueryParam("principal_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return auth.HTTPError(auth.NewValidationError("principal_id", "must be a uuid"))
		}
		params.PrincipalID = &id
	}
	if v := c.QueryParam("action"); v != "" {
		params.Action = Action(v)
	}
	for _, f := range []struct {
		name string
		dst  **time.Time
	}{{"since", &params.Since}, {"until", &params.Until}} {
		v := c.QueryParam(f.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return auth.HTTPError(auth.NewValidationError(f.name, "must be RFC 3339"))
		}
		*f.dst = &t
	}

	p := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), params, p.Limit, p.Offset)
	if err != nil {
		return auth.HTTPError(err)
	}
	if items == nil {
		items = []*AuditEvent{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset).WithLinks(c.Request().URL))
}
