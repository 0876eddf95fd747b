package session

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/emr/internal/domain/auditevent"
	"github.com/ehr/emr/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts session management under an authenticated group.
func (h *Handler) RegisterRoutes(authGroup *echo.Group) {
	g := authGroup.Group("/sessions", auth.RequireRole())
	g.GET("", h.List)
	g.DELETE("", h.RevokeAll)
	g.DELETE("/:id", h.Revoke)
}

type sessionView struct {
	ID         uuid.UUID `json:"id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Current    bool      `json:"current"`
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	p, _ := auth.PrincipalFromContext(ctx)
	current := auth.SessionIDFromContext(ctx)

	sessions, err := h.svc.List(ctx, p.ID)
	if err != nil {
		return auth.HTTPError(err)
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			ID:         s.ID,
			IssuedAt:   s.IssuedAt,
			ExpiresAt:  s.ExpiresAt,
			LastUsedAt: s.LastUsedAt,
			IP:         s.IP,
			UserAgent:  s.UserAgent,
			Current:    s.ID == current,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": out})
}

func (h *Handler) Revoke(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return auth.HTTPError(auth.NewValidationError("id", "must be a uuid"))
	}
	ctx := c.Request().Context()
	p, _ := auth.PrincipalFromContext(ctx)

	if err := h.svc.Revoke(ctx, p.ID, id, auditevent.ActionSessionRevoke); err != nil {
		return auth.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RevokeAll(c echo.Context) error {
	ctx := c.Request().Context()
	p, _ := auth.PrincipalFromContext(ctx)

	n, err := h.svc.RevokeAll(ctx, p.ID, uuid.Nil, "user_request")
	if err != nil {
		return auth.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"revoked": n})
}
