package auth

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// DenialRecorder is notified when an authenticated principal is refused.
type DenialRecorder interface {
	RecordDenial(ctx context.Context, p *Principal, required RoleSet, path string)
}

// Gate builds role-checking middleware.
type Gate struct {
	logger  zerolog.Logger
	denials DenialRecorder
}

func NewGate(logger zerolog.Logger, denials DenialRecorder) *Gate {
	return &Gate{logger: logger, denials: denials}
}

// Require admits the request when the principal's role is one of roles.
// With no roles it only requires authentication. There is no implicit
// superuser: admin must be listed to be admitted.
func (g *Gate) Require(roles ...Role) echo.MiddlewareFunc {
	required := NewRoleSet(roles...)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			p, ok := PrincipalFromContext(ctx)
			if !ok {
				return HTTPError(fmt.Errorf("%w: not authenticated", ErrTokenInvalid))
			}
			if required.Empty() || required.Contains(p.Role) {
				return next(c)
			}

			g.logger.Warn().
				Str("principal_id", p.ID.String()).
				Str("role", string(p.Role)).
				Str("required", required.String()).
				Str("path", c.Path()).
				Msg("role denied")
			if g.denials != nil {
				g.denials.RecordDenial(ctx, p, required, c.Path())
			}
			return HTTPError(ErrInsufficientRole)
		}
	}
}

// RequireRole is Require on a gate with no logging or auditing.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return NewGate(zerolog.Nop(), nil).Require(roles...)
}
