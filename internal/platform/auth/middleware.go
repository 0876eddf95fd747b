package auth

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// AccessVerifier validates a raw access token.
type AccessVerifier interface {
	VerifyAccess(token string) (*AccessClaims, error)
}

type JWTConfig struct {
	Verifier AccessVerifier
	// Revocations rejects access tokens whose session was ended before the
	// token expired. Optional.
	Revocations *SessionRevocationList
	// Skipper bypasses authentication for matching requests.
	Skipper func(c echo.Context) bool
}

// JWTMiddleware authenticates the bearer access token and stores the
// resolved Principal on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return HTTPError(err)
			}

			claims, err := cfg.Verifier.VerifyAccess(tokenStr)
			if err != nil {
				return HTTPError(err)
			}

			p, sid, err := PrincipalFromClaims(claims)
			if err != nil {
				return HTTPError(err)
			}
			if cfg.Revocations != nil && sid != uuid.Nil && cfg.Revocations.IsRevoked(sid) {
				return HTTPError(fmt.Errorf("%w: session ended", ErrTokenInvalid))
			}

			c.Set("principal_id", p.ID.String())
			ctx := WithPrincipal(c.Request().Context(), p, sid)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrTokenInvalid)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: invalid authorization format", ErrTokenInvalid)
	}
	return strings.TrimSpace(parts[1]), nil
}
