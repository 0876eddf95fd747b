package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists routes reachable without an access token: infrastructure
// endpoints and the credential flows that produce tokens in the first place.
var publicPaths = map[string]bool{
	"/health":                          true,
	"/health/db":                       true,
	"/metrics":                         true,
	"/api/v1/auth/register":            true,
	"/api/v1/auth/login":               true,
	"/api/v1/auth/refresh":             true,
	"/api/v1/auth/logout":              true,
	"/api/v1/auth/verify-email":        true,
	"/api/v1/auth/resend-verification": true,
	"/api/v1/auth/forgot-password":     true,
	"/api/v1/auth/reset-password":      true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
