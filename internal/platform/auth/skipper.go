package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPrefixes lists paths reachable without Hearth credentials. The
// challenge endpoint has to be public for a client to obtain a salt.
var publicPrefixes = []string{
	"/api/authenticate/",
}

// HearthSkipper reports whether the request bypasses HearthMiddleware.
func HearthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

// IsPublicPath reports whether path needs no credentials.
func IsPublicPath(path string) bool {
	for _, p := range publicPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
