package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HearthUser is the server-side record of a Hearth user.
type HearthUser struct {
	Salt     string
	PassHash string
}

// HearthUsers resolves users by name.
type HearthUsers interface {
	LookupUser(username string) (HearthUser, bool)
}

// HearthMiddleware verifies the auth-* headers produced by Authenticate.
func HearthMiddleware(users HearthUsers) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HearthSkipper(c) {
				return next(c)
			}
			h := c.Request().Header
			username := h.Get(HeaderUsername)
			if username == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing auth-username header")
			}
			user, ok := users.LookupUser(username)
			if !ok || h.Get(HeaderSalt) != user.Salt {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown user")
			}
			want := TokenFromHash(user.PassHash, user.Salt, h.Get(HeaderTS))
			if subtle.ConstantTimeCompare([]byte(want), []byte(h.Get(HeaderToken))) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid auth-token")
			}
			return next(c)
		}
	}
}
