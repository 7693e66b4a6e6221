package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

// AccessTokenCookie carries the platform session for browser clients.
const AccessTokenCookie = "access_token"

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.Session, error)
}

// Session attaches the caller's session when the request carries a valid
// token. It never rejects; RequireSession and RequireAdmin do.
func Session(auth Authenticator, logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractToken(c.Request())
			if token == "" {
				return next(c)
			}

			session, err := auth.Authenticate(c.Request().Context(), token)
			switch {
			case err == nil:
				setSession(c, session)
			case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionExpired):
			default:
				logger.Error("failed to authenticate session", slog.String("error", err.Error()))
			}
			return next(c)
		}
	}
}

func RequireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := SessionFromContext(c); err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"message": "authentication required"})
		}
		return next(c)
	}
}

func RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := SessionFromContext(c); err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{"message": "authentication required"})
		}
		if !isAdmin(c) {
			return c.JSON(http.StatusForbidden, map[string]string{"message": "admin permission required"})
		}
		return next(c)
	}
}

func extractToken(r *http.Request) string {
	if header := r.Header.Get(echo.HeaderAuthorization); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return strings.TrimSpace(header)
	}
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
