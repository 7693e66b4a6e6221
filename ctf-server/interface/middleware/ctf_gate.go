package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

const adminLoginPath = "/api/v1/users/admin/login"

type CTFStateReader interface {
	State(ctx context.Context) (*domain.CTFState, bool, error)
}

type GateConfig struct {
	AllowlistExact    []string
	AllowlistPrefixes []string
}

type ctfEndedResponse struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	EndsAt  *time.Time `json:"ends_at"`
}

// CTFGate closes the platform to everyone but admins while the CTF is not
// running. Allow-listed paths always pass. It must run after Session.
func CTFGate(clock CTFStateReader, config GateConfig, logger *slog.Logger) echo.MiddlewareFunc {
	exact := make(map[string]struct{}, len(config.AllowlistExact))
	for _, p := range config.AllowlistExact {
		exact[p] = struct{}{}
	}

	allowlisted := func(path string) bool {
		if _, ok := exact[path]; ok {
			return true
		}
		for _, prefix := range config.AllowlistPrefixes {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
		return path == adminLoginPath
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if allowlisted(c.Request().URL.Path) {
				return next(c)
			}

			state, open, err := clock.State(c.Request().Context())
			if err != nil {
				logger.Error("failed to read ctf state", slog.String("error", err.Error()))
				return c.JSON(http.StatusInternalServerError, map[string]string{"message": "failed to read ctf state"})
			}
			if open || isAdmin(c) {
				return next(c)
			}

			return c.JSON(http.StatusForbidden, ctfEndedResponse{
				Code:    "CTF_ENDED",
				Message: "CTF has ended. Only admin endpoints are available.",
				EndsAt:  state.EndsAt,
			})
		}
	}
}
