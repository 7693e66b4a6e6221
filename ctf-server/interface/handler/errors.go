package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

type errorResponse struct {
	Message string `json:"message"`
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInstanceNotFound),
		errors.Is(err, domain.ErrChallengeNotFound),
		errors.Is(err, domain.ErrTokenNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrNoTeam),
		errors.Is(err, domain.ErrHandshakeRejected):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrSessionExpired):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, domain.ErrChallengeNotDeployable):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrInvalidDuration):
		return http.StatusBadRequest, "Invalid duration_seconds"
	case errors.Is(err, domain.ErrCapacityExhausted):
		return http.StatusServiceUnavailable, "no capacity, try again later"
	case errors.Is(err, domain.ErrExtendNotAllowed),
		errors.Is(err, domain.ErrInstanceNotRunning):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrProvisionFailed):
		return http.StatusInternalServerError, "failed to provision instance"
	default:
		return http.StatusInternalServerError, "failed to operate instance"
	}
}

// writeError maps a usecase error onto the response. Server-side failures are
// logged with the underlying cause, which is never sent to the client.
func writeError(c echo.Context, logger *slog.Logger, err error) error {
	status, message := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(status, errorResponse{Message: message})
}
