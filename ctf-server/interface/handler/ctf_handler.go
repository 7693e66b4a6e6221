package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/ctf-server/interface/middleware"
)

type CTFClock interface {
	Status(ctx context.Context) (*domain.CTFStatus, error)
	Start(ctx context.Context, adminID int64, duration time.Duration) (*domain.CTFStartResult, error)
	Stop(ctx context.Context) (*domain.CTFStopResult, error)
}

type CTFHandler struct {
	clock  CTFClock
	logger *slog.Logger
}

func NewCTFHandler(clock CTFClock, logger *slog.Logger) *CTFHandler {
	return &CTFHandler{
		clock:  clock,
		logger: logger,
	}
}

type startRequest struct {
	DurationSeconds int64 `json:"duration_seconds"`
}

func (h *CTFHandler) Status(c echo.Context) error {
	status, err := h.clock.Status(c.Request().Context())
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *CTFHandler) Start(c echo.Context) error {
	session, err := middleware.SessionFromContext(c)
	if err != nil {
		return writeError(c, h.logger, domain.ErrSessionNotFound)
	}

	var req startRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, h.logger, domain.ErrInvalidDuration)
	}

	result, err := h.clock.Start(c.Request().Context(), session.UserID, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	h.logger.Info("ctf start requested",
		slog.Int64("admin_id", session.UserID),
		slog.String("result", result.Message),
	)
	return c.JSON(http.StatusOK, result)
}

func (h *CTFHandler) Stop(c echo.Context) error {
	result, err := h.clock.Stop(c.Request().Context())
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, result)
}
