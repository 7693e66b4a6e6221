package handler

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/ctf-server/interface/middleware"
)

var errInvalidChallengeID = errors.New("invalid challenge id")

func teamFromContext(c echo.Context) (int64, error) {
	session, err := middleware.SessionFromContext(c)
	if err != nil {
		return 0, domain.ErrSessionNotFound
	}
	return session.Team()
}

func challengeIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidChallengeID
	}
	return id, nil
}
