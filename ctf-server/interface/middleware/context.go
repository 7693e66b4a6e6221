package middleware

import (
	"errors"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

const sessionContextKey = "session"

var ErrNoSession = errors.New("session not found in context")

func setSession(c echo.Context, session *domain.Session) {
	c.Set(sessionContextKey, session)
}

func SessionFromContext(c echo.Context) (*domain.Session, error) {
	session, ok := c.Get(sessionContextKey).(*domain.Session)
	if !ok || session == nil {
		return nil, ErrNoSession
	}
	return session, nil
}

func isAdmin(c echo.Context) bool {
	session, err := SessionFromContext(c)
	return err == nil && session.IsAdmin
}
