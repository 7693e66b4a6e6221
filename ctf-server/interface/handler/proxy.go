package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/ctf-server/interface/middleware"
)

const proxyPrefix = "/i/"

type ProxyResolver interface {
	ResolveProxyTarget(ctx context.Context, token string) (string, error)
}

// tokenBalancer picks the upstream per request from the access token in the
// path. It has no static target set.
type tokenBalancer struct {
	resolver ProxyResolver
	logger   *slog.Logger
}

func (b *tokenBalancer) AddTarget(*echomiddleware.ProxyTarget) bool { return false }

func (b *tokenBalancer) RemoveTarget(string) bool { return false }

func (b *tokenBalancer) Next(c echo.Context) *echomiddleware.ProxyTarget {
	target, _ := b.NextTarget(c)
	return target
}

// NextTarget also strips /i/:token from the forwarded request so the workload
// sees paths relative to its own root.
func (b *tokenBalancer) NextTarget(c echo.Context) (*echomiddleware.ProxyTarget, error) {
	req := c.Request()

	address, err := b.resolver.ResolveProxyTarget(req.Context(), c.Param("token"))
	if errors.Is(err, domain.ErrTokenNotFound) || errors.Is(err, domain.ErrChallengeNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "instance token not found")
	}
	if err != nil {
		b.logger.Error("failed to resolve proxy target", slog.String("error", err.Error()))
		return nil, echo.NewHTTPError(http.StatusBadGateway, "failed to resolve instance")
	}

	upstream, err := url.Parse("http://" + address)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadGateway, "invalid instance address")
	}

	forwarded := req.Clone(req.Context())
	forwarded.URL.Path = "/" + c.Param("*")
	forwarded.URL.RawPath = ""
	forwarded.Header.Del(echo.HeaderAuthorization)
	stripSessionCookie(forwarded)
	c.SetRequest(forwarded)

	return &echomiddleware.ProxyTarget{Name: address, URL: upstream}, nil
}

// stripSessionCookie drops the platform session cookie and keeps the rest.
func stripSessionCookie(req *http.Request) {
	cookies := req.Cookies()
	req.Header.Del("Cookie")
	for _, cookie := range cookies {
		if cookie.Name == middleware.AccessTokenCookie {
			continue
		}
		req.AddCookie(cookie)
	}
}

// NewProxy returns the reverse proxy mounted at /i/:token/*.
func NewProxy(resolver ProxyResolver, logger *slog.Logger) echo.MiddlewareFunc {
	return echomiddleware.ProxyWithConfig(echomiddleware.ProxyConfig{
		Balancer:   &tokenBalancer{resolver: resolver, logger: logger},
		ContextKey: "target",
	})
}

func redirectToProxyRoot(c echo.Context) error {
	return c.Redirect(http.StatusPermanentRedirect, proxyPrefix+c.Param("token")+"/")
}
