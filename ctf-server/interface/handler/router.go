package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/interface/middleware"
)

type Router struct {
	Instance *InstanceHandler
	CTF      *CTFHandler
	Events   *EventsHandler
	Proxy    echo.MiddlewareFunc
}

// Register mounts every route. Session resolution and the CTF gate are
// installed by the caller with e.Use so they also cover unmatched paths.
func (r *Router) Register(e *echo.Echo) {
	api := e.Group("/api/v1")

	api.GET("/ctf-status", r.CTF.Status)
	api.POST("/ctf-start", r.CTF.Start, middleware.RequireAdmin)
	api.POST("/ctf-stop", r.CTF.Stop, middleware.RequireAdmin)

	api.GET("/ctf-events", r.Events.Stream)

	challenges := api.Group("/challenges/:id", middleware.RequireSession)
	challenges.POST("/instance", r.Instance.Spawn)
	challenges.GET("/instance", r.Instance.Status)
	challenges.DELETE("/instance", r.Instance.Terminate)
	challenges.POST("/instance/extend", r.Instance.Extend)
	challenges.POST("/instance/token", r.Instance.IssueToken)
	challenges.POST("/instance/verify", r.Instance.VerifyFlag)

	api.POST("/instances/tcp/handshake", r.Instance.TCPHandshake)

	e.Any(proxyPrefix+":token", redirectToProxyRoot)
	e.Any(proxyPrefix+":token/*", func(c echo.Context) error {
		return echo.ErrNotFound
	}, r.Proxy)
}
