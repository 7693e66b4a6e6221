package logger

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// EchoRequestLogger logs one JSON line per HTTP request with the same
// attributes as the gRPC interceptor.
func EchoRequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogUserAgent: true,
		LogLatency:   true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method+" "+v.URI),
				slog.String("client_ip", v.RemoteIP),
				slog.String("user_agent", v.UserAgent),
				slog.Time("start_time", v.StartTime),
				slog.Duration("duration", v.Latency),
				slog.Int("status_code", v.Status),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				if v.Status >= 500 {
					level = slog.LevelError
				}
			}
			logger.LogAttrs(context.Background(), level, "HTTP Request", attrs...)
			return nil
		},
	})
}
