package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/infrastructure/eventbus"
)

const DefaultKeepAlive = 15 * time.Second

type Subscriber interface {
	Subscribe() chan eventbus.Message
	Unsubscribe(ch chan eventbus.Message)
}

// ConnectionLimiter bounds concurrent event streams per client IP.
type ConnectionLimiter interface {
	Acquire(ctx context.Context, ip string) (bool, error)
	Refresh(ctx context.Context, ip string) error
	Release(ctx context.Context, ip string) error
}

type EventsHandler struct {
	bus       Subscriber
	limiter   ConnectionLimiter
	keepAlive time.Duration
	logger    *slog.Logger

	done     chan struct{}
	shutdown sync.Once
}

func NewEventsHandler(bus Subscriber, limiter ConnectionLimiter, keepAlive time.Duration, logger *slog.Logger) *EventsHandler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &EventsHandler{
		bus:       bus,
		limiter:   limiter,
		keepAlive: keepAlive,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Shutdown ends every open stream and refuses new ones.
func (h *EventsHandler) Shutdown() {
	h.shutdown.Do(func() { close(h.done) })
}

// Stream serves text/event-stream until the client goes away. Frames are
// "event: <name>\ndata: <json>\n\n"; a ping frame is sent on every keep-alive
// tick, which also refreshes the client's connection slot.
func (h *EventsHandler) Stream(c echo.Context) error {
	ctx := c.Request().Context()
	ip := c.RealIP()

	select {
	case <-h.done:
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Message: "server is shutting down"})
	default:
	}

	ok, err := h.limiter.Acquire(ctx, ip)
	if err != nil {
		h.logger.Error("failed to acquire sse slot", slog.String("client_ip", ip), slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorResponse{Message: "failed to open event stream"})
	}
	if !ok {
		return c.JSON(http.StatusTooManyRequests, errorResponse{Message: "Too many SSE connections"})
	}
	defer func() {
		if err := h.limiter.Release(context.WithoutCancel(ctx), ip); err != nil {
			h.logger.Warn("failed to release sse slot", slog.String("client_ip", ip), slog.String("error", err.Error()))
		}
	}()

	ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(ch)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := writeFrame(res, "hello", json.RawMessage(`{"ok":true}`)); err != nil {
		return nil
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case msg, open := <-ch:
			if !open {
				return nil
			}
			if err := writeFrame(res, msg.Event, msg.Data); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := h.limiter.Refresh(ctx, ip); err != nil {
				h.logger.Warn("failed to refresh sse slot", slog.String("client_ip", ip), slog.String("error", err.Error()))
			}
			if err := writeFrame(res, "ping", json.RawMessage(`{"t":1}`)); err != nil {
				return nil
			}
		}
	}
}

func writeFrame(res *echo.Response, event string, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
