package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	models "FinPulse/internal/domain/models"
	"FinPulse/internal/service/broadcast"
	apimetrics "FinPulse/internal/service/metrics"
	xhttp "FinPulse/pkg/http"
	xlogger "FinPulse/pkg/logger"

	"github.com/labstack/echo/v4"
)

// EventSource is the broadcaster side seen by HTTP clients.
type EventSource interface {
	Subscribe(classes []broadcast.Class, replay bool) (*broadcast.Subscription, error)
	Unsubscribe(s *broadcast.Subscription)
	Recent(class broadcast.Class, n int) []broadcast.Event
}

// StreamHandler pushes broadcast events to browsers over Server-Sent Events.
type StreamHandler struct {
	logger *xlogger.Logger
	events EventSource
}

func NewStreamHandler(logger *xlogger.Logger, events EventSource) *StreamHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	apimetrics.Register()
	return &StreamHandler{logger: logger, events: events}
}

func (h *StreamHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/stream", h.Stream)
	g.GET("/events/recent", h.Recent)
}

// Stream holds the connection open and writes one SSE frame per event until
// the client goes away or the broadcaster shuts down.
func (h *StreamHandler) Stream(c echo.Context) error {
	req := &models.StreamRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	classes, err := parseClasses(req.Classes)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_CLASS", "classes", err.Error(), http.StatusBadRequest))
	}

	sub, err := h.events.Subscribe(classes, req.Replay)
	if err != nil {
		return xhttp.ServiceUnavailableResponse(c, "event stream closed")
	}
	defer h.events.Unsubscribe(sub)

	apimetrics.StreamClients.Inc()
	defer apimetrics.StreamClients.Dec()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx := c.Request().Context()
	h.logger.Debug("sse client connected",
		xlogger.Uint64("subscription", sub.ID()),
		xlogger.String("remote", c.RealIP()))

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, broadcast.ErrClosed) && !errors.Is(err, context.Canceled) {
				h.logger.Warn("sse stream ended", xlogger.Error(err))
			}
			h.logger.Debug("sse client gone", xlogger.Uint64("subscription", sub.ID()))
			return nil
		}
		if err := writeEvent(res, ev); err != nil {
			return nil
		}
		res.Flush()
	}
}

func writeEvent(w http.ResponseWriter, ev broadcast.Event) error {
	if ev.Class == broadcast.ClassHeartbeat {
		_, err := fmt.Fprint(w, ": heartbeat\n\n")
		return err
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Class, data)
	return err
}

func parseClasses(raw string) ([]broadcast.Class, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []broadcast.Class
	for _, part := range strings.Split(raw, ",") {
		c, err := broadcast.ParseClass(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Recent returns the newest events of one class from the history ring.
func (h *StreamHandler) Recent(c echo.Context) error {
	req := &models.RecentEventsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	class, err := broadcast.ParseClass(req.Class)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.NewAppError("ERR_CLASS", "class", err.Error(), http.StatusBadRequest))
	}

	evs := h.events.Recent(class, req.N)
	rows := make([]any, len(evs))
	for i, ev := range evs {
		rows[i] = ev.Payload
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}
