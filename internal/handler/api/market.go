package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	models "FinPulse/internal/domain/models"
	"FinPulse/internal/service/cmc"
	apimetrics "FinPulse/internal/service/metrics"
	"FinPulse/internal/service/ratelimit"
	"FinPulse/internal/usecase"
	xhttp "FinPulse/pkg/http"
	xlogger "FinPulse/pkg/logger"

	"github.com/labstack/echo/v4"
)

const priceSource = "Binance WebSocket"

// PriceReader exposes the latest live prices.
type PriceReader interface {
	Price(asset models.Asset) (models.Tick, bool)
	Prices() map[models.Asset]models.Tick
	State() models.StreamState
}

// MarketReader exposes the market refresh state.
type MarketReader interface {
	Refresh(ctx context.Context) (models.RefreshReport, error)
	Report() (models.RefreshReport, bool)
	Latest(ctx context.Context) (models.MarketSnapshot, error)
}

type HistoryReader interface {
	History(ctx context.Context, days int) ([]models.MarketSnapshot, error)
	Count(ctx context.Context) (int64, error)
}

type TicksReader interface {
	GetTicks(ctx context.Context, p usecase.GetTicksParams) (*usecase.GetTicksResult, error)
	Crashes(ctx context.Context, asset models.Asset, limit int) ([]models.CrashPayload, error)
}

// Enqueuer hands work to the background job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msgType string, payload interface{}) error
}

// MarketDeps groups the collaborators of MarketHandler.
type MarketDeps struct {
	Prices     PriceReader
	Market     MarketReader
	History    HistoryReader
	Ticks      TicksReader
	Queue      Enqueuer
	Limiter    *ratelimit.Limiter // nil disables refresh throttling
	CronSecret string
}

// MarketHandler serves prices, market history, refresh triggers and health.
type MarketHandler struct {
	logger *xlogger.Logger
	deps   MarketDeps
	now    func() time.Time
}

func NewMarketHandler(logger *xlogger.Logger, deps MarketDeps) *MarketHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	apimetrics.Register()
	return &MarketHandler{logger: logger, deps: deps, now: time.Now}
}

func (h *MarketHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Index)
	g := e.Group("/api/v1")
	g.GET("/prices", h.Prices)
	g.GET("/btc-price", h.BTCPrice)
	g.GET("/market", h.Market)
	g.GET("/history", h.History)
	g.POST("/refresh", h.Refresh)
	g.POST("/internal/cron-refresh", h.CronRefresh)
	g.GET("/health", h.Health)
	g.GET("/ticks", h.Ticks)
	g.GET("/events/crashes", h.Crashes)
}

func (h *MarketHandler) Index(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"name":    "FinPulse",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"prices":        "/api/v1/prices",
			"btc_price":     "/api/v1/btc-price",
			"market":        "/api/v1/market",
			"history":       "/api/v1/history",
			"refresh":       "/api/v1/refresh",
			"stream":        "/api/v1/stream",
			"recent_events": "/api/v1/events/recent",
			"crashes":       "/api/v1/events/crashes",
			"ticks":         "/api/v1/ticks",
			"health":        "/api/v1/health",
			"metrics":       "/metrics",
		},
		"internal": map[string]string{
			"cron_refresh": "/api/v1/internal/cron-refresh (protected)",
		},
	})
}

func (h *MarketHandler) Prices(c echo.Context) error {
	prices := h.priceMap()
	assets := make([]models.Asset, 0, len(prices))
	for _, a := range models.Assets() {
		if _, ok := prices[a]; ok {
			assets = append(assets, a)
		}
	}
	return xhttp.SuccessResponse(c, models.PricesResponse{
		Prices:    prices,
		Assets:    assets,
		Timestamp: h.now().UTC(),
		Source:    priceSource,
	})
}

func (h *MarketHandler) BTCPrice(c echo.Context) error {
	t, ok := h.deps.Prices.Price(models.AssetBTC)
	return xhttp.SuccessResponse(c, models.PriceResponse{
		Asset:     models.AssetBTC,
		Price:     t.Price,
		Available: ok,
		Timestamp: h.now().UTC(),
		Source:    priceSource,
	})
}

func (h *MarketHandler) Market(c echo.Context) error {
	snap, err := h.deps.Market.Latest(c.Request().Context())
	if errors.Is(err, usecase.ErrNoSnapshot) {
		return xhttp.NotFoundResponse(c, "no market snapshot yet")
	}
	if err != nil {
		h.logger.Error("latest snapshot", xlogger.Error(err))
		return xhttp.InternalServerErrorResponse(c)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=60")
	return xhttp.SuccessResponse(c, snap)
}

func (h *MarketHandler) History(c echo.Context) error {
	start := time.Now()
	req := &models.HistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	rows, err := h.deps.History.History(c.Request().Context(), req.Days)
	apimetrics.Observe("history", start, err != nil)
	if err != nil {
		h.logger.Error("history usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, models.HistoryResponse{Count: len(rows), Data: rows})
}

// Refresh queues a background market refresh.
func (h *MarketHandler) Refresh(c echo.Context) error {
	if h.deps.Limiter != nil && !h.deps.Limiter.Allow(c.RealIP()) {
		return xhttp.TooManyRequestsResponse(c, 1, "refresh rate limit exceeded")
	}
	return h.enqueue(c, "api", "Data refresh initiated in background")
}

// CronRefresh is the scheduler hook. The Authorization header must equal the
// configured secret. The refresh runs inline so the scheduler sees the outcome.
func (h *MarketHandler) CronRefresh(c echo.Context) error {
	if h.deps.CronSecret == "" {
		h.logger.Error("cron secret not configured")
		return xhttp.DataResponse(c, http.StatusInternalServerError, "server configuration error: cron secret not set")
	}
	got := c.Request().Header.Get(echo.HeaderAuthorization)
	if got == "" {
		h.logger.Warn("cron refresh without authorization", xlogger.String("remote", c.RealIP()))
		return xhttp.UnauthorizedResponse(c, "missing Authorization header")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.deps.CronSecret)) != 1 {
		h.logger.Warn("cron refresh with invalid secret", xlogger.String("remote", c.RealIP()))
		return xhttp.ForbiddenResponse(c, "invalid credentials")
	}

	h.logger.Info("cron refresh triggered")
	start := time.Now()
	rep, err := h.deps.Market.Refresh(c.Request().Context())
	apimetrics.Observe("cron_refresh", start, err != nil)
	if err != nil && rep.Snapshot == nil {
		return xhttp.AppErrorResponse(c, upstreamError(err))
	}
	return xhttp.SuccessResponse(c, rep)
}

func (h *MarketHandler) enqueue(c echo.Context, source, msg string) error {
	start := time.Now()
	now := h.now().UTC()
	err := h.deps.Queue.Enqueue(c.Request().Context(), usecase.RefreshJobType, usecase.RefreshRequest{
		Source:      source,
		RequestedAt: now,
	})
	apimetrics.Observe("refresh", start, err != nil)
	if err != nil {
		h.logger.Error("enqueue refresh", xlogger.String("source", source), xlogger.Error(err))
		return xhttp.ServiceUnavailableResponse(c, "refresh queue unavailable")
	}
	return xhttp.AcceptedResponse(c, models.RefreshAccepted{
		Status:    "accepted",
		Message:   msg,
		Timestamp: now,
	})
}

// Health always answers 200; the body carries the verdict.
func (h *MarketHandler) Health(c echo.Context) error {
	ctx := c.Request().Context()
	comp := models.HealthComponents{
		API:           models.StatusOperational,
		HistoryStore:  models.StatusOperational,
		CurrentPrices: h.priceMap(),
	}

	n, err := h.deps.History.Count(ctx)
	switch {
	case err != nil:
		h.logger.Warn("health: history count", xlogger.Error(err))
		comp.HistoryStore = models.StatusOffline
	case n == 0:
		comp.HistoryStore = models.StatusDegraded
	}
	comp.RecordCount = n

	state := h.deps.Prices.State()
	comp.StreamState = state.String()
	comp.Websocket = streamStatus(state)

	comp.CoinMarketCap = models.StatusDegraded
	if rep, ok := h.deps.Market.Report(); ok {
		comp.CoinMarketCap = rep.Status
	}

	status := "healthy"
	if comp.HistoryStore == models.StatusOffline ||
		comp.Websocket != models.StatusOperational ||
		comp.CoinMarketCap == models.StatusOffline {
		status = "degraded"
	}
	return xhttp.SuccessResponse(c, models.HealthResponse{
		Status:     status,
		Timestamp:  h.now().UTC(),
		Components: comp,
	})
}

func streamStatus(s models.StreamState) models.SourceStatus {
	switch s {
	case models.StateConnected:
		return models.StatusOperational
	case models.StateConnecting, models.StateReconnectWait:
		return models.StatusDegraded
	default:
		return models.StatusOffline
	}
}

func (h *MarketHandler) Ticks(c echo.Context) error {
	start := time.Now()
	req := &models.TicksRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	window, _ := time.ParseDuration(req.Window) // checked by the duration rule

	res, err := h.deps.Ticks.GetTicks(c.Request().Context(), usecase.GetTicksParams{
		Asset:  models.Asset(req.Asset),
		Window: window,
		Limit:  req.Limit,
	})
	apimetrics.Observe("ticks", start, err != nil)
	if err != nil {
		h.logger.Error("ticks usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *MarketHandler) Crashes(c echo.Context) error {
	start := time.Now()
	req := &models.CrashesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	rows, err := h.deps.Ticks.Crashes(c.Request().Context(), models.Asset(req.Asset), req.Limit)
	apimetrics.Observe("crashes", start, err != nil)
	if err != nil {
		h.logger.Error("crashes usecase error", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *MarketHandler) priceMap() map[models.Asset]float64 {
	out := make(map[models.Asset]float64)
	for a, t := range h.deps.Prices.Prices() {
		out[a] = t.Price
	}
	return out
}

func upstreamError(err error) error {
	switch {
	case errors.Is(err, cmc.ErrUpstreamUnavailable):
		return xhttp.UnavailableError("market data provider unavailable").WithError(err)
	case errors.Is(err, cmc.ErrClientRequest), errors.Is(err, cmc.ErrResponseTooLarge):
		return xhttp.NewAppError("ERR_UPSTREAM", "", "market data request rejected", http.StatusBadGateway).WithError(err)
	case errors.Is(err, usecase.ErrRefreshInProgress), errors.Is(err, usecase.ErrRefreshLockLost):
		return xhttp.ConflictError("refresh already running").WithError(err)
	default:
		return err
	}
}
