package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mid "FinPulse/internal/middleware"
	"FinPulse/internal/service/broadcast"
	"FinPulse/internal/usecase"
	pkgch "FinPulse/pkg/clickhouse"
	"FinPulse/pkg/config"
	xhttp "FinPulse/pkg/http"
	pkgkafka "FinPulse/pkg/kafka"
	applogger "FinPulse/pkg/logger"
	"FinPulse/pkg/queue"
)

// Components are the long-running parts the App starts and stops.
// Optional ones may be nil.
type Components struct {
	Collector   *usecase.FeedCollector
	Pipeline    *mid.TickPipeline
	Broadcaster *broadcast.Broadcaster
	Refresher   *usecase.MarketRefresher
	Processor   *usecase.TickProcessor
	Jobs        *queue.RedisQueue
	Consumer    *pkgkafka.Consumer
	Handlers    []pkgkafka.MessageHandler
	HTTP        *xhttp.Server
	ClickHouse  *pkgch.Client
	Cache       interface{ Close() error }
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg    *config.Config
	logger *applogger.Logger
	c      Components

	wg sync.WaitGroup
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, lgr *applogger.Logger, c Components) *App {
	if lgr == nil {
		lgr = applogger.Nop()
	}
	return &App{cfg: cfg, logger: lgr, c: c}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.shutdown()
		return err
	}

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	return a.shutdown()
}

// Start launches every component and returns. Background loops stop when ctx ends.
func (a *App) Start(ctx context.Context) error {
	if a.c.Pipeline != nil {
		a.c.Pipeline.Start(ctx)
	}

	if a.c.Broadcaster != nil {
		a.goLoop(func() { a.c.Broadcaster.RunHeartbeat(ctx) })
	}

	if a.c.Jobs != nil {
		if err := a.c.Jobs.Start(); err != nil {
			return err
		}
	}

	if a.c.Refresher != nil {
		a.goLoop(func() { a.c.Refresher.RunPeriodic(ctx) })
		a.logger.Info("market refresher started", applogger.Duration("interval", a.cfg.Refresh.Interval))
	}

	if a.c.Consumer != nil && len(a.c.Handlers) > 0 {
		topics := make([]string, 0, len(a.c.Handlers))
		for _, h := range a.c.Handlers {
			a.c.Consumer.RegisterHandler(h)
			topics = append(topics, h.Topic())
		}
		if err := a.c.Consumer.Start(); err != nil {
			return err
		}
		a.logger.Info("kafka consumer started", applogger.Strings("topics", topics))
	}

	if a.c.Collector != nil {
		if err := a.c.Collector.Start(ctx); err != nil {
			return err
		}
		a.logger.Info("feed collector started", applogger.Strings("assets", a.cfg.Binance.Assets))
	}

	if a.c.HTTP != nil {
		if err := a.c.HTTP.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) goLoop(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// shutdown stops components in reverse dependency order: HTTP first so no
// new clients arrive, storage last so in-flight writes can land.
func (a *App) shutdown() error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info("shutting down...")
	var errs []error

	// closing the broadcaster unblocks SSE handlers so the server can drain
	if a.c.Broadcaster != nil {
		a.c.Broadcaster.Close()
	}
	if a.c.HTTP != nil {
		if err := a.c.HTTP.Stop(ctx); err != nil {
			a.logger.Error("http shutdown error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.c.Collector != nil {
		if err := a.c.Collector.Shutdown(ctx); err != nil {
			a.logger.Warn("collector stop error", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if a.c.Pipeline != nil {
		a.c.Pipeline.Stop()
	}
	if a.c.Jobs != nil {
		if err := a.c.Jobs.Stop(ctx); err != nil {
			a.logger.Warn("job queue stop error", applogger.Error(err))
		}
	}
	if a.c.Consumer != nil {
		if err := a.c.Consumer.Stop(ctx); err != nil {
			a.logger.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("background loops did not stop in time")
	}

	// flush aggregated error logs while the producer is still open
	a.logger.RemoveCollector()
	if a.c.Processor != nil {
		a.c.Processor.Close()
	}
	if a.c.Cache != nil {
		if err := a.c.Cache.Close(); err != nil {
			a.logger.Warn("cache close error", applogger.Error(err))
		}
	}
	if a.c.ClickHouse != nil {
		if err := a.c.ClickHouse.Close(); err != nil {
			a.logger.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
