package di

import (
	"context"
	"fmt"
	"time"

	"FinPulse/internal/domain/models"
	"FinPulse/internal/domain/repository"
	"FinPulse/internal/handler/api"
	mid "FinPulse/internal/middleware"
	internalrepo "FinPulse/internal/repository"
	"FinPulse/internal/service/binance"
	"FinPulse/internal/service/broadcast"
	"FinPulse/internal/service/cmc"
	"FinPulse/internal/service/ratelimit"
	"FinPulse/internal/services/monitor"
	"FinPulse/internal/usecase"
	"FinPulse/pkg/cache"
	pkgch "FinPulse/pkg/clickhouse"
	"FinPulse/pkg/config"
	xhttp "FinPulse/pkg/http"
	pkgkafka "FinPulse/pkg/kafka"
	applogger "FinPulse/pkg/logger"
	"FinPulse/pkg/metrics"
	"FinPulse/pkg/queue"
	"FinPulse/pkg/server"
)

// ProvideLogger builds the root logger. Error lines are aggregated and shipped
// to Kafka when logging.collect_topic is set.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.Logging.CollectTopic != "" && producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   cfg.Logging.CollectInterval,
			CountThreshold: cfg.Logging.CollectThreshold,
			Topic:          cfg.Logging.CollectTopic,
			Service:        "finpulse",
			Publisher:      internalrepo.NewKafkaLogPublisher(producer),
		})
	}
	return l, nil
}

// ProvideClickHouseClient creates a ClickHouse client and ensures the schema.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, internalrepo.SchemaStatements()); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideKafkaProducer creates a Kafka producer shared by ticks, events and logs.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideRedisCache connects to Redis. The client is shared with the job queue.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.PoolSize/2, 30*time.Second),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideCache puts a short-lived in-process layer in front of Redis.
func ProvideCache(rc *cache.RedisCache, cfg *config.Config) *cache.LayeredCache {
	return cache.NewLayeredCache(rc,
		cache.WithLayeredMemorySize(500),
		cache.WithLayeredMemoryTTL(cfg.Redis.MemoryTTL),
	)
}

func ProvideTickStorage(ch *pkgch.Client) repository.Storage {
	return internalrepo.NewClickHouseStorage(ch.DB(), internalrepo.TableTicks)
}

func ProvideTickPublisher(producer *pkgkafka.Producer, cfg *config.Config) repository.Publisher {
	return internalrepo.NewKafkaPublisher(producer, cfg.Kafka.Topics.Ticks)
}

func ProvideEventPublisher(producer *pkgkafka.Producer, cfg *config.Config) repository.EventPublisher {
	return internalrepo.NewKafkaEventPublisher(producer, cfg.Kafka.Topics.Crashes, cfg.Kafka.Topics.Spikes)
}

func ProvideEventStore(ch *pkgch.Client) repository.EventStore {
	return internalrepo.NewCHEventStore(ch.DB())
}

func ProvideMarketStore(ch *pkgch.Client, lgr *applogger.Logger) *internalrepo.CHMarketStore {
	s := internalrepo.NewCHMarketStore(ch)
	s.SetLogger(lgr.With("market_store"))
	return s
}

// ProvideTickProcessor routes validated ticks to the configured backend.
func ProvideTickProcessor(
	pub repository.Publisher,
	store repository.Storage,
	m repository.Metrics,
	cfg *config.Config,
) *usecase.TickProcessor {
	return usecase.NewTickProcessor(pub, store, m, cfg.Backend.Type)
}

func ProvideBroadcaster(cfg *config.Config, m repository.Metrics, lgr *applogger.Logger) *broadcast.Broadcaster {
	bc := broadcast.DefaultConfig()
	for k, v := range cfg.Broadcast.History {
		bc.HistorySize[broadcast.Class(k)] = v
	}
	for k, v := range cfg.Broadcast.Queue {
		bc.QueueSize[broadcast.Class(k)] = v
	}
	if cfg.Broadcast.HeartbeatInterval > 0 {
		bc.HeartbeatInterval = cfg.Broadcast.HeartbeatInterval
	}
	return broadcast.New(bc, broadcast.WithMetrics(m), broadcast.WithLogger(lgr.With("broadcast")))
}

func configuredAssets(cfg *config.Config) ([]models.Asset, error) {
	out := make([]models.Asset, 0, len(cfg.Binance.Assets))
	for _, s := range cfg.Binance.Assets {
		a, err := models.ParseAsset(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ProvideMonitors creates one crash monitor per streamed asset.
func ProvideMonitors(cfg *config.Config) ([]*monitor.PriceMonitor, error) {
	assets, err := configuredAssets(cfg)
	if err != nil {
		return nil, err
	}
	policy := monitor.ResetBaseline
	if cfg.Monitor.Cooldown == "until_new_peak" {
		policy = monitor.UntilNewPeak
	}

	out := make([]*monitor.PriceMonitor, 0, len(assets))
	for _, a := range assets {
		mc := monitor.ConfigFor(a)
		if o, ok := cfg.Monitor.Assets[string(a)]; ok {
			if o.ThresholdPct > 0 {
				mc.ThresholdPct = o.ThresholdPct
			}
			if o.BufferSize > 0 {
				mc.BufferSize = o.BufferSize
			}
		}
		if cfg.Monitor.MinPoints > 0 {
			mc.MinPoints = cfg.Monitor.MinPoints
		}
		mc.Policy = policy
		m, err := monitor.NewPriceMonitor(a, mc)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ProvideSpikeDetectors returns the legacy range detector, if enabled.
func ProvideSpikeDetectors(cfg *config.Config) []*monitor.SpikeDetector {
	if !cfg.Monitor.Spike.Enabled {
		return nil
	}
	return []*monitor.SpikeDetector{
		monitor.NewSpikeDetector(models.Asset(cfg.Monitor.Spike.Asset), monitor.SpikeConfig{
			Window:       cfg.Monitor.Spike.Window,
			ThresholdUSD: cfg.Monitor.Spike.ThresholdUSD,
		}),
	}
}

func ProvideTickPipeline(
	monitors []*monitor.PriceMonitor,
	spikes []*monitor.SpikeDetector,
	bcast *broadcast.Broadcaster,
	events repository.EventPublisher,
	processor *usecase.TickProcessor,
	m repository.Metrics,
	lgr *applogger.Logger,
	cfg *config.Config,
) *mid.TickPipeline {
	return mid.NewTickPipeline(monitors, spikes, bcast, m,
		mid.WithSink(processor),
		mid.WithEventPublisher(events),
		mid.WithMaxRPS(cfg.Backend.MaxRPS),
		mid.WithBufferSize(cfg.Backend.BufferSize),
		mid.WithLogger(lgr.With("pipeline")),
	)
}

// ProvideTickStream creates the Binance combined trade stream.
func ProvideTickStream(cfg *config.Config, m repository.Metrics, lgr *applogger.Logger) (repository.TickStream, error) {
	assets, err := configuredAssets(cfg)
	if err != nil {
		return nil, err
	}
	return binance.New(binance.Config{
		URL:            binance.StreamURL(cfg.Binance.BaseURL, assets),
		ReconnectDelay: cfg.Binance.ReconnectDelay,
		PingInterval:   cfg.Binance.PingInterval,
		ReadTimeout:    cfg.Binance.ReadTimeout,
	}, lgr.With("binance"), binance.WithMetrics(m)), nil
}

func ProvideFeedCollector(
	stream repository.TickStream,
	pipeline *mid.TickPipeline,
	m repository.Metrics,
	lgr *applogger.Logger,
) *usecase.FeedCollector {
	return usecase.NewFeedCollector(stream, pipeline, m, lgr.With("collector"))
}

// ProvideRateWindow enforces the upstream API call budget.
func ProvideRateWindow(cfg *config.Config) (*ratelimit.Window, error) {
	return ratelimit.NewWindow(cfg.CMC.RateLimitCalls, cfg.CMC.RateLimitPeriod)
}

func ProvideMarketSource(
	cfg *config.Config,
	window *ratelimit.Window,
	store *internalrepo.CHMarketStore,
	m repository.Metrics,
	lgr *applogger.Logger,
) *cmc.Client {
	opts := []cmc.Option{cmc.WithMetrics(m)}
	if cfg.CMC.ArchiveRaw {
		opts = append(opts, cmc.WithRawSink(store))
	}
	return cmc.New(cmc.Config{
		BaseURL:        cfg.CMC.BaseURL,
		APIKey:         cfg.CMC.APIKey,
		MaxRetries:     cfg.CMC.MaxRetries,
		BackoffBase:    cfg.CMC.BackoffBase,
		RequestTimeout: cfg.CMC.RequestTimeout,
	}, window, lgr.With("cmc"), opts...)
}

func ProvideMarketRefresher(
	source *cmc.Client,
	store *internalrepo.CHMarketStore,
	c *cache.LayeredCache,
	m repository.Metrics,
	lgr *applogger.Logger,
	cfg *config.Config,
) *usecase.MarketRefresher {
	return usecase.NewMarketRefresher(source, store, c, m, lgr.With("refresher"), usecase.RefresherConfig{
		Interval:    cfg.Refresh.Interval,
		LockTTL:     cfg.Refresh.LockTTL,
		CacheTTL:    cfg.Refresh.CacheTTL,
		Symbols:     cfg.CMC.QuoteSymbols,
		FetchBudget: source.WorstCaseFetch(),
	})
}

func ProvideHistoryService(
	store *internalrepo.CHMarketStore,
	c *cache.LayeredCache,
	lgr *applogger.Logger,
	cfg *config.Config,
) *usecase.HistoryService {
	return usecase.NewHistoryService(store, c, cfg.Refresh.HistoryTTL, lgr.With("history"))
}

func ProvideTicksQuery(store repository.Storage, events repository.EventStore) *usecase.TicksQuery {
	return usecase.NewTicksQuery(store, events)
}

// ProvideJobQueue runs queued refresh requests on the shared Redis client.
func ProvideJobQueue(
	rc *cache.RedisCache,
	refresher *usecase.MarketRefresher,
	lgr *applogger.Logger,
	cfg *config.Config,
) *queue.RedisQueue {
	q := queue.NewRedisQueue(lgr.With("jobs"), &queue.QueueConfig{
		Workers:    cfg.Refresh.Workers,
		RetryLimit: cfg.Refresh.MaxRetries,
		RetryDelay: cfg.Refresh.RetryDelay,
	}, rc.Client(), queue.ModeProducerConsumer,
		queue.WithKeyPrefix(cfg.Redis.Prefix+":queue"),
		queue.WithCoalesce(cfg.Refresh.LockTTL, usecase.RefreshJobType),
	)
	q.RegisterJob(usecase.NewRefreshJob(refresher, lgr.With("refresh_job")))
	return q
}

// ProvideKafkaConsumer returns nil when the consumer is disabled.
func ProvideKafkaConsumer(cfg *config.Config, lgr *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	cl := lgr.With("kafka_consumer")
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(cl),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.NewHookChain(pkgkafka.TraceHook{}, pkgkafka.LogHook(cl)))
	return consumer, nil
}

// ProvideKafkaHandlers persists crash events always, and ticks only when
// Kafka is the primary backend.
func ProvideKafkaHandlers(
	store repository.Storage,
	events repository.EventStore,
	m repository.Metrics,
	cfg *config.Config,
) []pkgkafka.MessageHandler {
	hs := []pkgkafka.MessageHandler{
		usecase.NewCrashEventsHandler(cfg.Kafka.Topics.Crashes, events, m),
	}
	if cfg.Backend.Type == usecase.BackendKafka {
		hs = append(hs, usecase.NewKafkaTicksHandler(cfg.Kafka.Topics.Ticks, store, m))
	}
	return hs
}

func ProvideMarketHandler(
	lgr *applogger.Logger,
	collector *usecase.FeedCollector,
	refresher *usecase.MarketRefresher,
	history *usecase.HistoryService,
	ticks *usecase.TicksQuery,
	jobs *queue.RedisQueue,
	cfg *config.Config,
) *api.MarketHandler {
	var limiter *ratelimit.Limiter
	if cfg.Refresh.APIBurst > 0 {
		limiter = ratelimit.New(cfg.Refresh.APIBurst, cfg.Refresh.APIPerSecond)
	}
	return api.NewMarketHandler(lgr.With("api"), api.MarketDeps{
		Prices:     collector,
		Market:     refresher,
		History:    history,
		Ticks:      ticks,
		Queue:      jobs,
		Limiter:    limiter,
		CronSecret: cfg.CronSecret,
	})
}

func ProvideStreamHandler(lgr *applogger.Logger, bcast *broadcast.Broadcaster) *api.StreamHandler {
	return api.NewStreamHandler(lgr.With("sse"), bcast)
}

func ProvideHTTPServer(
	cfg *config.Config,
	lgr *applogger.Logger,
	market *api.MarketHandler,
	stream *api.StreamHandler,
) *xhttp.Server {
	return xhttp.NewServer([]xhttp.Handler{market, stream},
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS, cfg.Server.CORSOrigins...),
		xhttp.WithMetrics(cfg.Metrics.Enabled, cfg.Server.SlowThreshold),
		xhttp.WithLogger(lgr.With("http")),
	)
}

// ProvideApp assembles the application.
func ProvideApp(
	cfg *config.Config,
	lgr *applogger.Logger,
	collector *usecase.FeedCollector,
	pipeline *mid.TickPipeline,
	bcast *broadcast.Broadcaster,
	refresher *usecase.MarketRefresher,
	processor *usecase.TickProcessor,
	jobs *queue.RedisQueue,
	consumer *pkgkafka.Consumer,
	handlers []pkgkafka.MessageHandler,
	httpServer *xhttp.Server,
	ch *pkgch.Client,
	c *cache.LayeredCache,
) *server.App {
	return server.New(cfg, lgr, server.Components{
		Collector:   collector,
		Pipeline:    pipeline,
		Broadcaster: bcast,
		Refresher:   refresher,
		Processor:   processor,
		Jobs:        jobs,
		Consumer:    consumer,
		Handlers:    handlers,
		HTTP:        httpServer,
		ClickHouse:  ch,
		Cache:       c,
	})
}
