//go:build wireinject
// +build wireinject

package di

import (
	"FinPulse/pkg/config"
	"FinPulse/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,
		ProvideClickHouseClient,
		ProvideRedisCache,
		ProvideCache,

		// Repositories
		ProvideTickStorage,
		ProvideTickPublisher,
		ProvideEventPublisher,
		ProvideEventStore,
		ProvideMarketStore,

		// Live feed
		ProvideTickProcessor,
		ProvideBroadcaster,
		ProvideMonitors,
		ProvideSpikeDetectors,
		ProvideTickPipeline,
		ProvideTickStream,
		ProvideFeedCollector,

		// Market data
		ProvideRateWindow,
		ProvideMarketSource,
		ProvideMarketRefresher,
		ProvideHistoryService,
		ProvideTicksQuery,
		ProvideJobQueue,

		// Kafka consumer
		ProvideKafkaConsumer,
		ProvideKafkaHandlers,

		// HTTP
		ProvideMarketHandler,
		ProvideStreamHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
