//go:build wireinject
// +build wireinject

package di

import (
	"MarketPulse/pkg/config"
	"MarketPulse/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,
		ProvideErrorBus,

		// Acquisition
		ProvideRateLimiter,
		ProvideRetryPolicy,
		ProvideFetchCache,
		ProvideFRED,
		ProvideFutures,
		ProvideMarket,
		ProvideNews,
		ProvideMarketData,

		// Risk, realtime and export
		ProvideAssessor,
		ProvideChannel,
		ProvideSinks,
		ProvideMonitor,

		// HTTP
		ProvideClientLimiter,
		ProvideMarketHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
