package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imagen/internal/adapter/repo"
	"imagen/internal/events"
	"imagen/internal/http/handlers"
	"imagen/internal/http/httpapi"
	"imagen/internal/infra"
	"imagen/internal/orchestrator"
	"imagen/internal/prediction"
	"imagen/internal/replicate"
	"imagen/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	orders := repo.NewOrderRepository(dbpool)
	generations := repo.NewGenerationRepository(dbpool)
	products := repo.NewProductRepository(dbpool)

	fileStore, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure storage")
	}
	downloader := storage.NewDownloader(fileStore, &http.Client{Timeout: 60 * time.Second})

	bus := events.NewBus(logger)

	client := replicate.NewClient(replicate.Options{
		BaseURL:  cfg.ReplicateBaseURL,
		APIToken: cfg.ReplicateAPIToken,
	})
	poller := prediction.NewPoller(client, bus, logger, prediction.Options{
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.PollMaxAttempts,
	})

	orch := orchestrator.New(orchestrator.Config{
		Orders:      orders,
		Generations: generations,
		Products:    products,
		Poller:      poller,
		Bus:         bus,
		Downloader:  downloader,
		Logger:      logger,
	})
	defer orch.Close()

	stream := handlers.NewEventStream(bus, logger)
	defer stream.Close()

	app := handlers.NewApp(logger, orch, orders, generations, products)
	router := httpapi.NewRouter(app, stream)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
