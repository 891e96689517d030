package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/waveline/feedsync/admin"
	"github.com/waveline/feedsync/analytics"
	"github.com/waveline/feedsync/breaker"
	"github.com/waveline/feedsync/compression"
	"github.com/waveline/feedsync/config"
	"github.com/waveline/feedsync/invalidation"
	"github.com/waveline/feedsync/msgqueue"
	"github.com/waveline/feedsync/persist"
	"github.com/waveline/feedsync/prewarm"
	"github.com/waveline/feedsync/pubsub"
	"github.com/waveline/feedsync/store"
	"github.com/waveline/feedsync/swr"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	registry := prometheus.NewRegistry()
	metrics, err := analytics.NewMetrics(registry)
	if err != nil {
		sugar.Fatalw("Failed to register metrics", "error", err)
	}
	recorder := analytics.NewRecorder(analytics.Config{}, sugar)
	recorder.SetMetrics(metrics)

	var valkeyClient valkey.Client
	var remote store.Store
	if cfg.ValkeyEndpoint != "" {
		valkeyClient, err = valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.ValkeyEndpoint},
		})
		if err != nil {
			sugar.Fatalw("Failed to create Valkey client", "error", err)
		}
		defer valkeyClient.Close()
		remote = store.NewValkeyStore(valkeyClient)
	} else {
		sugar.Infow("No Valkey endpoint configured, caching locally only")
	}

	local, stopLocal := store.NewMemoryStore(store.MemoryConfig{
		MaxBytes:      cfg.LocalCacheMaxBytes,
		SweepInterval: cfg.LocalCacheSweepInterval,
	})
	defer stopLocal()

	codec := compression.NewCodec(cfg.Compression, sugar)
	breakers := breaker.NewRegistry(cfg.Breaker, sugar)
	cache := store.NewTieredStore(remote, local, breakers, recorder, codec, sugar)

	invalidator := invalidation.NewService(cfg.Invalidation, cache, sugar)
	swrService := swr.NewService(cfg.Swr, cache, sugar)

	persistClient := persist.NewHTTPClient(cfg.PersistBaseURL, cfg.PersistToken, sugar)
	warmer := persist.NewUserWarmer(persistClient, swrService, sugar)
	prewarmer, stopPrewarm := prewarm.NewService(cfg.Prewarm, warmer, persist.NewPremiumUsers(persistClient), sugar)
	defer stopPrewarm()

	var snapshots msgqueue.SnapshotStore
	if cfg.QueueDir != "" {
		if err := os.MkdirAll(cfg.QueueDir, 0o700); err != nil {
			sugar.Fatalw("Failed to create queue directory", "error", err)
		}
		snapshots = msgqueue.NewFileSnapshotStore(cfg.QueueDir)
	} else {
		sugar.Warnw("No queue directory configured, pending messages will not survive restarts")
		snapshots = msgqueue.NewMemorySnapshotStore()
	}
	sender := persist.NewMessageSender(persistClient, sugar)
	queue, stopQueue, err := msgqueue.NewQueue(cfg.Queue, sender, snapshots, sugar)
	if err != nil {
		sugar.Fatalw("Failed to restore message queue", "error", err)
	}
	defer stopQueue()
	queue.SetOnline(true)

	if valkeyClient != nil && len(cfg.PubSub.Channels) > 0 {
		transport := pubsub.NewValkeyTransport(valkeyClient, sugar)
		_, stopDispatcher := pubsub.NewDispatcher(cfg.PubSub, transport, invalidator, queue, sugar)
		defer stopDispatcher()
	}

	api := admin.NewAPI(cache, recorder, codec, breakers, invalidator, swrService,
		prewarmer, queue, registry, sugar)
	router := mux.NewRouter()
	api.RegisterRoutes(router)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: corsMiddleware.Handler(router),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		queue.SetOnline(false)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
