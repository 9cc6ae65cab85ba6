package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/JosueRhea/sockudo/internal/adapter"
	"github.com/JosueRhea/sockudo/internal/api"
	"github.com/JosueRhea/sockudo/internal/apps"
	"github.com/JosueRhea/sockudo/internal/cache"
	"github.com/JosueRhea/sockudo/internal/channels"
	"github.com/JosueRhea/sockudo/internal/monitoring"
	"github.com/JosueRhea/sockudo/internal/server"
	"github.com/JosueRhea/sockudo/internal/types"
	"github.com/JosueRhea/sockudo/internal/webhooks"
)

// Exit codes: 1 configuration, 2 listener, 3 backend driver.
const (
	exitConfig = 1
	exitListen = 2
	exitDriver = 3
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to a JSON config file")
		debug      = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig(*configPath, nil)
	if err != nil {
		errLogger := zerolog.New(os.Stderr)
		errLogger.Error().Err(err).Msg("configuration error")
		return exitConfig
	}
	if *debug {
		cfg.LogLevel = types.LogLevelDebug
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.Print(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One Redis client shared by every driver that selects redis.
	var redisClient *redis.Client
	redisFor := func() *redis.Client {
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
		}
		return redisClient
	}

	appStore, memStore, err := buildAppStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("app store unavailable")
		return exitDriver
	}
	registry := apps.NewRegistry(appStore, time.Duration(cfg.AppCacheTTLS)*time.Second, cfg.AppDefaults())

	var cacheStore cache.Cache
	switch cfg.CacheDriver {
	case types.CacheRedis:
		cacheStore = cache.NewRedisCache(redisFor())
	default:
		cacheStore = cache.NewMemoryCache(time.Minute)
	}
	defer cacheStore.Close()
	eventCache := channels.NewEventCache(cacheStore, cfg.AdapterPrefix, time.Duration(cfg.CacheChannelTTLS)*time.Second)

	queue, err := buildQueue(cfg, redisFor, logger)
	if err != nil {
		logger.Error().Err(err).Msg("webhook queue unavailable")
		return exitDriver
	}
	hooks := webhooks.NewPipeline(webhooks.PipelineConfig{
		Queue:          queue,
		Workers:        cfg.QueueWorkers,
		BatchWindow:    time.Duration(cfg.WebhookBatchingMS) * time.Millisecond,
		BatchSize:      cfg.WebhookBatchSize,
		AttemptTimeout: time.Duration(cfg.WebhookAttemptTimeoutS) * time.Second,
		MaxAttempts:    cfg.WebhookMaxAttempts,
		Logger:         logger,
	})

	hub := server.NewHub(server.HubConfig{
		Registry:                     channels.NewRegistry(),
		Cache:                        eventCache,
		Hooks:                        hooks,
		QueryTimeout:                 time.Duration(cfg.AdapterRequestTimeoutMS) * time.Millisecond,
		SubscriptionCountEveryChange: cfg.SubscriptionCountEveryChange,
		Logger:                       logger,
	})

	fanout, err := buildAdapter(cfg, hub, redisFor, logger)
	if err != nil {
		logger.Error().Err(err).Msg("adapter unavailable")
		return exitDriver
	}
	hub.SetAdapter(fanout)
	defer fanout.Close()

	gateway := server.New(server.Config{
		ActivityTimeout:  cfg.activityTimeout(),
		PongTimeout:      time.Duration(cfg.PongTimeoutS) * time.Second,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutS) * time.Second,
		SendBuffer:       cfg.SendBuffer,
		SSLRequired:      cfg.SSLEnabled,
		ConnectionRate:   cfg.ConnectionRate,
		ConnectionBurst:  cfg.ConnectionBurst,
		Version:          version,
	}, hub, registry, logger)

	controlAPI := api.New(api.Config{
		HTTPRate:     cfg.HTTPRate,
		HTTPBurst:    cfg.HTTPBurst,
		QueryTimeout: time.Duration(cfg.AdapterRequestTimeoutMS) * time.Millisecond,
	}, registry, fanout, eventCache, logger)
	defer controlAPI.Close()

	mux := http.NewServeMux()
	gateway.Register(mux)
	gateway.RegisterOps(mux)
	controlAPI.Register(mux)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.Addr).Msg("listen failed")
		return exitListen
	}

	hooks.Run(ctx)
	if memStore != nil && cfg.AppsFile != "" {
		go func() {
			if err := memStore.WatchFile(ctx, cfg.AppsFile); err != nil {
				logger.Warn().Err(err).Str("path", cfg.AppsFile).Msg("apps file watcher stopped")
			}
		}()
	}

	httpSrv := &http.Server{Handler: mux}
	var metricsSrv *http.Server

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Bool("tls", cfg.SSLEnabled).Msg("server listening")
		var err error
		if cfg.SSLEnabled {
			err = httpSrv.ServeTLS(listener, cfg.SSLCert, cfg.SSLKey)
		} else {
			err = httpSrv.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		grace := time.Duration(cfg.ShutdownGraceS) * time.Second
		shutCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		// Stop accepting, drain sockets, then flush webhooks so the drain's
		// channel_vacated intents still get delivered.
		httpSrv.Shutdown(shutCtx)
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutCtx)
		}
		gateway.Shutdown(shutCtx)
		hooks.Shutdown(shutCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server error")
		return exitListen
	}
	logger.Info().Msg("shutdown complete")
	return 0
}

// buildAppStore constructs the configured app store. The memory store is
// also returned concretely so main can start its file watcher.
func buildAppStore(ctx context.Context, cfg *Config, logger zerolog.Logger) (apps.Store, *apps.MemoryStore, error) {
	if cfg.AppStoreDriver == types.AppStoreSQL {
		store, err := apps.NewSQLStore(ctx, cfg.SQLDriver, cfg.SQLDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}

	seeded := cfg.Apps
	store := apps.NewMemoryStore(seeded, logger)
	if cfg.AppsFile != "" {
		if err := store.LoadFile(cfg.AppsFile); err != nil {
			return nil, nil, err
		}
	}
	if store.Len() == 0 {
		logger.Warn().Msg("no apps configured, registering demo app demo-app/demo-key")
		store.Replace([]apps.Application{{
			ID:                   "demo-app",
			Key:                  "demo-key",
			Secret:               "demo-secret",
			Enabled:              true,
			EnableClientMessages: true,
		}})
	}
	return store, store, nil
}

func buildQueue(cfg *Config, redisFor func() *redis.Client, logger zerolog.Logger) (webhooks.Queue, error) {
	switch cfg.QueueDriver {
	case types.QueueRedis:
		return webhooks.NewRedisQueue(redisFor(), cfg.AdapterPrefix, logger), nil
	case types.QueueKafka:
		return webhooks.NewKafkaQueue(webhooks.KafkaQueueConfig{
			Brokers: cfg.KafkaBrokerList(),
			Topic:   cfg.KafkaTopic,
			Group:   cfg.KafkaGroup,
			Logger:  logger,
		})
	default:
		return webhooks.NewMemoryQueue(0), nil
	}
}

func buildAdapter(cfg *Config, hub *server.Hub, redisFor func() *redis.Client, logger zerolog.Logger) (adapter.Adapter, error) {
	var bus adapter.Bus
	switch cfg.AdapterDriver {
	case types.AdapterLocal:
		return adapter.NewLocal(hub), nil
	case types.AdapterNATS:
		nb, err := adapter.NewNATSBus(adapter.NATSBusConfig{
			Servers: cfg.NATSServerList(),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		bus = nb
	case types.AdapterRedis:
		bus = adapter.NewRedisBus(redisFor(), logger)
	}

	return adapter.NewPubSub(adapter.PubSubConfig{
		Bus:               bus,
		Node:              hub,
		Prefix:            cfg.AdapterPrefix,
		RequestTimeout:    time.Duration(cfg.AdapterRequestTimeoutMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.AdapterHeartbeatIntervalMS) * time.Millisecond,
		Version:           version,
		Logger:            logger,
	})
}
