// Package main provides the realtime broker binary: websocket gateway,
// matchmaking queue broadcasts, match handshake, and session chat relay.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/squadmate-gg/backend/internal/api"
	"github.com/squadmate-gg/backend/internal/auth"
	"github.com/squadmate-gg/backend/internal/broker"
	"github.com/squadmate-gg/backend/internal/broker/estimate"
	"github.com/squadmate-gg/backend/internal/catalog"
	"github.com/squadmate-gg/backend/internal/config"
	"github.com/squadmate-gg/backend/internal/gateway"
	"github.com/squadmate-gg/backend/internal/observability"
	"github.com/squadmate-gg/backend/internal/server"
	"github.com/squadmate-gg/backend/internal/storage/postgres"
	"github.com/squadmate-gg/backend/internal/storage/redcache"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	gamesFile := flag.String("games", "", "path to games catalog YAML; overrides content.games_file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting broker",
		zap.String("http_addr", cfg.HTTP.Addr()),
	)

	// Load the game catalog.
	catalogPath := cfg.Content.GamesFile
	if *gamesFile != "" {
		catalogPath = *gamesFile
	}
	cat, err := catalog.Load(catalogPath)
	if err != nil {
		logger.Fatal("loading game catalog", zap.Error(err))
	}
	logger.Info("game catalog loaded",
		zap.String("path", catalogPath),
		zap.Int("games", cat.GameCount()),
	)

	// Connect to PostgreSQL, the single source of truth for presence,
	// queue entries, sessions, and messages.
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	users := postgres.NewUserRepository(pool.DB())
	queues := postgres.NewQueueRepository(pool.DB())
	sessions := postgres.NewSessionRepository(pool.DB())
	messages := postgres.NewMessageRepository(pool.DB())

	// Redis carries queue snapshots across broker instances. An empty URL
	// runs the broker standalone.
	var cache *redcache.Cache
	if cfg.Redis.URL != "" {
		cache, err = redcache.New(ctx, cfg.Redis.URL, logger)
		if err != nil {
			logger.Fatal("connecting to redis", zap.Error(err))
		}
		logger.Info("redis connected")
	} else {
		logger.Warn("redis disabled, queue stats stay process-local")
	}

	// Wait estimator: built-in heuristic, or an operator Lua script.
	var estimator estimate.Estimator = estimate.Heuristic{}
	if cfg.Queue.EstimatorScript != "" {
		luaEst, err := estimate.NewLuaEstimator(cfg.Queue.EstimatorScript, logger)
		if err != nil {
			logger.Fatal("loading estimator script", zap.Error(err))
		}
		defer luaEst.Close()
		estimator = luaEst
		logger.Info("lua estimator loaded", zap.String("script", cfg.Queue.EstimatorScript))
	}

	registry := broker.NewRegistry()
	var publisher broker.StatsPublisher
	if cache != nil {
		publisher = cache
	}
	stats := broker.NewStats(registry, queues, estimator, publisher, cfg.Queue.StatsDebounce, logger)
	presence := broker.NewPresence(users, logger)
	queue := broker.NewQueue(registry, queues, cat, stats, logger)
	handshake := broker.NewHandshake(registry, sessions, users, queues, stats, logger)
	relay := broker.NewRelay(registry, sessions, messages, logger)
	core := broker.New(registry, presence, queue, stats, handshake, relay, logger)

	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	gw := gateway.New(core, verifier, users, cfg.Gateway, logger)

	checks := map[string]api.HealthCheck{
		"postgres": func(ctx context.Context) error {
			return pool.Health(ctx, 5*time.Second)
		},
	}
	if cache != nil {
		checks["redis"] = cache.Health
	}
	router := api.NewRouter(gw.HandleWS, handshake, verifier, checks, logger)
	httpServer := api.NewServer(cfg.HTTP, router, logger)

	// Wire lifecycle.
	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("http", httpServer)

	if cache != nil {
		subCtx, subCancel := context.WithCancel(ctx)
		lifecycle.Add("stats-subscriber", &server.FuncService{
			StartFn: func() error {
				return cache.RunStatsSubscriber(subCtx, stats.BroadcastLocal)
			},
			StopFn: func() {
				subCancel()
				cache.Close()
			},
		})
	}

	statsQuit := make(chan struct{})
	lifecycle.Add("stats", &server.FuncService{
		StartFn: func() error {
			<-statsQuit
			return nil
		},
		StopFn: func() {
			stats.Close()
			close(statsQuit)
		},
	})

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	logger.Info("broker initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("http_addr", cfg.HTTP.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("broker error", zap.Error(err))
	}
}
