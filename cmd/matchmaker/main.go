package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/gridmatch/internal/api"
	appcfg "github.com/park285/gridmatch/internal/config"
	"github.com/park285/gridmatch/internal/game"
	"github.com/park285/gridmatch/internal/jobs"
	"github.com/park285/gridmatch/internal/leaderboard"
	"github.com/park285/gridmatch/internal/matchmaking"
	"github.com/park285/gridmatch/internal/msgcat"
	"github.com/park285/gridmatch/internal/notify"
	"github.com/park285/gridmatch/internal/obslog"
	"github.com/park285/gridmatch/internal/outcome"
	"github.com/park285/gridmatch/internal/pgstore"
	"github.com/park285/gridmatch/internal/rating"
	"github.com/park285/gridmatch/internal/rdb"
	"github.com/park285/gridmatch/internal/stats"
	"go.uber.org/zap"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := rdb.Open(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis_open_failed", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	var (
		ratingStore rating.Store
		hist        stats.History
		results     game.ResultRepository
		db          *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = pgstore.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres_open_failed", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = pgstore.EnsureSchema(sctx, db)
		cancel()
		if err != nil {
			logger.Fatal("schema_failed", zap.Error(err))
		}
		ratingStore = rating.NewRepository(db)
		hist = stats.NewPGHistory(db)
		results = game.NewRepository(db)
	} else {
		logger.Warn("database_url_unset", zap.String("mode", "memory"))
		mem := stats.NewMemoryHistory()
		ratingStore, hist, results = rating.NewMemoryStore(), mem, mem
	}

	board := leaderboard.NewCache(hist,
		leaderboard.NewRedisTier(redisClient, cfg.LeaderboardL2TTL, cfg.CacheRetention),
		leaderboard.Options{MemoryTTL: cfg.LeaderboardL1TTL, MemoryCapacity: cfg.LeaderboardL1Capacity},
	)
	stopListen, err := board.Listen(ctx)
	if err != nil {
		logger.Fatal("leaderboard_listen_failed", zap.Error(err))
	}
	defer stopListen()

	sink, closeSink := buildSink(ctx, cfg, logger)
	defer closeSink()

	registry := game.NewRegistry(redisClient, results)
	ratings := rating.NewService(ratingStore, rating.NewEngine())
	store := matchmaking.NewStore(redisClient)
	coord := matchmaking.NewCoordinator(store, registry, ratings, sink, matchmaking.Options{
		PollInterval:   cfg.MatchPollInterval,
		ExpandInterval: cfg.MatchExpandInterval,
		ExpandStep:     cfg.MatchExpandStep,
		CandidateLimit: cfg.MatchCandidateLimit,
	})
	defer coord.Shutdown()

	manager := stats.NewManager(hist, board)
	proc := outcome.NewProcessor(store, ratings, manager, board, sink).AttachPending(outcome.NewRedisPending(redisClient))
	registry.OnComplete(proc)

	if n, err := coord.Resume(ctx); err != nil {
		logger.Error("resume_failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("searches_resumed", zap.Int("count", n))
	}

	sched := jobs.NewScheduler(manager, jobs.Options{
		Reconcile: cfg.CronReconcile,
		Integrity: cfg.CronIntegrity,
		Prune:     cfg.CronPrune,
		Redeliver: cfg.CronRedeliver,
		BatchSize: cfg.ReconcileBatchSize,
		Retention: cfg.CacheRetention,
	}).AttachOutcomes(proc)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler_start_failed", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sched.Stop(sctx); err != nil {
			logger.Warn("scheduler_stop_timeout", zap.Error(err))
		}
	}()

	srv := api.New(api.Deps{
		Queue:       coord,
		Matches:     store,
		Ratings:     ratings,
		Leaderboard: board,
		Games:       registry,
	})
	if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("api_stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown")
}

// buildSink connects the configured notification transports and wraps them
// with the message catalog.
func buildSink(ctx context.Context, cfg *appcfg.AppConfig, logger *zap.Logger) (notify.Sink, func()) {
	headers := func() map[string]string {
		h := map[string]string{}
		if cfg.NotifyToken != "" {
			h["X-Notify-Token"] = cfg.NotifyToken
		}
		return h
	}

	var (
		client *notify.Client
		ws     *notify.WebSocket
	)
	if cfg.NotifyBaseURL != "" {
		client = notify.NewClient(cfg.NotifyBaseURL, notify.WithHeaderProvider(headers), notify.WithRetry(3))
	}
	if cfg.NotifyWSURL != "" && cfg.NotifyMode != notify.ModeHTTP && cfg.NotifyMode != notify.ModeLog {
		ws = notify.NewWebSocket(cfg.NotifyWSURL, 5, time.Second)
		ws.SetHeaderProvider(headers)
		ws.OnStateChange(func(s notify.State) {
			logger.Info("notify_ws_state", zap.String("state", string(s)))
		})
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := ws.Connect(cctx); err != nil {
			// auto mode keeps going over HTTP
			logger.Warn("notify_ws_connect_failed", zap.Error(err))
		}
		cancel()
	}

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("message_catalog_failed", zap.Error(err))
	}
	sink := notify.NewRenderer(cat, notify.NewEgress(cfg.NotifyMode, client, ws))
	return sink, func() {
		if ws != nil {
			_ = ws.Close(context.Background())
		}
	}
}
