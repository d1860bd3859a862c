package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	appcfg "github.com/park285/gridmatch/internal/config"
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
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobs",
		Short:         "Run one maintenance job against the shared stores and print its result",
		SilenceUsage: true,
	}
	root.PersistentFlags().Duration("timeout", 30*time.Minute, "overall deadline")

	for _, j := range []struct{ name, short string }{
		{jobs.JobReconcile, "Rebuild player counters from the game history"},
		{jobs.JobIntegrity, "Compare counters against the history without changing anything"},
		{jobs.JobPrune, "Delete cached leaderboards older than the retention window"},
		{jobs.JobRedeliver, "Settle completed games whose rating update never finished"},
	} {
		name := j.name
		root.AddCommand(&cobra.Command{
			Use:   name,
			Short: j.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runJob(cmd, name)
			},
		})
	}
	return root
}

func runJob(cmd *cobra.Command, name string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil { return err }
	cfg, err := appcfg.Load()
	if err != nil { return fmt.Errorf("config: %w", err) }
	if err := obslog.InitFromEnv(); err != nil { return fmt.Errorf("logger init: %w", err) }
	defer obslog.Sync()
	if cfg.DatabaseURL == "" { return errors.New("DATABASE_URL is required for maintenance jobs") }

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	redisClient, err := rdb.Open(ctx, cfg.RedisURL)
	if err != nil { return fmt.Errorf("redis: %w", err) }
	defer func() { _ = redisClient.Close() }()
	db, err := pgstore.Open(cfg.DatabaseURL)
	if err != nil { return fmt.Errorf("postgres: %w", err) }
	defer func() { _ = db.Close() }()

	hist := stats.NewPGHistory(db)
	board := leaderboard.NewCache(hist, leaderboard.NewRedisTier(redisClient, cfg.LeaderboardL2TTL, cfg.CacheRetention), leaderboard.Options{})
	manager := stats.NewManager(hist, board)
	sched := jobs.NewScheduler(manager, jobs.Options{
		BatchSize: cfg.ReconcileBatchSize,
		Retention: cfg.CacheRetention,
		Timeout:   timeout,
	})
	if name == jobs.JobRedeliver {
		sink, err := buildSink(cfg)
		if err != nil { return err }
		ratings := rating.NewService(rating.NewRepository(db), rating.NewEngine())
		proc := outcome.NewProcessor(matchmaking.NewStore(redisClient), ratings, manager, board, sink).
			AttachPending(outcome.NewRedisPending(redisClient))
		sched.AttachOutcomes(proc)
	}

	out, runErr := sched.Run(ctx, name)
	if out != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	}
	if runErr != nil { return fmt.Errorf("%s: %w", name, runErr) }
	return nil
}

// buildSink delivers over HTTP when a base URL is configured; a one-shot job
// does not hold a websocket open.
func buildSink(cfg *appcfg.AppConfig) (notify.Sink, error) {
	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil { return nil, fmt.Errorf("message catalog: %w", err) }
	if cfg.NotifyBaseURL == "" {
		return notify.NewRenderer(cat, notify.NewEgress(notify.ModeLog, nil, nil)), nil
	}
	headers := func() map[string]string {
		if cfg.NotifyToken == "" { return nil }
		return map[string]string{"X-Notify-Token": cfg.NotifyToken}
	}
	client := notify.NewClient(cfg.NotifyBaseURL, notify.WithHeaderProvider(headers), notify.WithRetry(3))
	return notify.NewRenderer(cat, notify.NewEgress(notify.ModeHTTP, client, nil)), nil
}
