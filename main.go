package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/jupark12/go-extract-queue/config"
	"github.com/jupark12/go-extract-queue/dispatcher"
	"github.com/jupark12/go-extract-queue/gateway"
	"github.com/jupark12/go-extract-queue/limiter"
	"github.com/jupark12/go-extract-queue/logger"
	"github.com/jupark12/go-extract-queue/metrics"
	"github.com/jupark12/go-extract-queue/progress"
	"github.com/jupark12/go-extract-queue/server"
	"github.com/jupark12/go-extract-queue/store"
	"github.com/jupark12/go-extract-queue/sweeper"
	"github.com/jupark12/go-extract-queue/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	connectTimeout  = 10 * time.Second
	passTimeout     = 5 * time.Minute
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	tokenOwner := flag.String("token", "", "print a bearer token for this owner and exit")
	tokenRole := flag.String("role", "", "role claim of the printed token")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the printed token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *tokenOwner != "" {
		auth := server.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.AdminOwner)
		token, err := auth.Issue(*tokenOwner, *tokenRole, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, lg)
	stop()
	_ = lg.Sync()
	if err != nil {
		log.Fatalf("Extraction service failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, lg logger.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer closeStore()

	bus, lim, closeMessaging, err := openMessaging(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer closeMessaging()

	for _, dir := range []string{cfg.Storage.DownloadDir, cfg.Storage.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	publisher := progress.NewPublisher(bus, cfg.Policy.SnapshotTTL, lg)
	contentWorker := worker.NewRouter(
		worker.NewFFmpeg(cfg.Worker.FFmpegPath, cfg.Storage.OutputDir, lg),
		cfg.Storage.DownloadDir,
		lg,
		newSources(cfg, lg)...,
	)

	disp := dispatcher.New(st, lim, contentWorker, publisher, dispatcher.Policy{
		MaxRunDuration:       cfg.Policy.MaxRunDuration,
		ReapGrace:            cfg.Policy.ReapGrace,
		ProcessingCheckpoint: cfg.Policy.ProcessingCheckpoint,
		SharedLimiter:        cfg.Redis.Address != "",
	}, lg, dispatcher.WithMetrics(m))
	sw := sweeper.New(st, publisher, cfg.Policy.Retention, lg,
		sweeper.WithMetrics(m),
		sweeper.WithOutputDir(cfg.Storage.OutputDir),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	gw := gateway.New(st, m, lg)
	updates, unsubscribe, err := bus.Subscribe(runCtx)
	if err != nil {
		return fmt.Errorf("subscribe to progress updates: %w", err)
	}
	defer unsubscribe()
	gatewayDone := make(chan struct{})
	go func() {
		defer close(gatewayDone)
		gw.Run(runCtx, updates)
	}()

	scheduler, err := newScheduler(runCtx, cfg.Schedule, disp, sw, lg)
	if err != nil {
		return err
	}
	scheduler.Start()

	srv := server.NewServer(server.Dependencies{
		Store:     st,
		Runner:    disp,
		Publisher: publisher,
		Status:    progress.NewStatusReader(bus, st, lg),
		Gateway:   gw,
		Metrics:   m,
		Auth:      server.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.AdminOwner),
		Logger:    lg,
	}, server.Options{
		Addr:            cfg.Server.Addr,
		MaxClipDuration: cfg.Policy.MaxClipDuration,
	})
	serveErr := srv.Start()

	lg.Info("Extraction service started",
		logger.String("addr", cfg.Server.Addr),
		logger.Int("max_concurrent_per_owner", cfg.Policy.MaxConcurrentPerOwner),
		logger.Duration("max_run_duration", cfg.Policy.MaxRunDuration),
	)

	var runErr error
	select {
	case <-ctx.Done():
		lg.Info("Shutting down gracefully...")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	<-scheduler.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("HTTP server shutdown incomplete", logger.Error(err))
	}
	if err := disp.Shutdown(shutdownCtx); err != nil {
		lg.Warn("Executions still running at shutdown", logger.Int("running", disp.Running()), logger.Error(err))
	}
	cancel()
	<-gatewayDone

	return runErr
}

// newSources lists the download sources. file:// references are only served
// from a configured media root.
func newSources(cfg *config.Config, lg logger.Logger) []worker.Source {
	var ytOpts []worker.YtDLPOption
	if cfg.Worker.CookiesFile != "" {
		ytOpts = append(ytOpts, worker.WithCookiesFile(cfg.Worker.CookiesFile))
	}
	sources := []worker.Source{
		worker.NewYtDLP(cfg.Storage.DownloadDir, cfg.Worker.DownloadRetries, lg, ytOpts...),
	}
	if cfg.Worker.MediaRoot != "" {
		sources = append(sources, worker.NewLocalSource(cfg.Worker.MediaRoot))
	} else {
		lg.Info("No media root configured, file:// sources are disabled")
	}
	return sources
}

// openStore picks Postgres when a database URL is configured and the
// file-backed memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, lg logger.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		st, err := newSingleNodeStore(cfg, lg)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(connectCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	lg.Info("Using Postgres job store")
	return pg, pool.Close, nil
}

// openMessaging picks the Redis bus and limiter when an address is configured
// and the in-process ones otherwise.
func openMessaging(ctx context.Context, cfg *config.Config, lg logger.Logger) (progress.Bus, limiter.Limiter, func(), error) {
	if cfg.Redis.Address == "" {
		bus, lim := newSingleNodeMessaging(cfg)
		return bus, lim, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Address, err)
	}

	// an owner key outlives every legitimate execution, so a crashed process
	// cannot pin a slot forever even if the watchdog never runs
	slotTTL := 2 * (cfg.Policy.MaxRunDuration + time.Minute)

	lg.Info("Using Redis progress bus and limiter", logger.String("address", cfg.Redis.Address))
	closer := func() {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			lg.Warn("Failed to close redis client", logger.Error(err))
		}
	}
	return progress.NewRedisBus(client, lg),
		limiter.NewRedis(client, cfg.Policy.MaxConcurrentPerOwner, slotTTL),
		closer,
		nil
}

// newScheduler registers the retention sweep and the watchdog. Standard five
// field specs and descriptors such as @daily or @every 1m are accepted.
func newScheduler(ctx context.Context, sched config.ScheduleConfig, disp *dispatcher.Dispatcher, sw *sweeper.Sweeper, lg logger.Logger) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))

	if _, err := c.AddFunc(sched.Sweep, func() {
		passCtx, cancel := context.WithTimeout(ctx, passTimeout)
		defer cancel()
		res, err := sw.Sweep(passCtx)
		if err != nil {
			lg.Error("Retention sweep failed", logger.Error(err))
			return
		}
		lg.Info("Retention sweep finished",
			logger.Int("expired", res.Expired),
			logger.Int("missing_files", res.MissingFiles),
			logger.Int("orphans_removed", res.OrphansRemoved),
		)
	}); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", sched.Sweep, err)
	}

	if _, err := c.AddFunc(sched.Watchdog, func() {
		passCtx, cancel := context.WithTimeout(ctx, passTimeout)
		defer cancel()
		if _, err := disp.Reap(passCtx); err != nil {
			lg.Error("Watchdog pass failed", logger.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule watchdog %q: %w", sched.Watchdog, err)
	}

	return c, nil
}
