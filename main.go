package main

import (
	"context"
	"database/sql"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/config"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/consumer"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/deadletter"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/dedup"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/deletion"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/handler"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/id"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/idle"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/ledger"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/log"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/metrics"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/queue"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/relay"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/server"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/stage"
	"github.com/Hardcoreprawn/ai-content-farm-sub009/internal/visibility"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	logger = log.NewLoggerAtLevel(cfg.LogLevel)

	st, err := stage.Lookup(cfg.Stage)
	if err != nil {
		logger.Fatal("Unknown stage", zap.Error(err))
	}

	node, err := id.NewNode(nodeID(cfg.WorkerID))
	if err != nil {
		logger.Fatal("Failed to initialize ID node", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var rdb *redis.Client
	if cfg.QueueBackend == "redis" || cfg.LedgerBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = queue.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		defer db.Close()
		if cfg.QueueBackend == "postgres" {
			if err := queue.Migrate(ctx, db); err != nil {
				logger.Fatal("Failed to migrate queue schema", zap.Error(err))
			}
		}
		if cfg.LedgerBackend == "postgres" {
			if err := ledger.Migrate(ctx, db); err != nil {
				logger.Fatal("Failed to migrate ledger schema", zap.Error(err))
			}
		}
		if err := deadletter.Migrate(ctx, db); err != nil {
			logger.Fatal("Failed to migrate dead-letter schema", zap.Error(err))
		}
	}

	var q queue.Queue
	var downstream queue.Queue
	var rel *relay.Relay
	switch cfg.QueueBackend {
	case "redis":
		q = queue.NewRedis(rdb, st.Queue, node, logger)
		if st.Next != "" {
			next, _ := stage.Lookup(st.Next)
			downstream = queue.NewRedis(rdb, next.Queue, node, logger)
			rel = relay.New(downstream, next.Queue, next.Class, cfg.EnqueueMaxRetries, cfg.EnqueueBaseDelay, logger)
		}
	case "postgres":
		q = queue.NewPostgres(db, st.Queue, node)
		if st.Next != "" {
			next, _ := stage.Lookup(st.Next)
			downstream = queue.NewPostgres(db, next.Queue, node)
			rel = relay.New(downstream, next.Queue, next.Class, cfg.EnqueueMaxRetries, cfg.EnqueueBaseDelay, logger)
		}
	}

	var led ledger.Ledger
	var pgLedger *ledger.Postgres
	switch cfg.LedgerBackend {
	case "redis":
		led = ledger.NewRedis(rdb)
	case "postgres":
		pgLedger = ledger.NewPostgres(db)
		led = pgLedger
	}

	var dlq deadletter.Store
	if db != nil {
		dlq = deadletter.NewPostgres(db)
	} else {
		logger.Warn("No DATABASE_URL set, dead letters are held in memory only")
		dlq = deadletter.NewMemory()
	}

	policy := visibility.NewPolicy(
		cfg.VisibilityFloor, cfg.VisibilityCeiling, cfg.VisibilitySafetyFactor,
		cfg.VisibilityWindow, cfg.VisibilityMinSamples)
	ded := dedup.New(led, cfg.WorkerID, cfg.LedgerTTL, dedup.FailMode(cfg.LedgerFailMode), logger)
	guard := deletion.NewGuard(q, cfg.DeleteMaxRetries, cfg.DeleteBaseDelay, logger)
	workerMetrics := metrics.NewWorkerMetrics()
	callback := handler.NewHTTP(cfg.Stage, cfg.HandlerURL, logger)

	var c *consumer.Consumer
	coord, err := idle.New(cfg.StableEmptyDuration, cfg.PlatformCooldown, func() int {
		if c == nil {
			return 0
		}
		return c.Inflight()
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize idle coordinator", zap.Error(err))
	}

	c = consumer.New(consumer.Options{
		Stage:       cfg.Stage,
		Class:       st.Class,
		BatchSize:   cfg.BatchSize,
		MaxParallel: cfg.MaxParallel,
		MaxAttempts: cfg.MaxAttempts,
		IdleSleep:   cfg.IdleSleep,
	}, q, ded, guard, policy, rel, dlq, coord, callback, workerMetrics, logger)

	// Completed ledger records expire by TTL on Redis; on Postgres an hourly
	// sweep does the same job.
	if pgLedger != nil {
		go func() {
			ticker := time.NewTicker(cfg.LedgerSweep)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					n, err := pgLedger.Sweep(ctx)
					if err != nil {
						logger.Error("Ledger sweep failed", zap.Error(err))
						continue
					}
					if n > 0 {
						logger.Info("Swept expired ledger records", zap.Int64("count", n))
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	pings := map[string]func(context.Context) error{}
	if rdb != nil {
		pings["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if db != nil {
		pings["postgres"] = func(ctx context.Context) error { return db.PingContext(ctx) }
	}

	r := chi.NewRouter()
	server.SetupRouter(r, server.Deps{
		Cfg:    cfg,
		Logger: logger,
		Queue:  q,
		Ledger: led,
		DLQ:    dlq,
		Idle:   coord,
		Pings:  pings,
	})
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}
	go func() {
		logger.Info("Ops server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Ops server failed", zap.Error(err))
		}
	}()

	logger.Info("Worker started",
		zap.String("stage", cfg.Stage),
		zap.String("queue", st.Queue),
		zap.String("worker_id", cfg.WorkerID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			logger.Error("Consumer stopped with error", zap.Error(err))
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down on signal")
		<-done
	case <-done:
		logger.Info("Shutting down on exit intent")
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Ops server shutdown failed", zap.Error(err))
	}
}

// nodeID folds the worker identifier into the snowflake node space.
func nodeID(workerID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(workerID))
	return int64(h.Sum32() % 1024)
}
