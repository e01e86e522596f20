package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/bulkingest/internal/config"
	"github.com/you/bulkingest/internal/notify"
	"github.com/you/bulkingest/internal/queue"
	"github.com/you/bulkingest/internal/storage"
	"github.com/you/bulkingest/internal/worker"
)

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}

func migrate(dsn, dir string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errors.Wrap(err, "open postgres")
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return errors.Wrap(goose.Up(db, dir), "run migrations")
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connecting to postgres", zap.Error(err))
	}
	defer pgPool.Close()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal("connecting to mongo", zap.Error(err))
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(disconnectCtx); err != nil {
			log.Warn("disconnecting mongo", zap.Error(err))
		}
	}()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	q := queue.New(rdb, queue.Options{
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		LockDuration: cfg.LockDuration,
	})
	writer := storage.NewWriter(
		storage.NewDocStore(mongoClient, cfg.MongoDatabase),
		storage.NewRelStore(pgPool),
		cfg.ChunkSize,
		log,
	)
	pub := notify.NewPublisher(rdb)
	workers := worker.NewPool(q, writer, pub, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		HeartbeatInterval: cfg.LockDuration / 3,
	}, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return workers.Run(ctx) })
	g.Go(func() error { return runJanitor(ctx, q, pub, cfg.JanitorInterval, log) })

	if err := g.Wait(); err != nil {
		log.Fatal("worker stopped", zap.Error(err))
	}
	log.Info("worker shut down")
}

// runJanitor periodically promotes due retries and reclaims jobs whose
// worker died mid-processing. Stalled jobs that ran out of attempts
// still get a terminal result published for waiting clients.
func runJanitor(ctx context.Context, q *queue.RedisQ, pub *notify.Publisher, interval time.Duration, log *zap.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := q.PromoteDue(ctx, 200); err != nil {
				log.Error("promoting due retries", zap.Error(err))
			} else if n > 0 {
				log.Info("promoted due retries", zap.Int("count", n))
			}

			requeued, failed, err := q.ReclaimStalled(ctx)
			if err != nil {
				log.Error("reclaiming stalled jobs", zap.Error(err))
				continue
			}
			if requeued > 0 {
				log.Warn("requeued stalled jobs", zap.Int("count", requeued))
			}
			for _, job := range failed {
				result := worker.FailureResult(job, errors.New("job stalled after exhausting attempts"), time.Now())
				if err := pub.BulkComplete(ctx, result); err != nil {
					log.Error("publishing stalled job result",
						zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}
}
