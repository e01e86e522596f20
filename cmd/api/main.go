package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/bulkingest/internal/api"
	"github.com/you/bulkingest/internal/config"
	"github.com/you/bulkingest/internal/ingest"
	"github.com/you/bulkingest/internal/notify"
	"github.com/you/bulkingest/internal/queue"
)

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	q := queue.New(rdb, queue.Options{
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		LockDuration: cfg.LockDuration,
	})
	producer := ingest.NewProducer(q, log)
	hub := notify.NewHub(log)
	bridge := notify.NewBridge(rdb, hub, log)
	server := api.NewServer(producer, q, hub, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: server.Router()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(ctx) })
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("api stopped", zap.Error(err))
	}
	log.Info("api shut down")
}
