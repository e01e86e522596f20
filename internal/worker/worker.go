// Package worker runs the bulk-ingestion pool: each worker claims jobs
// from the durable queue, drives the dual-store writer and publishes
// exactly one terminal result per job.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/bulkingest/internal/domain"
	"github.com/you/bulkingest/internal/notify"
	"github.com/you/bulkingest/internal/storage"
)

type Queue interface {
	Dequeue(ctx context.Context, block time.Duration) (*domain.Job, error)
	Heartbeat(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, result *domain.BatchResult) error
	Fail(ctx context.Context, id string, cause error) (retried bool, err error)
}

type Writer interface {
	Write(ctx context.Context, records []domain.Record) (storage.WriteResult, error)
}

type Publisher interface {
	BulkComplete(ctx context.Context, res domain.BatchResult) error
	DocStoreRefreshed(ctx context.Context, ref notify.Refresh) error
	RelStoreRefreshed(ctx context.Context, ref notify.Refresh) error
}

type Config struct {
	Concurrency       int           // parallel jobs per process
	DequeueBlock      time.Duration // how long one claim attempt blocks
	HeartbeatInterval time.Duration // lock extension cadence, below the lock duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:       2,
		DequeueBlock:      5 * time.Second,
		HeartbeatInterval: 40 * time.Second,
	}
}

type Pool struct {
	q   Queue
	w   Writer
	pub Publisher
	cfg Config
	log *zap.Logger
	now func() time.Time
}

func NewPool(q Queue, w Writer, pub Publisher, cfg Config, log *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.DequeueBlock <= 0 {
		cfg.DequeueBlock = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 40 * time.Second
	}
	return &Pool{q: q, w: w, pub: pub, cfg: cfg, log: log, now: time.Now}
}

// Run blocks until ctx is canceled and every worker drained.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		n := i
		g.Go(func() error { return p.loop(ctx, n) })
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, n int) error {
	log := p.log.With(zap.Int("worker", n))
	log.Info("worker started")
	for {
		if ctx.Err() != nil {
			log.Info("worker stopping")
			return nil
		}
		job, err := p.q.Dequeue(ctx, p.cfg.DequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, job, log)
	}
}

// process owns one claimed job to its terminal state. Jobs are never
// canceled mid-flight: a claimed job runs to completion or failure.
func (p *Pool) process(ctx context.Context, job *domain.Job, log *zap.Logger) {
	log = log.With(zap.String("job_id", job.ID))
	log.Info("processing bulk job",
		zap.Int("records", len(job.Payload.Records)),
		zap.String("client_id", job.Payload.ClientID),
		zap.String("file", job.Payload.FileName),
		zap.Int("attempt", job.Attempts),
	)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, job.ID, log)
	res, err := p.w.Write(ctx, job.Payload.Records)
	stopHeartbeat()

	if err != nil {
		log.Error("bulk write failed", zap.Error(err))
		retried, ferr := p.q.Fail(ctx, job.ID, err)
		if ferr != nil {
			// the lock will expire and the janitor reclaims the job
			log.Error("recording job failure", zap.Error(ferr))
			return
		}
		if retried {
			log.Info("job scheduled for retry")
			return
		}
		// out of attempts: publish a failure result so waiting clients
		// are not left hanging
		p.publishResult(ctx, FailureResult(job, err, p.now()), log)
		return
	}

	result := p.buildResult(job, res)
	if cerr := p.q.Complete(ctx, job.ID, &result); cerr != nil {
		log.Error("marking job complete", zap.Error(cerr))
	}
	p.publishResult(ctx, result, log)
	p.publishRefreshes(ctx, result, log)

	log.Info("bulk job completed",
		zap.Int("success", result.SuccessCount),
		zap.Int("failed", result.FailCount),
	)
}

func (p *Pool) heartbeat(ctx context.Context, id string, log *zap.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.q.Heartbeat(ctx, id); err != nil {
				log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) buildResult(job *domain.Job, res storage.WriteResult) domain.BatchResult {
	return domain.BatchResult{
		JobID:        job.ID,
		ClientID:     job.Payload.ClientID,
		FileName:     job.Payload.FileName,
		TotalRecords: len(job.Payload.Records),
		SuccessCount: res.SuccessCount,
		FailCount:    res.FailCount,
		Errors:       res.Errors,
		Success:      res.FailCount == 0,
		Timestamp:    p.now().UTC(),
	}
}

// FailureResult is the terminal result for a job that exhausted its
// attempts: a top-level error instead of per-row detail, with counts
// that still reconcile.
func FailureResult(job *domain.Job, cause error, at time.Time) domain.BatchResult {
	total := len(job.Payload.Records)
	return domain.BatchResult{
		JobID:        job.ID,
		ClientID:     job.Payload.ClientID,
		FileName:     job.Payload.FileName,
		TotalRecords: total,
		SuccessCount: 0,
		FailCount:    total,
		Success:      false,
		Error:        cause.Error(),
		Timestamp:    at.UTC(),
	}
}

func (p *Pool) publishResult(ctx context.Context, result domain.BatchResult, log *zap.Logger) {
	if err := p.pub.BulkComplete(ctx, result); err != nil {
		log.Error("publishing completion event", zap.Error(err))
	}
}

// publishRefreshes tells every connected viewer that the shared
// datasets changed. Only emitted after a completed job.
func (p *Pool) publishRefreshes(ctx context.Context, result domain.BatchResult, log *zap.Logger) {
	ref := notify.Refresh{
		Trigger:         "bulk_upload",
		JobID:           result.JobID,
		ClientID:        result.ClientID,
		RecordsInserted: result.SuccessCount,
		Timestamp:       p.now().UTC(),
	}
	if err := p.pub.DocStoreRefreshed(ctx, ref); err != nil {
		log.Error("publishing document store refresh", zap.Error(err))
	}
	if err := p.pub.RelStoreRefreshed(ctx, ref); err != nil {
		log.Error("publishing relational store refresh", zap.Error(err))
	}
}
