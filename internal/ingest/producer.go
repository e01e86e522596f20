// Package ingest is the write-side entry point: it gates submissions
// behind validation and turns accepted batches into queued jobs.
package ingest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/bulkingest/internal/domain"
	"github.com/you/bulkingest/internal/validate"
)

// ErrQueueUnavailable is returned when the queue backend cannot be
// reached at submit time. The caller surfaces it to the requester;
// nothing is retried here.
var ErrQueueUnavailable = errors.New("job queue unavailable")

type Queue interface {
	Enqueue(ctx context.Context, payload domain.Payload) (domain.Handle, error)
}

type Producer struct {
	q   Queue
	log *zap.Logger
}

func NewProducer(q Queue, log *zap.Logger) *Producer {
	return &Producer{q: q, log: log}
}

// Submit validates the batch and enqueues one job, returning as soon
// as the job is durably queued. Validation is a gate: a batch with any
// invalid record is rejected whole and nothing is enqueued.
func (p *Producer) Submit(ctx context.Context, raw []validate.RawRecord, fileName, clientID string) (domain.Handle, error) {
	records, err := validate.Batch(raw)
	if err != nil {
		return domain.Handle{}, err
	}

	handle, err := p.q.Enqueue(ctx, domain.Payload{
		Records:   records,
		FileName:  fileName,
		ClientID:  clientID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.log.Error("enqueue failed", zap.String("file", fileName), zap.Error(err))
		return domain.Handle{}, errors.Wrap(ErrQueueUnavailable, err.Error())
	}

	p.log.Info("bulk job queued",
		zap.String("job_id", handle.ID),
		zap.String("file", fileName),
		zap.String("client_id", clientID),
		zap.Int("records", len(records)),
	)
	return handle, nil
}
