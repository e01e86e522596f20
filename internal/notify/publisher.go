package notify

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/bulkingest/internal/domain"
)

const (
	chanBulkComplete = "bulk:complete"
	chanDocRefresh   = "docstore:refresh"
	chanRelRefresh   = "relstore:refresh"
)

// Publisher is the worker-side producer of completion and refresh
// events. Publishing is fire-and-forget: no acknowledgment from
// subscribers is awaited.
type Publisher struct {
	rdb *r.Client
}

func NewPublisher(rdb *r.Client) *Publisher { return &Publisher{rdb: rdb} }

func (p *Publisher) BulkComplete(ctx context.Context, res domain.BatchResult) error {
	return p.publish(ctx, chanBulkComplete, res)
}

func (p *Publisher) DocStoreRefreshed(ctx context.Context, ref Refresh) error {
	return p.publish(ctx, chanDocRefresh, ref)
}

func (p *Publisher) RelStoreRefreshed(ctx context.Context, ref Refresh) error {
	return p.publish(ctx, chanRelRefresh, ref)
}

func (p *Publisher) publish(ctx context.Context, channel string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return errors.Wrap(p.rdb.Publish(ctx, channel, body).Err(), "publish "+channel)
}
