package notify

import (
	"context"
	"encoding/json"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/bulkingest/internal/domain"
)

// Bridge subscribes to the worker's Redis channels and feeds decoded
// events into the hub. It runs in the ingress process, next to the
// transport that owns the registrations.
type Bridge struct {
	rdb *r.Client
	hub *Hub
	log *zap.Logger
}

func NewBridge(rdb *r.Client, hub *Hub, log *zap.Logger) *Bridge {
	return &Bridge{rdb: rdb, hub: hub, log: log}
}

// Run blocks until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, chanBulkComplete, chanDocRefresh, chanRelRefresh)
	defer sub.Close()

	b.log.Info("subscribed to completion channels")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(msg)
		}
	}
}

func (b *Bridge) dispatch(msg *r.Message) {
	switch msg.Channel {
	case chanBulkComplete:
		var res domain.BatchResult
		if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
			b.log.Error("malformed completion event", zap.Error(err))
			return
		}
		b.hub.Dispatch(BulkComplete{Result: res})
	case chanDocRefresh:
		var ref Refresh
		if err := json.Unmarshal([]byte(msg.Payload), &ref); err != nil {
			b.log.Error("malformed refresh event", zap.Error(err))
			return
		}
		b.hub.Dispatch(DocStoreRefreshed{Refresh: ref})
	case chanRelRefresh:
		var ref Refresh
		if err := json.Unmarshal([]byte(msg.Payload), &ref); err != nil {
			b.log.Error("malformed refresh event", zap.Error(err))
			return
		}
		b.hub.Dispatch(RelStoreRefreshed{Refresh: ref})
	}
}
