// Package notify carries job outcomes to connected clients: the worker
// publishes over Redis pub/sub, the bridge decodes messages into typed
// events and the hub fans them out to per-client channels.
package notify

import (
	"time"

	"github.com/you/bulkingest/internal/domain"
)

// Event is the closed set of notifications crossing the fan-out.
type Event interface {
	// Name is the transport-facing event name.
	Name() string

	sealed()
}

// BulkComplete announces the terminal result of one bulk job. It is
// routed to the submitting client when its registration is live and
// broadcast otherwise.
type BulkComplete struct {
	Result domain.BatchResult
}

func (BulkComplete) Name() string { return "bulkUploadComplete" }
func (BulkComplete) sealed()      {}

// Refresh signals that the shared dataset in one store changed, so
// every connected viewer should reload.
type Refresh struct {
	Trigger         string    `json:"trigger"`
	JobID           string    `json:"jobId,omitempty"`
	ClientID        string    `json:"clientId,omitempty"`
	RecordsInserted int       `json:"recordsInserted"`
	Timestamp       time.Time `json:"timestamp"`
}

type DocStoreRefreshed struct {
	Refresh
}

func (DocStoreRefreshed) Name() string { return "docStoreRefreshed" }
func (DocStoreRefreshed) sealed()      {}

type RelStoreRefreshed struct {
	Refresh
}

func (RelStoreRefreshed) Name() string { return "relStoreRefreshed" }
func (RelStoreRefreshed) sealed()      {}
