package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/bulkingest/internal/domain"
	"github.com/you/bulkingest/internal/notify"
	"github.com/you/bulkingest/internal/storage"
)

type fakeQueue struct {
	mu         sync.Mutex
	jobs       []*domain.Job
	completed  []*domain.BatchResult
	failed     []string
	retryLeft  bool
	heartbeats atomic.Int64
}

func (q *fakeQueue) Dequeue(ctx context.Context, block time.Duration) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, nil
}

func (q *fakeQueue) Heartbeat(ctx context.Context, id string) error {
	q.heartbeats.Add(1)
	return nil
}

func (q *fakeQueue) Complete(ctx context.Context, id string, result *domain.BatchResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, result)
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, id string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, id)
	return q.retryLeft, nil
}

type fakeWriter struct {
	res   storage.WriteResult
	err   error
	delay time.Duration
}

func (w *fakeWriter) Write(ctx context.Context, records []domain.Record) (storage.WriteResult, error) {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	if w.err != nil {
		return storage.WriteResult{}, w.err
	}
	return w.res, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	results   []domain.BatchResult
	refreshes []notify.Refresh
}

func (p *fakePublisher) BulkComplete(ctx context.Context, res domain.BatchResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, res)
	return nil
}

func (p *fakePublisher) DocStoreRefreshed(ctx context.Context, ref notify.Refresh) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes = append(p.refreshes, ref)
	return nil
}

func (p *fakePublisher) RelStoreRefreshed(ctx context.Context, ref notify.Refresh) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes = append(p.refreshes, ref)
	return nil
}

func testJob(n int) *domain.Job {
	records := make([]domain.Record, n)
	for i := range records {
		records[i] = domain.Record{Name: "Alice", Age: 30, Foods: "veg"}
	}
	return &domain.Job{
		ID:          "bulk-1",
		Attempts:    1,
		MaxAttempts: 3,
		State:       domain.StateActive,
		Payload: domain.Payload{
			Records:  records,
			FileName: "people.csv",
			ClientID: "client-1",
		},
	}
}

func TestProcess_SuccessPublishesOnce(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWriter{res: storage.WriteResult{SuccessCount: 3}}
	pub := &fakePublisher{}
	p := NewPool(q, w, pub, DefaultConfig(), zap.NewNop())

	p.process(context.Background(), testJob(3), zap.NewNop())

	require.Len(t, q.completed, 1)
	require.Len(t, pub.results, 1)
	res := pub.results[0]
	assert.Equal(t, "bulk-1", res.JobID)
	assert.Equal(t, "client-1", res.ClientID)
	assert.Equal(t, 3, res.TotalRecords)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Zero(t, res.FailCount)
	assert.True(t, res.Success)

	// dataset refreshes for both stores follow a completed job
	require.Len(t, pub.refreshes, 2)
	assert.Equal(t, "bulk_upload", pub.refreshes[0].Trigger)
	assert.Equal(t, 3, pub.refreshes[0].RecordsInserted)
}

func TestProcess_PartialFailure(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWriter{res: storage.WriteResult{
		SuccessCount: 999,
		FailCount:    1,
		Errors:       []domain.RowError{{Row: 500, Error: "postgres: duplicate key"}},
	}}
	pub := &fakePublisher{}
	p := NewPool(q, w, pub, DefaultConfig(), zap.NewNop())

	p.process(context.Background(), testJob(1000), zap.NewNop())

	require.Len(t, pub.results, 1)
	res := pub.results[0]
	assert.Equal(t, res.TotalRecords, res.SuccessCount+res.FailCount)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 500, res.Errors[0].Row)
	// partial per-row failures still complete the job
	assert.Len(t, q.completed, 1)
	assert.Empty(t, q.failed)
}

func TestProcess_FatalErrorWithAttemptsLeft(t *testing.T) {
	q := &fakeQueue{retryLeft: true}
	w := &fakeWriter{err: &storage.UnreachableError{Store: "mongo", Err: errors.New("connection refused")}}
	pub := &fakePublisher{}
	p := NewPool(q, w, pub, DefaultConfig(), zap.NewNop())

	p.process(context.Background(), testJob(3), zap.NewNop())

	assert.Len(t, q.failed, 1)
	assert.Empty(t, q.completed)
	// nothing published yet: the retry will produce the single result
	assert.Empty(t, pub.results)
	assert.Empty(t, pub.refreshes)
}

func TestProcess_FatalErrorExhaustedStillPublishes(t *testing.T) {
	q := &fakeQueue{retryLeft: false}
	w := &fakeWriter{err: &storage.UnreachableError{Store: "mongo", Err: errors.New("connection refused")}}
	pub := &fakePublisher{}
	p := NewPool(q, w, pub, DefaultConfig(), zap.NewNop())

	p.process(context.Background(), testJob(3), zap.NewNop())

	require.Len(t, pub.results, 1)
	res := pub.results[0]
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 3, res.TotalRecords)
	assert.Equal(t, res.TotalRecords, res.SuccessCount+res.FailCount)
	// no refreshes after a failed job
	assert.Empty(t, pub.refreshes)
}

func TestProcess_HeartbeatsDuringLongWrite(t *testing.T) {
	q := &fakeQueue{}
	w := &fakeWriter{res: storage.WriteResult{SuccessCount: 1}, delay: 80 * time.Millisecond}
	pub := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	p := NewPool(q, w, pub, cfg, zap.NewNop())

	p.process(context.Background(), testJob(1), zap.NewNop())

	assert.GreaterOrEqual(t, q.heartbeats.Load(), int64(1))
}

func TestRun_ProcessesQueuedJobsAndStops(t *testing.T) {
	q := &fakeQueue{jobs: []*domain.Job{testJob(2), testJob(2)}}
	w := &fakeWriter{res: storage.WriteResult{SuccessCount: 2}}
	pub := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	p := NewPool(q, w, pub, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.results) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}
