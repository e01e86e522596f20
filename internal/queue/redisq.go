// Package queue implements the durable job queue on Redis: a waiting
// list, an active list for claimed jobs, a ZSET of delayed retries and
// bounded completed/failed retention lists, with one hash per job as
// the source of truth for state and result.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/bulkingest/internal/domain"
)

const (
	keyWait      = "bulk:wait"
	keyActive    = "bulk:active"
	keyDelayed   = "bulk:delayed"
	keyCompleted = "bulk:completed"
	keyFailed    = "bulk:failed"
	jobKeyPrefix = "bulk:job:"
)

// ErrNotFound is returned when a job id has no hash, either because it
// never existed or because retention already removed it.
var ErrNotFound = errors.New("job not found")

type Options struct {
	MaxAttempts   int           // attempts before a job fails permanently
	BackoffBase   time.Duration // retry delay is BackoffBase << (attempt-1)
	LockDuration  time.Duration // exclusive ownership window per claim
	KeepCompleted int           // completed jobs retained for status polling
	KeepFailed    int           // failed jobs retained for status polling
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
		LockDuration:  120 * time.Second,
		KeepCompleted: 15,
		KeepFailed:    10,
	}
}

type RedisQ struct {
	rdb  *r.Client
	opts Options
	now  func() time.Time
}

func New(rdb *r.Client, opts Options) *RedisQ {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 120 * time.Second
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = 15
	}
	if opts.KeepFailed <= 0 {
		opts.KeepFailed = 10
	}
	return &RedisQ{rdb: rdb, opts: opts, now: time.Now}
}

func jobKey(id string) string { return jobKeyPrefix + id }

// newJobID builds a collision-resistant id: two concurrent submissions
// in the same millisecond still differ in the random suffix.
func (q *RedisQ) newJobID() string {
	return fmt.Sprintf("bulk-%d-%s", q.now().UnixMilli(), uuid.NewString()[:8])
}

// Enqueue durably appends one job and returns its handle. It does not
// wait for processing to start.
func (q *RedisQ) Enqueue(ctx context.Context, payload domain.Payload) (domain.Handle, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Handle{}, errors.Wrap(err, "marshal payload")
	}

	id := q.newJobID()
	enqueuedAt := q.now().UTC()

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]interface{}{
		"payload":      body,
		"state":        string(domain.StateWaiting),
		"attempts":     0,
		"max_attempts": q.opts.MaxAttempts,
		"enqueued_at":  enqueuedAt.Format(time.RFC3339Nano),
	})
	pipe.LPush(ctx, keyWait, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Handle{}, errors.Wrap(err, "enqueue")
	}
	return domain.Handle{ID: id, EnqueuedAt: enqueuedAt}, nil
}

// Dequeue blocks up to block for a waiting job and claims it: the id
// moves to the active list, attempts is incremented and the lock window
// starts. Returns (nil, nil) when no job arrived in time. Redis moves
// the id atomically, so no two workers can claim the same job.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (*domain.Job, error) {
	id, err := q.rdb.BRPopLPush(ctx, keyWait, keyActive, block).Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "dequeue")
	}

	lockedUntil := q.now().Add(q.opts.LockDuration)
	pipe := q.rdb.TxPipeline()
	pipe.HIncrBy(ctx, jobKey(id), "attempts", 1)
	pipe.HSet(ctx, jobKey(id),
		"state", string(domain.StateActive),
		"locked_until", lockedUntil.UnixMilli(),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "claim "+id)
	}
	return q.Job(ctx, id)
}

// Heartbeat extends the claim lock so a long job is not reclaimed as
// stalled while its worker is still alive.
func (q *RedisQ) Heartbeat(ctx context.Context, id string) error {
	lockedUntil := q.now().Add(q.opts.LockDuration)
	err := q.rdb.HSet(ctx, jobKey(id), "locked_until", lockedUntil.UnixMilli()).Err()
	return errors.Wrap(err, "heartbeat "+id)
}

// Complete moves a claimed job to its terminal completed state and
// stores the result for status polling, then applies retention.
func (q *RedisQ) Complete(ctx context.Context, id string, result *domain.BatchResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal result")
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, keyActive, 1, id)
	pipe.HSet(ctx, jobKey(id),
		"state", string(domain.StateCompleted),
		"result", body,
	)
	pipe.LPush(ctx, keyCompleted, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "complete "+id)
	}
	return q.trim(ctx, keyCompleted, q.opts.KeepCompleted)
}

// Fail records a processing failure. While attempts remain the job is
// scheduled for retry after an exponential backoff and retried==true;
// otherwise it becomes permanently failed.
func (q *RedisQ) Fail(ctx context.Context, id string, cause error) (retried bool, err error) {
	vals, err := q.rdb.HMGet(ctx, jobKey(id), "attempts", "max_attempts").Result()
	if err != nil {
		return false, errors.Wrap(err, "fail "+id)
	}
	attempts := parseInt(vals[0])
	maxAttempts := parseInt(vals[1])
	if maxAttempts == 0 {
		return false, errors.Wrap(ErrNotFound, id)
	}
	if attempts < 1 {
		attempts = 1
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if attempts < maxAttempts {
		delay := q.opts.BackoffBase << uint(attempts-1)
		readyAt := q.now().Add(delay)
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyActive, 1, id)
		pipe.HSet(ctx, jobKey(id),
			"state", string(domain.StateWaiting),
			"error", msg,
		)
		pipe.ZAdd(ctx, keyDelayed, r.Z{Score: float64(readyAt.UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return false, errors.Wrap(err, "schedule retry "+id)
		}
		return true, nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, keyActive, 1, id)
	pipe.HSet(ctx, jobKey(id),
		"state", string(domain.StateFailed),
		"error", msg,
	)
	pipe.LPush(ctx, keyFailed, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, "fail permanently "+id)
	}
	return false, q.trim(ctx, keyFailed, q.opts.KeepFailed)
}

// PromoteDue moves delayed retries whose backoff has elapsed back onto
// the waiting list.
func (q *RedisQ) PromoteDue(ctx context.Context, batch int64) (int, error) {
	nowMs := q.now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", nowMs), Offset: 0, Count: batch,
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "promote due")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, keyWait, id)
		pipe.ZRem(ctx, keyDelayed, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "promote due")
	}
	return len(ids), nil
}

// ReclaimStalled scans the active list for jobs whose lock expired,
// which means their worker died mid-processing. A worker can also die
// between the wait→active move and the claim hash update, leaving the
// id on the active list with no lock at all; those count as expired
// too. Jobs with attempts left go back to the waiting list for
// re-claim (at-least-once delivery); jobs out of attempts become
// permanently failed and are returned so the caller can still publish
// a terminal result for them.
func (q *RedisQ) ReclaimStalled(ctx context.Context) (requeued int, failed []*domain.Job, err error) {
	ids, err := q.rdb.LRange(ctx, keyActive, 0, -1).Result()
	if err != nil {
		return 0, nil, errors.Wrap(err, "reclaim stalled")
	}
	nowMs := q.now().UnixMilli()

	for _, id := range ids {
		vals, err := q.rdb.HMGet(ctx, jobKey(id), "state", "locked_until", "attempts", "max_attempts").Result()
		if err != nil {
			return requeued, failed, errors.Wrap(err, "reclaim "+id)
		}
		state, _ := vals[0].(string)
		maxAttempts := parseInt(vals[3])
		if state == string(domain.StateCompleted) || state == string(domain.StateFailed) || maxAttempts == 0 {
			// terminal or hash gone: nothing left to run, drop the id
			if err := q.rdb.LRem(ctx, keyActive, 1, id).Err(); err != nil {
				return requeued, failed, errors.Wrap(err, "drop stale "+id)
			}
			continue
		}
		if parseInt64(vals[1]) >= nowMs {
			continue
		}

		attempts := parseInt(vals[2])
		if attempts < maxAttempts {
			pipe := q.rdb.TxPipeline()
			pipe.LRem(ctx, keyActive, 1, id)
			pipe.HSet(ctx, jobKey(id), "state", string(domain.StateStalled))
			pipe.LPush(ctx, keyWait, id)
			if _, err := pipe.Exec(ctx); err != nil {
				return requeued, failed, errors.Wrap(err, "requeue stalled "+id)
			}
			requeued++
			continue
		}

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, keyActive, 1, id)
		pipe.HSet(ctx, jobKey(id),
			"state", string(domain.StateFailed),
			"error", "job stalled after exhausting attempts",
		)
		pipe.LPush(ctx, keyFailed, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, failed, errors.Wrap(err, "fail stalled "+id)
		}
		if err := q.trim(ctx, keyFailed, q.opts.KeepFailed); err != nil {
			return requeued, failed, err
		}
		job, err := q.Job(ctx, id)
		if err != nil {
			return requeued, failed, err
		}
		failed = append(failed, job)
	}
	return requeued, failed, nil
}

// Job loads a job hash by id for status polling.
func (q *RedisQ) Job(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load "+id)
	}
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrNotFound, id)
	}

	job := &domain.Job{
		ID:          id,
		State:       domain.State(fields["state"]),
		Error:       fields["error"],
		Attempts:    atoi(fields["attempts"]),
		MaxAttempts: atoi(fields["max_attempts"]),
	}
	if v := fields["payload"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal payload "+id)
		}
	}
	if v := fields["result"]; v != "" {
		var res domain.BatchResult
		if err := json.Unmarshal([]byte(v), &res); err != nil {
			return nil, errors.Wrap(err, "unmarshal result "+id)
		}
		job.Result = &res
	}
	if v := fields["locked_until"]; v != "" {
		ms, _ := strconv.ParseInt(v, 10, 64)
		job.LockedUntil = time.UnixMilli(ms)
	}
	if v := fields["enqueued_at"]; v != "" {
		job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return job, nil
}

// trim bounds a retention list and deletes the hashes of evicted jobs.
func (q *RedisQ) trim(ctx context.Context, key string, keep int) error {
	evicted, err := q.rdb.LRange(ctx, key, int64(keep), -1).Result()
	if err != nil {
		return errors.Wrap(err, "trim "+key)
	}
	if len(evicted) == 0 {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range evicted {
		pipe.Del(ctx, jobKey(id))
	}
	pipe.LTrim(ctx, key, 0, int64(keep)-1)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "trim "+key)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt(v interface{}) int {
	s, _ := v.(string)
	return atoi(s)
}

func parseInt64(v interface{}) int64 {
	s, _ := v.(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
