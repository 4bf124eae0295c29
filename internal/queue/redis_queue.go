package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"autoposter/internal/clock"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultVisibility = 4 * time.Minute

// Job is one dispatch request for a posting.
type Job struct {
	ID        string
	PostingID string
	UserID    string
	// Attempts counts infrastructure failures, Contention counts lock waits.
	Attempts   int
	Contention int
	LastError  string
	EnqueuedAt time.Time
}

// DeadLetter is a job that will not be retried.
type DeadLetter struct {
	JobID     string    `json:"job_id"`
	PostingID string    `json:"posting_id"`
	UserID    string    `json:"user_id"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type Depth struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// RedisQueue coordinates ready, in-flight, and delayed jobs in Redis.
type RedisQueue struct {
	client        *redis.Client
	clock         clock.Clock
	readyKey      string
	inflightKey   string
	delayedKey    string
	jobMetaPrefix string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, visibility time.Duration, c clock.Clock) *RedisQueue {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	return &RedisQueue{
		client:        client,
		clock:         clock.OrReal(c),
		readyKey:      "queue:postings:ready",
		inflightKey:   "queue:postings:inflight",
		delayedKey:    "queue:postings:delayed",
		jobMetaPrefix: "queue:postings:job:",
		dlqKey:        "queue:postings:dlq",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue stores the job metadata and pushes it onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.PostingID == "" || job.UserID == "" {
		return errors.New("job requires posting id and user id")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clock.Now()
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(job.ID), map[string]interface{}{
		"posting_id":  job.PostingID,
		"user_id":     job.UserID,
		"attempts":    job.Attempts,
		"contention":  job.Contention,
		"last_error":  job.LastError,
		"enqueued_at": job.EnqueuedAt.UnixMilli(),
	})
	pipe.RPush(ctx, q.readyKey, job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// DequeueWithLease pops a ready job and places it into in-flight with a
// visibility deadline. It returns nil when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Job, error) {
	deadline := q.clock.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	job, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// metadata gone: the job was acked or dead-lettered elsewhere
		if err := q.client.ZRem(ctx, q.inflightKey, jobID).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return job, nil
}

func (q *RedisQueue) load(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	job := &Job{
		ID:        jobID,
		PostingID: fields["posting_id"],
		UserID:    fields["user_id"],
		LastError: fields["last_error"],
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.Contention, _ = strconv.Atoi(fields["contention"])
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	return job, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.clock.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry records the job's counters and parks it in the delayed set.
func (q *RedisQueue) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(job.ID), map[string]interface{}{
		"attempts":   job.Attempts,
		"contention": job.Contention,
		"last_error": job.LastError,
	})
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{
		Score:  float64(q.clock.Now().Add(delay).UnixMilli()),
		Member: job.ID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDue moves due delayed jobs onto the ready list and returns how many moved.
func (q *RedisQueue) PromoteDue(ctx context.Context, limit int64) (int, error) {
	ids, err := moveDueScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey},
		q.clock.Now().UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases whose visibility deadline passed.
func (q *RedisQueue) RequeueExpired(ctx context.Context, limit int64) ([]string, error) {
	ids, err := moveDueScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey},
		q.clock.Now().UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return ids, nil
}

// DeadLetter drops the job from the queue and records it on the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, job *Job, reason string) error {
	entry, err := json.Marshal(DeadLetter{
		JobID:     job.ID,
		PostingID: job.PostingID,
		UserID:    job.UserID,
		Attempts:  job.Attempts,
		Reason:    reason,
		At:        q.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.ZRem(ctx, q.delayedKey, job.ID)
	pipe.Del(ctx, q.metaKey(job.ID))
	pipe.LPush(ctx, q.dlqKey, entry)
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the latest dead-lettered jobs, newest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var d DeadLetter
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Depth returns the sizes of every queue structure.
func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	dead := pipe.LLen(ctx, q.dlqKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, err
	}
	return Depth{
		Ready:    ready.Val(),
		Delayed:  delayed.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
	}, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// moveDueScript moves members of the zset KEYS[1] scored at or before ARGV[1]
// onto the list KEYS[2], at most ARGV[2] of them.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)
