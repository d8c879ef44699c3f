package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"company-intel/internal/config"
	"company-intel/internal/models"
)

// ErrJobMissing is returned when a leased id has no payload record.
var ErrJobMissing = errors.New("job payload missing")

// Delivery is a leased job together with its attempt bookkeeping.
type Delivery struct {
	ID       string
	Job      models.EnrichmentJob
	Attempts int
}

// DeadLetter is one entry of the dead-letter list.
type DeadLetter struct {
	JobID    string               `json:"job_id"`
	Reason   string               `json:"reason"`
	Attempts int                  `json:"attempts"`
	Job      models.EnrichmentJob `json:"job"`
	FailedAt time.Time            `json:"failed_at"`
}

// RedisQueue coordinates ready, in-flight, and scheduled job sets in Redis.
// Job ids are derived from (tenant, thread), and a dedup marker keeps a second
// trigger for the same conversation from being queued while the first is pending.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	dedupPrefix   string
	visibilityTTL time.Duration
	dedupTTL      time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue over an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "enrichment"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dedup := cfg.DedupTTL
	if dedup == 0 {
		dedup = 24 * time.Hour
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:" + name + ":dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "queue:" + name + ":ready",
		inflightKey:   "queue:" + name + ":inflight",
		scheduledKey:  "queue:" + name + ":scheduled",
		jobMetaPrefix: "queue:" + name + ":job:",
		dedupPrefix:   "queue:" + name + ":dedup:",
		visibilityTTL: visibility,
		dedupTTL:      dedup,
		dlqKey:        dlq,
	}
}

// NewClient opens the Redis client described by cfg.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func (q *RedisQueue) metaKey(jobID string) string  { return q.jobMetaPrefix + jobID }
func (q *RedisQueue) dedupKey(jobID string) string { return q.dedupPrefix + jobID }

// Enqueue stores the payload and pushes the job id onto the ready list. A job
// whose id is already pending is not queued again and duplicate is true.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.EnrichmentJob) (jobID string, duplicate bool, err error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	jobID = job.ID()
	payload, err := json.Marshal(job)
	if err != nil {
		return "", false, fmt.Errorf("marshal job: %w", err)
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.dedupKey(jobID), q.metaKey(jobID), q.readyKey},
		jobID, q.dedupTTL.Milliseconds(), payload,
	).Int()
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return jobID, res == 0, nil
}

// Load reads the payload and attempt counter of a job.
func (q *RedisQueue) Load(ctx context.Context, jobID string) (Delivery, error) {
	vals, err := q.client.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return Delivery{}, fmt.Errorf("load %s: %w", jobID, err)
	}
	raw, ok := vals["payload"]
	if !ok {
		return Delivery{}, fmt.Errorf("load %s: %w", jobID, ErrJobMissing)
	}
	d := Delivery{ID: jobID}
	if err := json.Unmarshal([]byte(raw), &d.Job); err != nil {
		return Delivery{}, fmt.Errorf("decode %s: %w", jobID, err)
	}
	d.Attempts, _ = strconv.Atoi(vals["attempts"])
	return d, nil
}

// RecordAttempt increments and returns the attempt counter.
func (q *RedisQueue) RecordAttempt(ctx context.Context, jobID string) (int, error) {
	n, err := q.client.HIncrBy(ctx, q.metaKey(jobID), "attempts", 1).Result()
	return int(n), err
}

// Schedule moves a leased job into the scheduled set for a deferred retry.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready job and places it in-flight with a
// visibility deadline. It returns "" when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack marks a job consumed: it drops the lease, the payload and the dedup
// marker, so the next trigger on the same thread can be queued.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID), q.dedupKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases whose deadline passed and returns their ids.
// A reclaimed job is a stalled job: callers fail any Run it left RUNNING.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeadLetter moves a job out of the live sets into the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	entry, err := json.Marshal(DeadLetter{
		JobID:    d.ID,
		Reason:   reason,
		Attempts: d.Attempts,
		Job:      d.Job,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, d.ID)
	pipe.ZRem(ctx, q.scheduledKey, d.ID)
	pipe.RPush(ctx, q.dlqKey, entry)
	pipe.Del(ctx, q.metaKey(d.ID), q.dedupKey(d.ID))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered entries.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetter, error) {
	if count <= 0 {
		count = 50
	}
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			dl = DeadLetter{JobID: r, Reason: "unparseable entry"}
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlightDepth returns how many jobs are currently leased.
func (q *RedisQueue) InFlightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var enqueueScript = redis.NewScript(`
local ok = redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[2])
if not ok then
  return 0
end
redis.call('HSET', KEYS[2], 'payload', ARGV[3], 'attempts', 0)
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
