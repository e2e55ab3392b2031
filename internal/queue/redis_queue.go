package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"openvdm-jobs/internal/config"
	"openvdm-jobs/internal/models"
)

var (
	// ErrUnknownHandle is returned for handles the queue has no record of,
	// either never submitted or expired after completion.
	ErrUnknownHandle = errors.New("unknown job handle")
	// ErrNotQueued is returned when cancelling a job that already left the ready list.
	ErrNotQueued = errors.New("job is no longer queued")
)

// Submission is one job handed to SubmitMultiple.
type Submission struct {
	Type       string
	Payload    []byte
	Background bool
}

// RedisQueue is the shared job queue: per job type ready lists, a running set
// scored by last heartbeat, and one hash per job holding payload, progress and result.
type RedisQueue struct {
	client     *redis.Client
	prefix     string
	runningKey string
	resultTTL  time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ttl := cfg.ResultTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisQueue{
		client:     client,
		prefix:     "ovdm:",
		runningKey: "ovdm:queue:running",
		resultTTL:  ttl,
	}
}

// Client exposes the underlying redis client for components sharing the connection.
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Close releases the redis connection pool.
func (q *RedisQueue) Close() error { return q.client.Close() }

// Ping verifies the queue is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) readyKey(jobType string) string {
	return q.prefix + "queue:ready:" + jobType
}

func (q *RedisQueue) metaPrefix() string { return q.prefix + "job:" }

func (q *RedisQueue) metaKey(handle string) string {
	return q.metaPrefix() + handle
}

// NewHandle issues an opaque job handle.
func NewHandle() string {
	return "H:" + uuid.NewString()
}

// Submit queues a single job and returns its handle.
func (q *RedisQueue) Submit(ctx context.Context, jobType string, payload []byte, background bool) (string, error) {
	handles, err := q.SubmitMultiple(ctx, []Submission{{Type: jobType, Payload: payload, Background: background}})
	if err != nil {
		return "", err
	}
	return handles[0], nil
}

// SubmitMultiple queues several jobs in one transaction. Handles are returned
// in submission order.
func (q *RedisQueue) SubmitMultiple(ctx context.Context, subs []Submission) ([]string, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	handles := make([]string, 0, len(subs))
	pipe := q.client.TxPipeline()
	for _, s := range subs {
		if s.Type == "" {
			return nil, errors.New("submit: job type is required")
		}
		payload := s.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		h := NewHandle()
		handles = append(handles, h)
		pipe.HSet(ctx, q.metaKey(h),
			"type", s.Type,
			"payload", string(payload),
			"status", models.JobQueued,
			"background", boolField(s.Background),
			"submitted_at", now,
		)
		pipe.RPush(ctx, q.readyKey(s.Type), h)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("submit jobs: %w", err)
	}
	return handles, nil
}

// Claim pops the next job among jobTypes (in the given order), marks it running
// and returns it. A nil record with nil error means nothing was ready.
func (q *RedisQueue) Claim(ctx context.Context, jobTypes []string, worker string) (*models.JobRecord, error) {
	if len(jobTypes) == 0 {
		return nil, errors.New("claim: no job types registered")
	}
	keys := make([]string, 0, len(jobTypes)+1)
	for _, t := range jobTypes {
		keys = append(keys, q.readyKey(t))
	}
	keys = append(keys, q.runningKey)

	res, err := claimScript.Run(ctx, q.client, keys, time.Now().UnixMilli(), q.metaPrefix(), worker).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	handle, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	rec, err := q.Info(ctx, handle)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Info returns the current record of a job.
func (q *RedisQueue) Info(ctx context.Context, handle string) (models.JobRecord, error) {
	fields, err := q.client.HGetAll(ctx, q.metaKey(handle)).Result()
	if err != nil {
		return models.JobRecord{}, err
	}
	if len(fields) == 0 {
		return models.JobRecord{}, ErrUnknownHandle
	}
	rec := models.JobRecord{
		Handle:      handle,
		Type:        fields["type"],
		Status:      fields["status"],
		Background:  fields["background"] == "1",
		Worker:      fields["worker"],
		PID:         atoi(fields["pid"]),
		Numerator:   atoi(fields["numerator"]),
		Denominator: atoi(fields["denominator"]),
		SubmittedAt: msTime(fields["submitted_at"]),
	}
	if p := fields["payload"]; p != "" {
		rec.Payload = json.RawMessage(p)
	}
	if r := fields["result"]; r != "" {
		rec.Result = json.RawMessage(r)
	}
	if v := fields["started_at"]; v != "" {
		t := msTime(v)
		rec.StartedAt = &t
	}
	if v := fields["finished_at"]; v != "" {
		t := msTime(v)
		rec.FinishedAt = &t
	}
	return rec, nil
}

// SetPID records the OS process executing a job.
func (q *RedisQueue) SetPID(ctx context.Context, handle string, pid int) error {
	return q.client.HSet(ctx, q.metaKey(handle), "pid", pid).Err()
}

// SetProgress stores numerator/denominator progress for a running job and
// counts as a heartbeat.
func (q *RedisQueue) SetProgress(ctx context.Context, handle string, numerator, denominator int) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(handle), "numerator", numerator, "denominator", denominator)
	pipe.ZAddXX(ctx, q.runningKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: handle})
	_, err := pipe.Exec(ctx)
	return err
}

// Heartbeat pushes the liveness deadline of a running job forward.
func (q *RedisQueue) Heartbeat(ctx context.Context, handle string) error {
	return q.client.ZAddXX(ctx, q.runningKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: handle,
	}).Err()
}

// Complete stores the job's final status and result, removes it from the
// running set and lets the record expire after the result TTL.
func (q *RedisQueue) Complete(ctx context.Context, handle, status string, result []byte) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(handle),
		"status", status,
		"result", string(result),
		"finished_at", time.Now().UnixMilli(),
	)
	pipe.ZRem(ctx, q.runningKey, handle)
	pipe.Expire(ctx, q.metaKey(handle), q.resultTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Result returns the stored result and whether the job has finished.
func (q *RedisQueue) Result(ctx context.Context, handle string) ([]byte, bool, error) {
	vals, err := q.client.HMGet(ctx, q.metaKey(handle), "status", "result").Result()
	if err != nil {
		return nil, false, err
	}
	status, _ := vals[0].(string)
	if status == "" {
		return nil, false, ErrUnknownHandle
	}
	if !models.IsFinished(status) {
		return nil, false, nil
	}
	result, _ := vals[1].(string)
	return []byte(result), true, nil
}

// WaitResult blocks until the job finishes or ctx ends, polling every poll interval.
func (q *RedisQueue) WaitResult(ctx context.Context, handle string, poll time.Duration) ([]byte, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		result, done, err := q.Result(ctx, handle)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Running lists jobs currently marked running.
func (q *RedisQueue) Running(ctx context.Context) ([]models.JobRecord, error) {
	handles, err := q.client.ZRange(ctx, q.runningKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.JobRecord, 0, len(handles))
	for _, h := range handles {
		rec, err := q.Info(ctx, h)
		if errors.Is(err, ErrUnknownHandle) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReapLost fails running jobs whose worker stopped heartbeating for longer than
// lease. Lost jobs are not requeued; the next scheduled pass picks the work up.
func (q *RedisQueue) ReapLost(ctx context.Context, now time.Time, lease time.Duration, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.runningKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Add(-lease).UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var lost models.JobResult
	lost.Fail("Worker lost", "worker stopped reporting before the job finished")
	body, err := json.Marshal(lost)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := q.Complete(ctx, id, models.JobLost, body); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Cancel removes a job that has not been claimed yet.
func (q *RedisQueue) Cancel(ctx context.Context, handle string) error {
	jobType, err := q.client.HGet(ctx, q.metaKey(handle), "type").Result()
	if err == redis.Nil {
		return ErrUnknownHandle
	}
	if err != nil {
		return err
	}
	removed, err := q.client.LRem(ctx, q.readyKey(jobType), 0, handle).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotQueued
	}
	var cancelled models.JobResult
	cancelled.Ignore("Job cancelled", "cancelled before a worker claimed it")
	body, err := json.Marshal(cancelled)
	if err != nil {
		return err
	}
	return q.Complete(ctx, handle, models.JobCancelled, body)
}

// Depth returns the total length of the ready lists for jobTypes.
func (q *RedisQueue) Depth(ctx context.Context, jobTypes []string) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(jobTypes))
	for _, t := range jobTypes {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(t)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var claimScript = redis.NewScript(`
local running = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local handle = redis.call('LPOP', KEYS[i])
  if handle then
    redis.call('HSET', ARGV[2] .. handle, 'status', 'running', 'started_at', ARGV[1], 'worker', ARGV[3])
    redis.call('ZADD', running, ARGV[1], handle)
    return handle
  end
end
return nil
`)
