// Package queue is the redis-backed task broker between the API and the
// ingestion workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/marketdash/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const taskList = "ingest:tasks"

var ErrUnavailable = errors.New("task queue unavailable")

// Task kinds.
const (
	KindProcessJob   = "process_job"   // in-memory pipeline, one task per job
	KindSplitJob     = "split_job"     // persisted-chunks pipeline, fan-out step
	KindProcessChunk = "process_chunk" // persisted-chunks pipeline, one per chunk
)

// Task is the unit of work handed to workers. UserID carries the job
// owner so the worker can adopt the tenant before touching tenant tables.
type Task struct {
	Kind       string `json:"kind"`
	JobID      string `json:"job_id"`
	UserID     int64  `json:"user_id"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
}

// Queue pushes tasks with LPUSH and workers block on BRPOP, so delivery is
// FIFO per list.
type Queue struct {
	client *redis.Client
	log    *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) (*Queue, error) {
	qc := cfg.Queue
	if !qc.Configured() {
		return nil, errors.New("queue redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(qc.RedisAddr),
		Password: strings.TrimSpace(qc.RedisPassword),
		DB:       qc.RedisDB,
	})

	return &Queue{client: client, log: log.Named("queue")}, nil
}

// NewWithClient wraps an existing client; tests use it with miniredis.
func NewWithClient(client *redis.Client, log *zap.Logger) *Queue {
	return &Queue{client: client, log: log.Named("queue")}
}

func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, taskList, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. The boolean reports
// whether a task was received.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Task, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, taskList).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// BRPOP returns [list, payload].
	if len(res) != 2 {
		return Task{}, false, fmt.Errorf("%w: unexpected brpop reply", ErrUnavailable)
	}

	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return Task{}, false, fmt.Errorf("malformed task payload: %w", err)
	}
	return task, true, nil
}

// Depth reports pending tasks; commit uses it for backpressure.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, taskList).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return depth, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func registerHooks(lc fx.Lifecycle, q *Queue, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := q.Ping(ctx); err != nil {
				return err
			}
			log.Info("task queue connected")
			return nil
		},
		OnStop: func(context.Context) error {
			return q.Close()
		},
	})
}

var Module = fx.Module("queue",
	fx.Provide(New),
	fx.Invoke(registerHooks),
)
