package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/marketdash/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const dequeueTimeout = 5 * time.Second

// Runner pulls tasks off the broker and dispatches them to the worker until
// its context is cancelled.
type Runner struct {
	worker *Worker
	queue  *queue.Queue
	log    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(w *Worker, q *queue.Queue, log *zap.Logger) *Runner {
	return &Runner{worker: w, queue: q, log: log.Named("ingest.runner")}
}

// Run blocks on the queue until ctx is cancelled. A task that errors is
// logged and dropped; retry policy lives with the task handlers, not here.
func (r *Runner) Run(ctx context.Context) {
	for {
		task, ok, err := r.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if depth, derr := r.queue.Depth(ctx); derr == nil {
			r.worker.metrics.QueueDepth.Set(float64(depth))
		}
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if err := r.dispatch(ctx, task); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("task failed",
				zap.String("kind", task.Kind),
				zap.String("job_id", task.JobID),
				zap.Int("chunk_index", task.ChunkIndex),
				zap.Error(err),
			)
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, task queue.Task) error {
	switch task.Kind {
	case queue.KindProcessJob:
		return r.worker.ProcessJob(ctx, task)
	case queue.KindSplitJob:
		return r.worker.SplitJob(ctx, task)
	case queue.KindProcessChunk:
		return r.worker.ProcessChunk(ctx, task)
	default:
		r.log.Warn("dropping task of unknown kind", zap.String("kind", task.Kind))
		return nil
	}
}

func (r *Runner) start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.log.Info("ingestion runner started")
		r.Run(ctx)
	}()
}

func (r *Runner) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("ingestion runner stopped")
}

func registerRunner(lc fx.Lifecycle, r *Runner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.start()
			return nil
		},
		OnStop: func(context.Context) error {
			r.stop()
			return nil
		},
	})
}

var Module = fx.Module("ingest",
	fx.Provide(NewWorker, NewRunner),
	fx.Invoke(registerRunner),
)
