package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/events"
	"github.com/tsukimori/mangahive/internal/queue"
	"github.com/tsukimori/mangahive/internal/scrape"
)

// Worker consumes one lane of the task queue and drives jobs through their
// lifecycle.
type Worker struct {
	lane      queue.Lane
	queue     queue.Provider
	store     Store
	executor  *Executor
	publisher scrape.Publisher
	clock     scrape.Clock
	logger    *zap.Logger
}

// NewWorker wires a worker for one lane.
func NewWorker(
	lane queue.Lane,
	q queue.Provider,
	st Store,
	executor *Executor,
	publisher scrape.Publisher,
	clock scrape.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = scrape.SystemClock{}
	}
	return &Worker{
		lane:      lane,
		queue:     q,
		store:     st,
		executor:  executor,
		publisher: publisher,
		clock:     clock,
		logger:    logger.With(zap.String("lane", string(lane))),
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx, w.lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task queue.Task) {
	logger := w.logger.With(zap.Int64("job_id", task.JobID), zap.String("execution_id", task.ExecutionID))

	revoked, err := w.queue.IsRevoked(ctx, task.ExecutionID)
	if err != nil {
		logger.Error("revocation check failed", zap.Error(err))
	}
	if revoked {
		logger.Info("dropping revoked task")
		if _, err := w.store.CancelJob(ctx, task.JobID, w.clock.Now()); err != nil {
			logger.Error("cancel revoked job failed", zap.Error(err))
		}
		return
	}

	claimed, err := w.store.ClaimJob(ctx, task.JobID, task.ExecutionID, w.clock.Now())
	if err != nil {
		logger.Error("claim failed", zap.Error(err))
		return
	}
	if !claimed {
		// Another worker won, or the job was cancelled mid-flight.
		logger.Info("job not claimable, skipping")
		return
	}

	job, err := w.store.GetJob(ctx, task.JobID)
	if err != nil {
		logger.Error("load job failed", zap.Error(err))
		return
	}

	started := w.clock.Now()
	outcome := w.executor.Execute(ctx, job)
	logger.Info("job executed",
		zap.String("type", string(job.Type)),
		zap.Duration("took", w.clock.Now().Sub(started)))

	w.settle(ctx, job, outcome, logger)
}

func (w *Worker) settle(ctx context.Context, job scrape.Job, outcome Outcome, logger *zap.Logger) {
	switch outcome.kind {
	case outcomeCompleted:
		if err := w.store.CompleteJob(ctx, job.ID, outcome.result, outcome.processed, w.clock.Now()); err != nil {
			logger.Error("complete job failed", zap.Error(err))
			return
		}
		w.finish(ctx, job, scrape.JobStatusCompleted, "")

	case outcomeRetry:
		if job.RetryCount >= job.MaxRetries {
			w.fail(ctx, job, outcome.Err(), logger)
			return
		}
		logger.Warn("job will retry",
			zap.Int("retry_count", job.RetryCount+1),
			zap.Int("max_retries", job.MaxRetries),
			zap.Error(outcome.Err()))
		if err := w.store.ScheduleJobRetry(ctx, job.ID, outcome.Err().Error()); err != nil {
			logger.Error("schedule retry failed", zap.Error(err))
			return
		}
		w.requeueAfter(ctx, job, outcome.retryAfter, logger)

	case outcomeFailed:
		w.fail(ctx, job, outcome.Err(), logger)
	}
}

func (w *Worker) fail(ctx context.Context, job scrape.Job, cause error, logger *zap.Logger) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	logger.Error("job failed permanently", zap.Error(cause))
	if err := w.store.FailJob(ctx, job.ID, message, fmt.Sprintf("%+v", cause), w.clock.Now()); err != nil {
		logger.Error("fail job failed", zap.Error(err))
		return
	}
	w.finish(ctx, job, scrape.JobStatusFailed, message)
}

// requeueAfter re-enqueues the job on its original lane once the backoff
// elapses. The wait is context-aware so shutdown is not delayed; a job parked
// in retry state is picked up by the next maintenance sweep if the process
// dies first.
func (w *Worker) requeueAfter(ctx context.Context, job scrape.Job, delay time.Duration, logger *zap.Logger) {
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		handle, err := w.queue.Enqueue(ctx, queue.Task{
			Type:  job.Type,
			Lane:  w.lane,
			JobID: job.ID,
			Args:  job.InputData,
		})
		if err != nil {
			logger.Error("retry enqueue failed", zap.Error(err))
			return
		}
		if err := w.store.StampJobExecution(ctx, job.ID, handle); err != nil {
			logger.Error("retry stamp failed", zap.Error(err))
		}
	}()
}

func (w *Worker) finish(ctx context.Context, job scrape.Job, status scrape.JobStatus, errMessage string) {
	scrape.JobsFinished.WithLabelValues(string(status)).Inc()
	if w.publisher == nil {
		return
	}
	event := events.JobEvent{
		JobID:       job.ID,
		ExecutionID: job.ExecutionID,
		Type:        job.Type,
		Status:      status,
		SeriesID:    job.SeriesID,
		ChapterID:   job.ChapterID,
		Error:       errMessage,
		At:          w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, event); err != nil {
		w.logger.Warn("event publish failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

// Pool fans workers out over lanes, n workers per lane.
type Pool struct {
	workers []*Worker
}

// NewPool builds per-lane workers. Counts maps each lane to its worker
// count; lanes absent from the map get none.
func NewPool(
	counts map[queue.Lane]int,
	q queue.Provider,
	st Store,
	executor *Executor,
	publisher scrape.Publisher,
	clock scrape.Clock,
	logger *zap.Logger,
) *Pool {
	var workers []*Worker
	for lane, n := range counts {
		for i := 0; i < n; i++ {
			workers = append(workers, NewWorker(lane, q, st, executor, publisher, clock, logger))
		}
	}
	return &Pool{workers: workers}
}

// Run starts all workers and blocks until the context finishes and every
// worker returns.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}
