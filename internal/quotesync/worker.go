package quotesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/agentworkforce/quotesync/internal/logging"
)

const DefaultPollInterval = 2 * time.Second

// JobRunner executes one claimed job. *Service implements it.
type JobRunner interface {
	RunJob(ctx context.Context, job SyncJob) error
}

type WorkerPoolOptions struct {
	Store        JobStore
	Runner       JobRunner
	PollInterval time.Duration
	Logger       logging.Logger
	Metrics      *Metrics
}

// WorkerPool drains every shard on its own singleton gocron job, so a slow
// shard never delays the others and a shard never runs twice at once.
type WorkerPool struct {
	store    JobStore
	runner   JobRunner
	interval time.Duration
	log      logging.Logger
	metrics  *Metrics

	mu        sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

func NewWorkerPool(opts WorkerPoolOptions) (*WorkerPool, error) {
	if opts.Store == nil || opts.Runner == nil {
		return nil, fmt.Errorf("%w: store and runner are required", ErrInvalidInput)
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &WorkerPool{
		store:    opts.Store,
		runner:   opts.Runner,
		interval: interval,
		log:      log,
		metrics:  opts.Metrics,
	}, nil
}

func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduler != nil {
		return fmt.Errorf("%w: worker pool already started", ErrInvalidState)
	}
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	for shard := 0; shard < p.store.Shards(); shard++ {
		shard := shard
		_, err := scheduler.NewJob(
			gocron.DurationJob(p.interval),
			gocron.NewTask(func() {
				if _, err := p.DrainShard(runCtx, shard); err != nil && !errors.Is(err, context.Canceled) {
					p.log.Error(runCtx, "drain shard failed", "shard", shard, "error", err)
				}
			}),
			gocron.WithName(fmt.Sprintf("shard-%d", shard)),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			_ = scheduler.Shutdown()
			return fmt.Errorf("schedule shard %d: %w", shard, err)
		}
	}
	scheduler.Start()
	p.scheduler = scheduler
	p.cancel = cancel
	p.log.Info(ctx, "sync workers started", "shards", p.store.Shards(), "poll_interval", p.interval.String())
	return nil
}

func (p *WorkerPool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduler == nil {
		return nil
	}
	p.cancel()
	err := p.scheduler.Shutdown()
	p.scheduler = nil
	return err
}

// DrainShard claims and runs jobs from shard until it is empty or ctx is
// done. A failed job is recorded as FAILED and the drain continues.
func (p *WorkerPool) DrainShard(ctx context.Context, shard int) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		job, err := p.store.Claim(ctx, shard)
		if errors.Is(err, ErrNotFound) {
			return processed, nil
		}
		if err != nil {
			return processed, fmt.Errorf("claim job on shard %d: %w", shard, err)
		}
		status, errMsg := JobSucceeded, ""
		if runErr := p.runner.RunJob(ctx, job); runErr != nil {
			status, errMsg = JobFailed, runErr.Error()
			p.log.Warn(ctx, "sync job failed",
				"shard", shard, "job_id", job.ID, "user_id", job.UserID, "source_id", job.SourceID, "error", runErr)
		}
		// Record the outcome even when ctx was cancelled mid-run.
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
		err = p.store.Finish(finishCtx, job, status, errMsg)
		cancel()
		if err != nil {
			return processed, fmt.Errorf("finish job %s: %w", job.ID, err)
		}
		p.metrics.observeJob(shard, status)
		processed++
	}
}
