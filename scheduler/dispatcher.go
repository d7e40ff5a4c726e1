package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/observability"
)

// Executor runs one job type. Implementations are registered at startup
// with their dependencies already injected.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// Dispatcher polls the queue and fans claimed jobs out to executors. Per-type
// semaphores cap concurrency; claim quotas subtract jobs already running so a
// crashed-and-restarted dispatcher never oversubscribes a type.
type Dispatcher struct {
	repo      Repository
	executors map[string]Executor
	sems      map[string]*semaphore.Weighted
	breakers  *BreakerRegistry
	breakered map[string]bool
	cfg       config.SchedulerConfig

	typeOrder []string
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewDispatcher builds the dispatcher from an explicit job_type → executor
// table. breakeredTypes lists the types whose executors run under the
// per-workspace circuit breaker.
func NewDispatcher(repo Repository, executors map[string]Executor, breakers *BreakerRegistry, breakeredTypes []string, cfg config.SchedulerConfig) *Dispatcher {
	sems := make(map[string]*semaphore.Weighted, len(executors))
	order := make([]string, 0, len(executors))
	for jobType := range executors {
		cap := cfg.MaxConcurrency[jobType]
		if cap <= 0 {
			cap = 1
		}
		sems[jobType] = semaphore.NewWeighted(int64(cap))
		order = append(order, jobType)
	}
	// Tipos con mayor prioridad reclaman primero.
	sort.Slice(order, func(i, j int) bool {
		pi, pj := cfg.Priorities[order[i]], cfg.Priorities[order[j]]
		if pi != pj {
			return pi > pj
		}
		return order[i] < order[j]
	})

	protected := make(map[string]bool, len(breakeredTypes))
	for _, t := range breakeredTypes {
		protected[t] = true
	}

	return &Dispatcher{
		repo:      repo,
		executors: executors,
		sems:      sems,
		breakers:  breakers,
		breakered: protected,
		cfg:       cfg,
		typeOrder: order,
	}
}

// Start runs the poll loop until Stop is called or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.poll(ctx)
			}
		}
	}()
	logrus.WithField("interval", d.cfg.PollInterval).Info("[Scheduler] Dispatcher started")
}

// Stop cancels the loop and waits for in-flight jobs.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	logrus.Info("[Scheduler] Dispatcher stopped")
}

func (d *Dispatcher) poll(ctx context.Context) {
	for _, jobType := range d.typeOrder {
		cap := d.cfg.MaxConcurrency[jobType]
		if cap <= 0 {
			cap = 1
		}
		running, err := d.repo.RunningCount(ctx, jobType)
		if err != nil {
			logrus.WithError(err).WithField("job_type", jobType).Error("[Scheduler] Running count failed")
			continue
		}
		quota := cap - int(running)
		if quota <= 0 {
			continue
		}

		jobs, err := d.repo.Claim(ctx, jobType, quota)
		if err != nil {
			logrus.WithError(err).WithField("job_type", jobType).Error("[Scheduler] Claim failed")
			continue
		}
		for _, job := range jobs {
			d.wg.Add(1)
			go func(job Job) {
				defer d.wg.Done()
				d.run(ctx, job)
			}(job)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	sem := d.sems[job.JobType]
	if err := sem.Acquire(ctx, 1); err != nil {
		// Shutdown while waiting: leave the job in processing, the next
		// restart requeues stale claims.
		return
	}
	defer sem.Release(1)

	observability.JobsRunning.WithLabelValues(job.JobType).Inc()
	defer observability.JobsRunning.WithLabelValues(job.JobType).Dec()

	start := time.Now()
	err := d.execute(ctx, job)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	observability.JobDuration.WithLabelValues(job.JobType, outcome).Observe(time.Since(start).Seconds())

	log := logrus.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"job_type":  job.JobType,
		"workspace": observability.WorkspaceHash(job.WorkspaceID),
		"retries":   job.Retries,
	})

	if err == nil {
		if mErr := d.repo.MarkCompleted(ctx, job.ID); mErr != nil {
			log.WithError(mErr).Error("[Scheduler] Mark completed failed")
		}
		log.WithField("duration", time.Since(start)).Debug("[Scheduler] Job completed")
		return
	}

	// max_retries cuenta reintentos: un job con max_retries=2 corre tres veces.
	newRetries := job.Retries + 1
	if newRetries > job.MaxRetries {
		if mErr := d.repo.MarkFailed(ctx, job.ID, err.Error()); mErr != nil {
			log.WithError(mErr).Error("[Scheduler] Mark failed failed")
		}
		observability.JobsDLQ.WithLabelValues(job.JobType).Inc()
		log.WithError(err).Warn("[Scheduler] Job exhausted retries, moved to DLQ")
		return
	}

	delay := d.retryDelay(job, newRetries)
	if mErr := d.repo.MarkRetry(ctx, job.ID, time.Now().Add(delay), err.Error()); mErr != nil {
		log.WithError(mErr).Error("[Scheduler] Mark retry failed")
	}
	observability.JobRetries.WithLabelValues(job.JobType).Inc()
	log.WithError(err).WithField("next_in", delay).Info("[Scheduler] Job scheduled for retry")
}

// retryDelay honors the backoff the row carries; jobs enqueued without one
// fall back to the global scheduler config.
func (d *Dispatcher) retryDelay(job Job, retries int) time.Duration {
	base := job.BackoffBaseSeconds
	if base <= 0 {
		base = d.cfg.BackoffBaseSeconds
	}
	factor := job.BackoffFactor
	if factor < 1 {
		factor = d.cfg.BackoffFactor
	}
	jitter := job.JitterSeconds
	if jitter <= 0 {
		jitter = d.cfg.JitterSeconds
	}
	return NextRetryDelay(
		time.Duration(base)*time.Second,
		factor,
		time.Duration(jitter)*time.Second,
		retries,
	)
}

func (d *Dispatcher) execute(ctx context.Context, job Job) error {
	executor, ok := d.executors[job.JobType]
	if !ok {
		return errors.New("no executor registered for job type " + job.JobType)
	}
	if d.breakers != nil && d.breakered[job.JobType] {
		return d.breakers.Execute(job.WorkspaceID, func() error {
			return executor.Execute(ctx, job)
		})
	}
	return executor.Execute(ctx, job)
}
