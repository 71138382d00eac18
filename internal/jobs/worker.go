package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/store"
	"reportkit/api/internal/util"
)

// Run starts the worker pool and a stale-job reaper, and blocks until ctx is
// cancelled and every worker has returned.
func (o *Orchestrator) Run(ctx context.Context) {
	log := o.logger.WithFields(logrus.Fields{"component": "jobs", "workers": o.cfg.Workers})
	log.WithField("poll_interval", o.cfg.PollInterval.String()).Info("job workers starting")

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.work(ctx, i)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.reap(ctx)
	}()
	wg.Wait()
	log.Info("job workers stopped")
}

func (o *Orchestrator) work(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		claimed, err := o.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			o.logger.WithFields(logrus.Fields{"component": "jobs", "worker": worker}).WithError(err).Error("claim job")
		}
		if claimed {
			timer.Reset(0)
			continue
		}
		timer.Reset(o.cfg.PollInterval)
	}
}

// reap requeues jobs left running by a worker that died mid-execution.
func (o *Orchestrator) reap(ctx context.Context) {
	interval := o.cfg.Timeout
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.reapOnce(ctx); err != nil && ctx.Err() == nil {
				o.logger.WithField("component", "jobs").WithError(err).Error("requeue stale jobs")
			}
		}
	}
}

// reapOnce sweeps jobs running for longer than twice the job timeout. A job
// that was already on its last attempt fails instead of running again.
func (o *Orchestrator) reapOnce(ctx context.Context) error {
	stale, err := o.store.RequeueStaleJobs(ctx, o.now().Add(-2*o.cfg.Timeout), "worker stopped responding")
	if err != nil {
		return err
	}
	requeued := 0
	for _, job := range stale {
		if job.Status != store.JobFailed {
			requeued++
			continue
		}
		jobsFinished.WithLabelValues(job.Type, store.JobFailed).Inc()
		o.logger.WithFields(logrus.Fields{
			"component": "jobs",
			"job_id":    job.ID,
			"report_id": job.ReportID,
			"attempt":   job.AttemptCount,
		}).Error("stale job failed; attempts exhausted")
		if o.hooks != nil {
			o.hooks.JobFailed(ctx, job)
		}
	}
	if requeued > 0 {
		o.logger.WithFields(logrus.Fields{"component": "jobs", "count": requeued}).Warn("requeued stale jobs")
	}
	return nil
}

// RunOnce claims and executes at most one due job. It reports whether a job
// was claimed.
func (o *Orchestrator) RunOnce(ctx context.Context) (bool, error) {
	job, err := o.store.ClaimJob(ctx, o.now())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	o.execute(ctx, job)
	return true, nil
}

func (o *Orchestrator) execute(ctx context.Context, job store.Job) {
	log := o.logger.WithFields(logrus.Fields{
		"component": "jobs",
		"job_id":    job.ID,
		"report_id": job.ReportID,
		"type":      job.Type,
		"attempt":   job.AttemptCount,
	})
	// Bookkeeping survives shutdown so a finished render is not lost.
	bookCtx := context.WithoutCancel(ctx)

	started := o.now()
	asset, runErr := o.runHandler(ctx, job)
	jobDuration.WithLabelValues(job.Type).Observe(o.now().Sub(started).Seconds())

	if runErr == nil {
		if asset.ID == "" {
			asset.ID = util.NewID("ast")
		}
		asset.JobID = job.ID
		asset.ReportID = job.ReportID
		done, err := o.store.CompleteJob(bookCtx, job.ID, asset)
		if err == nil {
			jobsFinished.WithLabelValues(job.Type, store.JobSucceeded).Inc()
			log.WithField("asset_id", asset.ID).Info("job succeeded")
			if o.hooks != nil {
				o.hooks.JobSucceeded(bookCtx, done, asset)
			}
			return
		}
		runErr = fmt.Errorf("record result: %w", err)
	}

	// A run cut short by shutdown does not count against the job.
	if ctx.Err() != nil {
		if _, err := o.store.ReleaseJob(bookCtx, job.ID); err != nil {
			log.WithError(err).Error("release job on shutdown")
			return
		}
		log.WithError(runErr).Info("job released on shutdown")
		return
	}

	message := runErr.Error()
	if job.AttemptCount < job.MaxAttempts {
		next := o.now().Add(Backoff(job.AttemptCount, o.cfg.BackoffBase, o.cfg.BackoffMax))
		if _, err := o.store.RetryJob(bookCtx, job.ID, next, message); err != nil {
			log.WithError(err).Error("schedule job retry")
			return
		}
		jobsRetried.WithLabelValues(job.Type).Inc()
		log.WithFields(logrus.Fields{"next_attempt_at": next, "error": message}).Warn("job attempt failed; retrying")
		return
	}

	failed, err := o.store.FailJob(bookCtx, job.ID, message)
	if err != nil {
		log.WithError(err).Error("mark job failed")
		return
	}
	jobsFinished.WithLabelValues(job.Type, store.JobFailed).Inc()
	log.WithField("error", message).Error("job failed")
	if o.hooks != nil {
		o.hooks.JobFailed(bookCtx, failed)
	}
}

func (o *Orchestrator) runHandler(ctx context.Context, job store.Job) (asset store.Asset, err error) {
	handler, ok := o.handlers[job.Type]
	if !ok {
		return store.Asset{}, fmt.Errorf("no handler for job type %q", job.Type)
	}
	var snapshot store.Snapshot
	if err := json.Unmarshal(job.Snapshot, &snapshot); err != nil {
		return store.Asset{}, fmt.Errorf("decode snapshot: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Run(runCtx, job, snapshot)
}

// Backoff returns base * 2^(attempt-1), capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > ceiling || delay <= 0 {
		return ceiling
	}
	return delay
}
