// Package cron runs topology operations on cron schedules.
//
// A Trigger runs one job on one schedule. It is started once and runs until
// its context is cancelled:
//
//	trigger, err := cron.NewTrigger("0 2 * * *", job, logger)
//	if err != nil {
//	    return err
//	}
//	go trigger.Run(ctx)
package cron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronSpec is returned when the cron specification cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// Schedules are five field expressions; descriptors such as @daily or
// @every 1h are accepted too.
var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is the work a trigger runs.
type Job func(ctx context.Context) error

// Trigger runs a Job according to a cron schedule.
type Trigger struct {
	spec     string
	schedule cron.Schedule
	job      Job
	logger   *slog.Logger
}

// NewTrigger parses spec and creates a trigger for job.
// Returns ErrInvalidCronSpec if the specification cannot be parsed.
func NewTrigger(spec string, job Job, logger *slog.Logger) (*Trigger, error) {
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}
	return &Trigger{
		spec:     spec,
		schedule: schedule,
		job:      job,
		logger:   logger,
	}, nil
}

// Spec returns the schedule expression.
func (t *Trigger) Spec() string {
	return t.spec
}

// NextRun returns the next scheduled run time from now.
func (t *Trigger) NextRun() time.Time {
	return t.schedule.Next(time.Now())
}

// Run blocks, running the job at every scheduled time until ctx is
// cancelled. Runs never overlap: a run that overshoots the next slot delays
// it.
func (t *Trigger) Run(ctx context.Context) {
	for {
		next := t.schedule.Next(time.Now())
		wait := time.Until(next)
		t.logger.Debug("waiting for next scheduled run", "next_run", next, "wait_duration", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.logger.Debug("cron trigger shutting down")
			return
		case <-timer.C:
			t.execute(ctx)
		}
	}
}

func (t *Trigger) execute(ctx context.Context) {
	t.logger.Info("starting scheduled run")
	if err := t.job(ctx); err != nil {
		t.logger.Warn("scheduled run failed", "error", err)
		return
	}
	t.logger.Info("scheduled run submitted")
}
