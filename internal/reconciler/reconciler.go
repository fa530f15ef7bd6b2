// Package reconciler runs the periodic liveness jobs: draining the
// webhook retry queue and re-arming polling for active accounts that
// lost their pending job.
package reconciler

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/poller"
	"github.com/zulandar/switchboard/internal/webhook"
	"gorm.io/gorm"
)

const (
	defaultDrainSpec = "* * * * *"
	defaultSeedSpec  = "*/5 * * * *"
	jobTimeout       = 2 * time.Minute
)

// Reconciler owns the cron schedule for the background liveness jobs.
type Reconciler struct {
	db    *gorm.DB
	queue *webhook.RetryQueue
	store webhook.MessageStore
	sched *poller.Scheduler
	push  map[string]bool
	out   io.Writer
	cron  *cron.Cron
}

// Opts holds parameters for creating a Reconciler.
type Opts struct {
	DB        *gorm.DB
	Queue     *webhook.RetryQueue
	Store     webhook.MessageStore
	Scheduler *poller.Scheduler
	Push      map[string]bool // platforms that deliver via webhook
	DrainSpec string          // cron spec for queue drains (default every minute)
	SeedSpec  string          // cron spec for schedule repair (default every 5 minutes)
	Out       io.Writer       // optional progress output
}

// New creates a Reconciler.
func New(opts Opts) (*Reconciler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("reconciler: db is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("reconciler: retry queue is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("reconciler: store is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("reconciler: scheduler is required")
	}
	if opts.DrainSpec == "" {
		opts.DrainSpec = defaultDrainSpec
	}
	if opts.SeedSpec == "" {
		opts.SeedSpec = defaultSeedSpec
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	r := &Reconciler{
		db:    opts.DB,
		queue: opts.Queue,
		store: opts.Store,
		sched: opts.Scheduler,
		push:  opts.Push,
		out:   out,
		cron:  cron.New(),
	}
	if _, err := r.cron.AddFunc(opts.DrainSpec, r.drainJob); err != nil {
		return nil, fmt.Errorf("reconciler: drain schedule %q: %w", opts.DrainSpec, err)
	}
	if _, err := r.cron.AddFunc(opts.SeedSpec, r.seedJob); err != nil {
		return nil, fmt.Errorf("reconciler: seed schedule %q: %w", opts.SeedSpec, err)
	}
	return r, nil
}

// Start begins the cron schedule.
func (r *Reconciler) Start() { r.cron.Start() }

// Stop halts the schedule and waits for running jobs.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reconciler) drainJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := r.DrainOnce(ctx); err != nil {
		log.Printf("reconciler: drain: %v", err)
	}
}

func (r *Reconciler) seedJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := r.ReseedOnce(ctx); err != nil {
		log.Printf("reconciler: reseed: %v", err)
	}
}

// DrainOnce replays the webhook retry queue once.
func (r *Reconciler) DrainOnce(ctx context.Context) error {
	res, err := r.queue.Drain(ctx, r.store)
	if err != nil {
		return err
	}
	if res.Stored > 0 || res.Requeued > 0 || res.Dropped > 0 {
		fmt.Fprintf(r.out, "webhook retry drain: %d stored, %d requeued, %d dropped\n",
			res.Stored, res.Requeued, res.Dropped)
	}
	return nil
}

// ReseedOnce schedules an immediate poll for every active polled account
// that has no pending job. Accounts with a live timer are left alone so
// the backstop never resets their delays.
func (r *Reconciler) ReseedOnce(ctx context.Context) error {
	var accounts []models.ConnectedAccount
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&accounts).Error; err != nil {
		return fmt.Errorf("reconciler: list accounts: %w", err)
	}

	repaired := 0
	for _, a := range accounts {
		if r.push[a.Platform] || r.sched.Pending(a.ID) {
			continue
		}
		r.sched.Schedule(poller.Job{
			AccountID: a.ID,
			Platform:  a.Platform,
			UserID:    a.UserID,
		}, 0)
		repaired++
	}
	if repaired > 0 {
		fmt.Fprintf(r.out, "schedule repair: re-armed %d account(s)\n", repaired)
	}
	return nil
}
