// Package poller drives periodic message fetches for platforms without
// push delivery. One delayed job exists per account at most; scheduling a
// new job for an account supersedes any still-pending one, which also
// serializes polls per account. Jobs always reschedule themselves — there
// is no terminal stuck state.
package poller

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// DefaultCallTimeout bounds every outbound platform call.
const DefaultCallTimeout = 30 * time.Second

// Job is one account's polling state. Job identity is the account ID.
type Job struct {
	AccountID    string
	Platform     string
	UserID       string
	LastPolledAt time.Time // zero on the first run
}

// Caller runs a platform call under the admission/retry policy.
type Caller interface {
	Do(ctx context.Context, accountID, platform, operation string, fn func(ctx context.Context) error) error
}

// MessageStore persists canonical messages and conversation inventories.
type MessageStore interface {
	StoreMessage(ctx context.Context, accountID string, msg platform.Message) (*models.Message, error)
	SyncConversations(ctx context.Context, accountID string, convs []platform.Conversation) error
}

// CredentialSource supplies a valid bearer credential for an account.
type CredentialSource interface {
	TokenSource(ctx context.Context, accountID string) (oauth2.TokenSource, error)
}

// pending tracks one armed timer. seq detects superseded runs: a fired
// timer aborts if its seq no longer matches the scheduled one.
type pending struct {
	timer *time.Timer
	job   Job
	seq   uint64
}

// Scheduler owns the per-account polling timers.
type Scheduler struct {
	db       *gorm.DB
	registry *platform.Registry
	exec     Caller
	store    MessageStore
	creds    CredentialSource

	interval     time.Duration
	errorBackoff time.Duration
	lookback     time.Duration
	callTimeout  time.Duration
	push         map[string]bool // platforms excluded from polling
	out          io.Writer

	mu      sync.Mutex
	jobs    map[string]*pending
	locks   map[string]*sync.Mutex // per-account poll locks; held for a poll's full duration
	nextSeq uint64
	closed  bool
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	DB            *gorm.DB
	Registry      *platform.Registry
	Exec          Caller
	Store         MessageStore
	Creds         CredentialSource
	Interval      time.Duration   // delay after a normal poll (default 60s)
	ErrorBackoff  time.Duration   // delay after a terminal platform error (default 120s)
	Lookback      time.Duration   // history window for an account's first poll (default 24h)
	CallTimeout   time.Duration   // per-call timeout (default 30s)
	PushPlatforms map[string]bool // platforms that deliver via webhook
	Out           io.Writer       // optional progress output
}

// New creates a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("poller: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("poller: registry is required")
	}
	if opts.Exec == nil {
		return nil, fmt.Errorf("poller: executor is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("poller: store is required")
	}
	if opts.Creds == nil {
		return nil, fmt.Errorf("poller: credential source is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 120 * time.Second
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Scheduler{
		db:           opts.DB,
		registry:     opts.Registry,
		exec:         opts.Exec,
		store:        opts.Store,
		creds:        opts.Creds,
		interval:     opts.Interval,
		errorBackoff: opts.ErrorBackoff,
		lookback:     opts.Lookback,
		callTimeout:  opts.CallTimeout,
		push:         opts.PushPlatforms,
		out:          out,
		jobs:         make(map[string]*pending),
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// accountLock returns the account's poll mutex, creating it on first use.
// Every poll, timer-fired or manual, runs with this lock held: no two
// pollers ever run simultaneously for one account.
func (s *Scheduler) accountLock(accountID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[accountID] = m
	}
	return m
}

// Seed schedules one immediate job per active account whose platform does
// not deliver via push. Safe to call again; existing jobs are superseded.
func (s *Scheduler) Seed(ctx context.Context) error {
	var accounts []models.ConnectedAccount
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&accounts).Error; err != nil {
		return fmt.Errorf("poller: seed: %w", err)
	}
	n := 0
	for _, a := range accounts {
		if s.push[a.Platform] {
			continue
		}
		s.Schedule(Job{AccountID: a.ID, Platform: a.Platform, UserID: a.UserID}, 0)
		n++
	}
	fmt.Fprintf(s.out, "poller: seeded %d account(s)\n", n)
	return nil
}

// Schedule arms a job to run after delay. A pending job for the same
// account is cancelled first: at most one job per account exists, and a
// superseded run that already fired will abort instead of polling.
func (s *Scheduler) Schedule(job Job, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if p, ok := s.jobs[job.AccountID]; ok {
		p.timer.Stop()
	}
	s.nextSeq++
	seq := s.nextSeq
	p := &pending{job: job, seq: seq}
	p.timer = time.AfterFunc(delay, func() { s.run(job, seq) })
	s.jobs[job.AccountID] = p
}

// Remove cancels the account's pending job. Idempotent and immediate: a
// removed account will not poll again unless rescheduled.
func (s *Scheduler) Remove(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.jobs[accountID]; ok {
		p.timer.Stop()
		delete(s.jobs, accountID)
	}
}

// Pending reports whether the account has a scheduled or in-flight job.
func (s *Scheduler) Pending(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[accountID]
	return ok
}

// PendingCount returns how many accounts currently have a job scheduled.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close cancels all timers. The scheduler accepts no new jobs afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, p := range s.jobs {
		p.timer.Stop()
		delete(s.jobs, id)
	}
}

// run executes one fired job and re-arms it per the outcome policy. The
// account lock is taken before the seq check: a run that waited out a
// manual sync sees itself superseded and aborts instead of polling again.
func (s *Scheduler) run(job Job, seq uint64) {
	l := s.accountLock(job.AccountID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	p, ok := s.jobs[job.AccountID]
	if !ok || p.seq != seq {
		// Superseded or removed while the timer was firing.
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx := context.Background()
	next, delay := s.pollOnce(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	cur, ok := s.jobs[job.AccountID]
	if !ok || cur.seq != seq {
		// Removed or superseded mid-flight; the newer schedule wins.
		return
	}
	if !s.accountActive(job.AccountID) {
		delete(s.jobs, job.AccountID)
		fmt.Fprintf(s.out, "poller: account %s inactive, removed from schedule\n", job.AccountID)
		return
	}
	s.nextSeq++
	nseq := s.nextSeq
	np := &pending{job: next, seq: nseq}
	np.timer = time.AfterFunc(delay, func() { s.run(next, nseq) })
	s.jobs[job.AccountID] = np
}

// pollOnce performs one fetch-and-store pass and returns the follow-up job
// plus the reschedule delay. It never returns a zero delay policy: success
// and storage failures use the normal interval, a rate limit uses the
// reported retry-after, and a terminal platform error uses the longer
// fixed backoff.
func (s *Scheduler) pollOnce(ctx context.Context, job Job) (Job, time.Duration) {
	polledAt := time.Now()
	_, err := s.fetchAndStore(ctx, job)

	next := job
	switch {
	case err == nil:
		next.LastPolledAt = polledAt
		return next, s.interval
	default:
		if retryAfter, ok := platform.IsRateLimit(err); ok {
			log.Printf("poller: %s rate limited, next poll in %s", job.AccountID, retryAfter)
			return next, retryAfter
		}
		log.Printf("poller: %s poll failed, next poll in %s: %v", job.AccountID, s.errorBackoff, err)
		return next, s.errorBackoff
	}
}

// fetchAndStore fetches messages since the job's cursor and stores each
// one. A failure to store one message is logged and does not abort the
// rest; the poll itself still counts as failed only when the fetch fails.
func (s *Scheduler) fetchAndStore(ctx context.Context, job Job) (int, error) {
	adapter, err := s.registry.Get(job.Platform)
	if err != nil {
		return 0, err
	}
	creds, err := s.creds.TokenSource(ctx, job.AccountID)
	if err != nil {
		return 0, fmt.Errorf("poller: credentials for %s: %w", job.AccountID, err)
	}

	since := job.LastPolledAt
	if since.IsZero() {
		since = time.Now().Add(-s.lookback)
		s.syncConversations(ctx, job, adapter, creds)
	}

	var msgs []platform.Message
	err = s.exec.Do(ctx, job.AccountID, job.Platform, "fetch_messages", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		var ferr error
		msgs, ferr = adapter.FetchMessages(callCtx, creds, since)
		return ferr
	})
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, m := range msgs {
		if _, serr := s.store.StoreMessage(ctx, job.AccountID, m); serr != nil {
			log.Printf("poller: store message %s/%s: %v", job.AccountID, m.PlatformMessageID, serr)
			continue
		}
		stored++
	}
	return stored, nil
}

// syncConversations pulls the account's thread inventory on its first
// poll, so conversations carry participant names before any message
// arrives. Strictly best-effort: a failure logs and the poll proceeds.
func (s *Scheduler) syncConversations(ctx context.Context, job Job, adapter platform.Adapter, creds oauth2.TokenSource) {
	var convs []platform.Conversation
	err := s.exec.Do(ctx, job.AccountID, job.Platform, "get_conversations", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
		var gerr error
		convs, gerr = adapter.GetConversations(callCtx, creds)
		return gerr
	})
	if err != nil {
		log.Printf("poller: fetch conversations for %s: %v", job.AccountID, err)
		return
	}
	if err := s.store.SyncConversations(ctx, job.AccountID, convs); err != nil {
		log.Printf("poller: sync conversations for %s: %v", job.AccountID, err)
	}
}

// accountActive checks the account row; a DB error counts as active so an
// outage never silently stops polling.
func (s *Scheduler) accountActive(accountID string) bool {
	var account models.ConnectedAccount
	if err := s.db.First(&account, "id = ?", accountID).Error; err != nil {
		log.Printf("poller: active check for %s: %v", accountID, err)
		return true
	}
	return account.IsActive
}
