package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"golang.org/x/oauth2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// passExec invokes fn directly; it can be scripted to fail instead.
type passExec struct {
	mu   sync.Mutex
	errs map[string]error // accountID -> forced error
}

func (p *passExec) Do(ctx context.Context, accountID, platformName, operation string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	err := p.errs[accountID]
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(ctx)
}

// recordingStore collects stored messages and signals arrivals.
type recordingStore struct {
	mu     sync.Mutex
	stored []platform.Message
	convs  []platform.Conversation
	ch     chan platform.Message
}

func newRecordingStore() *recordingStore {
	return &recordingStore{ch: make(chan platform.Message, 64)}
}

func (r *recordingStore) StoreMessage(ctx context.Context, accountID string, msg platform.Message) (*models.Message, error) {
	r.mu.Lock()
	r.stored = append(r.stored, msg)
	r.mu.Unlock()
	r.ch <- msg
	return &models.Message{ID: uuid.NewString()}, nil
}

func (r *recordingStore) SyncConversations(ctx context.Context, accountID string, convs []platform.Conversation) error {
	r.mu.Lock()
	r.convs = append(r.convs, convs...)
	r.mu.Unlock()
	return nil
}

func (r *recordingStore) syncedConvs() []platform.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]platform.Conversation(nil), r.convs...)
}

// staticCreds returns the same token for every account.
type staticCreds struct{}

func (staticCreds) TokenSource(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-" + accountID}), nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.ConnectedAccount{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func createAccount(t *testing.T, db *gorm.DB, userID, platformName string, active bool) *models.ConnectedAccount {
	t.Helper()
	a := &models.ConnectedAccount{
		ID:             uuid.NewString(),
		UserID:         userID,
		Platform:       platformName,
		PlatformUserID: "pu-" + userID,
		Credential:     "sealed",
		IsActive:       active,
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

type testRig struct {
	sched   *Scheduler
	db      *gorm.DB
	adapter *platform.MockAdapter
	exec    *passExec
	store   *recordingStore
}

func newTestRig(t *testing.T, opts Opts) *testRig {
	t.Helper()
	rig := &testRig{
		db:      openTestDB(t),
		adapter: platform.NewMockAdapter("slack"),
		exec:    &passExec{errs: map[string]error{}},
		store:   newRecordingStore(),
	}
	reg, err := platform.NewRegistry(rig.adapter)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	opts.DB = rig.db
	opts.Registry = reg
	opts.Exec = rig.exec
	opts.Store = rig.store
	opts.Creds = staticCreds{}
	rig.sched, err = New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rig.sched.Close)
	return rig
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestSchedule_OneJobPerAccount(t *testing.T) {
	rig := newTestRig(t, Opts{})
	job := Job{AccountID: "a1", Platform: "slack", UserID: "alice"}

	rig.sched.Schedule(job, time.Hour)
	rig.sched.Schedule(job, time.Hour)
	rig.sched.Schedule(job, time.Hour)

	if n := rig.sched.PendingCount(); n != 1 {
		t.Errorf("PendingCount = %d, want 1 (supersede, not stack)", n)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	rig := newTestRig(t, Opts{})
	rig.sched.Schedule(Job{AccountID: "a1", Platform: "slack"}, time.Hour)

	rig.sched.Remove("a1")
	rig.sched.Remove("a1") // second remove is a no-op
	rig.sched.Remove("never-scheduled")

	if rig.sched.Pending("a1") {
		t.Error("job still pending after Remove")
	}
}

func TestRun_StoresAndReschedules(t *testing.T) {
	rig := newTestRig(t, Opts{Interval: time.Hour})
	acct := createAccount(t, rig.db, "alice", "slack", true)
	rig.adapter.QueueFetch([]platform.Message{
		{PlatformConversationID: "c1", PlatformMessageID: "m1", Content: "hi"},
	}, nil)

	rig.sched.Schedule(Job{AccountID: acct.ID, Platform: "slack", UserID: "alice"}, time.Millisecond)

	select {
	case msg := <-rig.store.ch:
		if msg.PlatformMessageID != "m1" {
			t.Errorf("stored message = %q", msg.PlatformMessageID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll never stored the fetched message")
	}

	// Liveness: exactly one future job remains for the account.
	waitFor(t, func() bool { return rig.sched.Pending(acct.ID) })
	if n := rig.sched.PendingCount(); n != 1 {
		t.Errorf("PendingCount = %d, want 1", n)
	}
}

func TestRun_InactiveAccountLeavesSchedule(t *testing.T) {
	rig := newTestRig(t, Opts{Interval: time.Hour})
	acct := createAccount(t, rig.db, "alice", "slack", false)

	rig.sched.Schedule(Job{AccountID: acct.ID, Platform: "slack", UserID: "alice"}, time.Millisecond)

	waitFor(t, func() bool { return !rig.sched.Pending(acct.ID) })
}

func TestPollOnce_DelayPolicy(t *testing.T) {
	rig := newTestRig(t, Opts{Interval: 60 * time.Second, ErrorBackoff: 120 * time.Second})
	acct := createAccount(t, rig.db, "alice", "slack", true)
	job := Job{AccountID: acct.ID, Platform: "slack", UserID: "alice"}
	ctx := context.Background()

	// Success: normal interval, cursor advances.
	before := time.Now()
	next, delay := rig.sched.pollOnce(ctx, job)
	if delay != 60*time.Second {
		t.Errorf("success delay = %v, want 60s", delay)
	}
	if next.LastPolledAt.Before(before) {
		t.Errorf("LastPolledAt = %v not advanced", next.LastPolledAt)
	}

	// Rate limit: the reported retry-after wins over the default.
	rig.exec.errs[acct.ID] = &platform.RateLimitError{Platform: "slack", RetryAfter: 37 * time.Second}
	next, delay = rig.sched.pollOnce(ctx, job)
	if delay != 37*time.Second {
		t.Errorf("rate-limited delay = %v, want 37s", delay)
	}
	if !next.LastPolledAt.IsZero() {
		t.Error("cursor advanced on failed poll")
	}

	// Terminal platform error: longer fixed backoff, never zero.
	rig.exec.errs[acct.ID] = &platform.APIError{Platform: "slack", StatusCode: 401, Message: "revoked"}
	_, delay = rig.sched.pollOnce(ctx, job)
	if delay != 120*time.Second {
		t.Errorf("terminal-error delay = %v, want 120s", delay)
	}
}

func TestPollOnce_FirstRunLookback(t *testing.T) {
	rig := newTestRig(t, Opts{Lookback: 24 * time.Hour})
	acct := createAccount(t, rig.db, "alice", "slack", true)

	rig.sched.pollOnce(context.Background(), Job{AccountID: acct.ID, Platform: "slack"})

	calls := rig.adapter.FetchCalls()
	if len(calls) != 1 {
		t.Fatalf("fetch calls = %d, want 1", len(calls))
	}
	want := time.Now().Add(-24 * time.Hour)
	if diff := calls[0].Sub(want); diff < -time.Minute || diff > time.Minute {
		t.Errorf("first-run since = %v, want ~%v", calls[0], want)
	}
}

func TestPollOnce_UsesCursorAfterFirstRun(t *testing.T) {
	rig := newTestRig(t, Opts{})
	acct := createAccount(t, rig.db, "alice", "slack", true)
	cursor := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	rig.sched.pollOnce(context.Background(), Job{AccountID: acct.ID, Platform: "slack", LastPolledAt: cursor})

	calls := rig.adapter.FetchCalls()
	if len(calls) != 1 || !calls[0].Equal(cursor) {
		t.Errorf("since = %v, want cursor %v", calls, cursor)
	}
}

func TestSeed_ActiveNonPushOnly(t *testing.T) {
	rig := newTestRig(t, Opts{PushPlatforms: map[string]bool{"discord": true}})
	polled := createAccount(t, rig.db, "alice", "slack", true)
	pushed := createAccount(t, rig.db, "alice", "discord", true)
	inactive := createAccount(t, rig.db, "bob", "slack", false)

	if err := rig.sched.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if !rig.sched.Pending(polled.ID) {
		t.Error("active poll-platform account not seeded")
	}
	if rig.sched.Pending(pushed.ID) {
		t.Error("push-platform account seeded for polling")
	}
	if rig.sched.Pending(inactive.ID) {
		t.Error("inactive account seeded")
	}
}

func TestSyncNow_PerAccountSummaries(t *testing.T) {
	rig := newTestRig(t, Opts{Interval: time.Hour})
	ok := createAccount(t, rig.db, "alice", "slack", true)
	failing := createAccount(t, rig.db, "alice", "slack", true)
	createAccount(t, rig.db, "bob", "slack", true) // other user's account, must be excluded

	rig.adapter.QueueFetch([]platform.Message{
		{PlatformConversationID: "c1", PlatformMessageID: "m1", Content: "hello"},
	}, nil)
	rig.exec.errs[failing.ID] = &platform.APIError{Platform: "slack", StatusCode: 401, Message: "revoked"}

	results, err := rig.sched.SyncNow(context.Background(), "alice")
	if err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (only alice's accounts)", len(results))
	}

	byAccount := map[string]AccountSyncResult{}
	for _, r := range results {
		byAccount[r.AccountID] = r
	}
	if r := byAccount[ok.ID]; !r.OK || r.Error != "" {
		t.Errorf("ok account result = %+v", r)
	}
	if r := byAccount[failing.ID]; r.OK || r.Error == "" {
		t.Errorf("failing account result = %+v, want error message", r)
	}

	// Both accounts end up with exactly one scheduled follow-up.
	if !rig.sched.Pending(ok.ID) || !rig.sched.Pending(failing.ID) {
		t.Error("SyncNow did not reschedule polled accounts")
	}
}

// blockingExec parks every call until released and tracks how many run at
// once.
type blockingExec struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	entered  chan struct{}
	release  chan struct{}
}

func newBlockingExec() *blockingExec {
	return &blockingExec{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blockingExec) Do(ctx context.Context, accountID, platformName, operation string, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	b.inFlight++
	if b.inFlight > b.peak {
		b.peak = b.inFlight
	}
	b.mu.Unlock()
	b.entered <- struct{}{}
	<-b.release
	b.mu.Lock()
	b.inFlight--
	b.mu.Unlock()
	return fn(ctx)
}

func (b *blockingExec) peakInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

func TestSyncNow_SerializesWithInFlightPoll(t *testing.T) {
	rig := newTestRig(t, Opts{Interval: time.Hour})
	exec := newBlockingExec()
	rig.sched.exec = exec
	acct := createAccount(t, rig.db, "alice", "slack", true)

	rig.sched.Schedule(Job{AccountID: acct.ID, Platform: "slack", UserID: "alice"}, 0)
	<-exec.entered // scheduled poll is inside its platform call

	done := make(chan struct{})
	go func() {
		rig.sched.SyncNow(context.Background(), "alice")
		close(done)
	}()

	// The manual sync must wait: no second platform call may start for the
	// account while the scheduled poll is still in flight.
	select {
	case <-exec.entered:
		t.Fatal("manual sync polled the account while a scheduled poll was in flight")
	case <-time.After(200 * time.Millisecond):
	}

	close(exec.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manual sync never completed")
	}

	if peak := exec.peakInFlight(); peak != 1 {
		t.Errorf("peak in-flight platform calls = %d, want 1", peak)
	}
	if !rig.sched.Pending(acct.ID) {
		t.Error("account left without a scheduled follow-up")
	}
}

func TestPollOnce_FirstRunSyncsConversations(t *testing.T) {
	rig := newTestRig(t, Opts{})
	acct := createAccount(t, rig.db, "alice", "slack", true)
	rig.adapter.SetConversations([]platform.Conversation{
		{PlatformConversationID: "c1", ParticipantID: "friend-1", ParticipantName: "Friend"},
	}, nil)

	rig.sched.pollOnce(context.Background(), Job{AccountID: acct.ID, Platform: "slack"})

	convs := rig.store.syncedConvs()
	if len(convs) != 1 || convs[0].PlatformConversationID != "c1" {
		t.Fatalf("synced conversations = %+v, want the adapter's inventory", convs)
	}

	// A cursor-bearing poll skips the inventory pull.
	cursor := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	rig.sched.pollOnce(context.Background(), Job{AccountID: acct.ID, Platform: "slack", LastPolledAt: cursor})
	if n := len(rig.store.syncedConvs()); n != 1 {
		t.Errorf("synced conversations after cursor poll = %d, want still 1", n)
	}
}

func TestSyncNow_RequiresUser(t *testing.T) {
	rig := newTestRig(t, Opts{})
	if _, err := rig.sched.SyncNow(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestClose_StopsEverything(t *testing.T) {
	rig := newTestRig(t, Opts{})
	rig.sched.Schedule(Job{AccountID: "a1", Platform: "slack"}, time.Hour)

	rig.sched.Close()
	if n := rig.sched.PendingCount(); n != 0 {
		t.Errorf("PendingCount = %d after Close", n)
	}

	// New schedules are ignored once closed.
	rig.sched.Schedule(Job{AccountID: "a2", Platform: "slack"}, time.Hour)
	if rig.sched.Pending("a2") {
		t.Error("Schedule accepted after Close")
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
