package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"github.com/zulandar/switchboard/internal/poller"
	"github.com/zulandar/switchboard/internal/secrets"
	"github.com/zulandar/switchboard/internal/store"
	"golang.org/x/oauth2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

// passExec satisfies Caller. A configured error is returned without
// invoking fn, mirroring limiter denial.
type passExec struct {
	err error
}

func (p *passExec) Do(ctx context.Context, accountID, platformName, operation string, fn func(ctx context.Context) error) error {
	if p.err != nil {
		return p.err
	}
	return fn(ctx)
}

type fakeSyncer struct {
	results []poller.AccountSyncResult
	err     error
	calls   []string
}

func (f *fakeSyncer) SyncNow(ctx context.Context, userID string) ([]poller.AccountSyncResult, error) {
	f.calls = append(f.calls, userID)
	return f.results, f.err
}

type staticCreds struct{}

func (staticCreds) TokenSource(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}), nil
}

type apiRig struct {
	db      *gorm.DB
	store   *store.Store
	hub     *events.Hub
	adapter *platform.MockAdapter
	exec    *passExec
	syncer  *fakeSyncer
	router  *gin.Engine
	acct    models.ConnectedAccount
	conv    models.Conversation
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	box, err := secrets.NewBox(testKey)
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	hub := events.NewHub()
	st, err := store.New(store.Opts{DB: gdb, Box: box, Hub: hub})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	adapter := platform.NewMockAdapter(models.PlatformSlack)
	registry, err := platform.NewRegistry(adapter)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	acct := models.ConnectedAccount{
		ID:             "acct-1",
		UserID:         "alice",
		Platform:       models.PlatformSlack,
		PlatformUserID: "self",
		Credential:     "sealed",
		IsActive:       true,
	}
	if err := gdb.Create(&acct).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}

	// Seed a conversation with one unread inbound message through the
	// normal write path.
	if _, err := st.StoreMessage(context.Background(), acct.ID, platform.Message{
		PlatformConversationID: "D100",
		PlatformMessageID:      "m1",
		SenderID:               "friend",
		SenderName:             "Friend",
		Content:                "hello there",
		SentAt:                 time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	var conv models.Conversation
	if err := gdb.First(&conv, "platform_conversation_id = ?", "D100").Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}

	exec := &passExec{}
	syncer := &fakeSyncer{}
	srv, err := New(Opts{
		DB:       gdb,
		Store:    st,
		Hub:      hub,
		Syncer:   syncer,
		Exec:     exec,
		Registry: registry,
		Creds:    staticCreds{},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	return &apiRig{
		db: gdb, store: st, hub: hub, adapter: adapter,
		exec: exec, syncer: syncer, router: srv.Router(),
		acct: acct, conv: conv,
	}
}

func (r *apiRig) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	return w
}

func TestRequireUser(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodGet, "/api/conversations", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestConversations_ScopedWithUnread(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodGet, "/api/conversations", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Conversations []struct {
			ID          string `json:"id"`
			Platform    string `json:"platform"`
			UnreadCount int    `json:"unread_count"`
		} `json:"conversations"`
		UnreadCounts map[string]int `json:"unread_counts"`
		TotalUnread  int            `json:"total_unread"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(resp.Conversations))
	}
	if resp.Conversations[0].Platform != models.PlatformSlack {
		t.Errorf("platform = %q", resp.Conversations[0].Platform)
	}
	if resp.Conversations[0].UnreadCount != 1 || resp.TotalUnread != 1 {
		t.Errorf("unread = %d total = %d, want 1/1", resp.Conversations[0].UnreadCount, resp.TotalUnread)
	}

	// Another user sees nothing.
	w = rig.do(t, http.MethodGet, "/api/conversations", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("bob status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), rig.conv.ID) {
		t.Error("foreign conversation leaked")
	}
}

func TestMessages_DecryptedAndOwned(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodGet, "/api/conversations/"+rig.conv.ID+"/messages", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "hello there") {
		t.Error("message content not returned in the clear")
	}

	// A different user gets 404, not someone else's messages.
	w = rig.do(t, http.MethodGet, "/api/conversations/"+rig.conv.ID+"/messages", "bob", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign access status = %d, want 404", w.Code)
	}

	w = rig.do(t, http.MethodGet, "/api/conversations/nope/messages", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", w.Code)
	}
}

func TestMarkRead_AllUnread(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodPost, "/api/conversations/"+rig.conv.ID+"/read", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Marked int `json:"marked"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Marked != 1 {
		t.Errorf("marked = %d, want 1", resp.Marked)
	}

	var conv models.Conversation
	rig.db.First(&conv, "id = ?", rig.conv.ID)
	if conv.UnreadCount != 0 {
		t.Errorf("unread count = %d, want 0", conv.UnreadCount)
	}
}

func TestMarkRead_PropagatesCursorToPlatform(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodPost, "/api/conversations/"+rig.conv.ID+"/read", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// The platform-side cursor advances to the newest message.
	if got := rig.adapter.Marked(); len(got) != 1 || got[0] != "m1" {
		t.Errorf("adapter marked = %v, want [m1]", got)
	}

	// Nothing left unread: a second call marks nothing and stays local.
	rig.do(t, http.MethodPost, "/api/conversations/"+rig.conv.ID+"/read", "alice", nil)
	if got := rig.adapter.Marked(); len(got) != 1 {
		t.Errorf("adapter marked = %v, want no extra platform call", got)
	}
}

func TestMarkRead_PlatformFailureStaysLocal(t *testing.T) {
	rig := newAPIRig(t)
	rig.adapter.SetMarkErr(&platform.APIError{Platform: models.PlatformSlack, StatusCode: 500, Message: "down"})

	w := rig.do(t, http.MethodPost, "/api/conversations/"+rig.conv.ID+"/read", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: platform cursor is best-effort", w.Code)
	}

	var conv models.Conversation
	rig.db.First(&conv, "id = ?", rig.conv.ID)
	if conv.UnreadCount != 0 {
		t.Errorf("unread count = %d, want 0", conv.UnreadCount)
	}
}

func TestSend_StoresOutgoing(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodPost, "/api/conversations/"+rig.conv.ID+"/messages", "alice",
		map[string]string{"content": "on my way"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	if got := rig.adapter.Sent(); len(got) != 1 || got[0] != "on my way" {
		t.Errorf("adapter sent = %v", got)
	}

	var row models.Message
	if err := rig.db.First(&row, "platform_message_id = ?", "mock-sent").Error; err != nil {
		t.Fatalf("load stored message: %v", err)
	}
	if !row.IsOutgoing {
		t.Error("sent message not marked outgoing")
	}

	// Outgoing messages never bump unread.
	var conv models.Conversation
	rig.db.First(&conv, "id = ?", rig.conv.ID)
	if conv.UnreadCount != 1 {
		t.Errorf("unread count = %d, want 1 (unchanged)", conv.UnreadCount)
	}
}

func TestSend_EmptyContentRejected(t *testing.T) {
	rig := newAPIRig(t)

	w := rig.do(t, http.MethodPost, "/api/conversations/"+rig.conv.ID+"/messages", "alice",
		map[string]string{"content": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSend_RateLimited(t *testing.T) {
	rig := newAPIRig(t)
	rig.exec.err = &platform.RateLimitError{Platform: models.PlatformSlack, RetryAfter: 7 * time.Second}

	w := rig.do(t, http.MethodPost, "/api/conversations/"+rig.conv.ID+"/messages", "alice",
		map[string]string{"content": "hi"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	var resp struct {
		RetryAfterMS int64 `json:"retry_after_ms"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RetryAfterMS != 7000 {
		t.Errorf("retry_after_ms = %d, want 7000", resp.RetryAfterMS)
	}
	if len(rig.adapter.Sent()) != 0 {
		t.Error("adapter called despite rate limit")
	}
}

func TestSend_PlatformFailure(t *testing.T) {
	rig := newAPIRig(t)
	rig.exec.err = &platform.APIError{Platform: models.PlatformSlack, StatusCode: 403, Message: "forbidden"}

	w := rig.do(t, http.MethodPost, "/api/conversations/"+rig.conv.ID+"/messages", "alice",
		map[string]string{"content": "hi"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestSync_ReturnsSummary(t *testing.T) {
	rig := newAPIRig(t)
	rig.syncer.results = []poller.AccountSyncResult{
		{AccountID: "acct-1", Platform: models.PlatformSlack, Stored: 3, OK: true},
	}

	w := rig.do(t, http.MethodPost, "/api/sync", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(rig.syncer.calls) != 1 || rig.syncer.calls[0] != "alice" {
		t.Errorf("syncer calls = %v", rig.syncer.calls)
	}
	if !strings.Contains(w.Body.String(), `"stored":3`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestEvents_StreamsPublishedEvents(t *testing.T) {
	rig := newAPIRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		rig.router.ServeHTTP(w, req)
		close(done)
	}()

	// Wait for the handler to subscribe.
	deadline := time.Now().Add(2 * time.Second)
	for rig.hub.Subscribers("alice") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig.hub.Publish("alice", events.Event{
		Type:    events.TypeUnreadCount,
		Payload: events.UnreadCountPayload{TotalUnread: 2},
	})
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Error("missing connected event")
	}
	if !strings.Contains(body, "event: unread_count_update") {
		t.Errorf("missing published event, body = %q", body)
	}
	if !strings.Contains(body, `"total_unread":2`) {
		t.Errorf("payload missing, body = %q", body)
	}
}

func TestEvents_DoesNotReceiveOtherUsers(t *testing.T) {
	rig := newAPIRig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	req.Header.Set("X-User-ID", "alice")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		rig.router.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for rig.hub.Subscribers("alice") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rig.hub.Publish("bob", events.Event{Type: events.TypeNewMessage})
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if strings.Contains(w.Body.String(), "event: new_message") {
		t.Error("received another user's event")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error for empty opts")
	}
}
