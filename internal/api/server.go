// Package api is the HTTP surface of the sync engine: conversation and
// message reads, read-state and send operations, manual sync, and the
// per-user SSE event stream.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/platform"
	"github.com/zulandar/switchboard/internal/poller"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/webhook"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// Syncer triggers an immediate poll of a user's accounts.
type Syncer interface {
	SyncNow(ctx context.Context, userID string) ([]poller.AccountSyncResult, error)
}

// Caller runs a platform call under the admission/retry policy.
type Caller interface {
	Do(ctx context.Context, accountID, platform, operation string, fn func(ctx context.Context) error) error
}

// CredentialSource supplies a valid bearer credential for an account.
type CredentialSource interface {
	TokenSource(ctx context.Context, accountID string) (oauth2.TokenSource, error)
}

// Server holds the wired dependencies for the HTTP surface.
type Server struct {
	db       *gorm.DB
	store    *store.Store
	hub      *events.Hub
	syncer   Syncer
	exec     Caller
	registry *platform.Registry
	creds    CredentialSource
	webhooks *webhook.Handler
}

// Opts holds parameters for creating a Server.
type Opts struct {
	DB       *gorm.DB
	Store    *store.Store
	Hub      *events.Hub
	Syncer   Syncer
	Exec     Caller
	Registry *platform.Registry
	Creds    CredentialSource
	Webhooks *webhook.Handler // optional; mounted when set
}

// New creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("api: store is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("api: events hub is required")
	}
	if opts.Syncer == nil {
		return nil, fmt.Errorf("api: syncer is required")
	}
	if opts.Exec == nil {
		return nil, fmt.Errorf("api: executor is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("api: registry is required")
	}
	if opts.Creds == nil {
		return nil, fmt.Errorf("api: credential source is required")
	}
	return &Server{
		db:       opts.DB,
		store:    opts.Store,
		hub:      opts.Hub,
		syncer:   opts.Syncer,
		exec:     opts.Exec,
		registry: opts.Registry,
		creds:    opts.Creds,
		webhooks: opts.Webhooks,
	}, nil
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)

	if s.webhooks != nil {
		s.webhooks.Register(router)
	}

	authed := router.Group("/api", requireUser())
	authed.GET("/conversations", s.handleConversations)
	authed.GET("/conversations/:id/messages", s.handleMessages)
	authed.POST("/conversations/:id/read", s.handleMarkRead)
	authed.POST("/conversations/:id/messages", s.handleSend)
	authed.POST("/sync", s.handleSync)
	authed.GET("/events", s.handleEvents)

	return router
}

// StartOpts holds configuration for running the HTTP server.
type StartOpts struct {
	Port int
	Out  io.Writer
}

// Start runs the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Switchboard API listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

const userIDKey = "switchboard.userID"

// requireUser resolves the caller's identity from the X-User-ID header.
// Authentication proper sits in front of this service; the header is the
// trusted identity it forwards.
func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-User-ID header is required"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func (s *Server) handleHealthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
