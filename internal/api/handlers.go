package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"gorm.io/gorm"
)

// conversationView is a Conversation enriched with its platform for
// client rendering.
type conversationView struct {
	models.Conversation
	Platform string `json:"platform"`
}

func (s *Server) handleConversations(c *gin.Context) {
	userID := currentUser(c)
	ctx := c.Request.Context()

	convs, err := s.store.Conversations(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing conversations failed"})
		return
	}

	var accounts []models.ConnectedAccount
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&accounts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing conversations failed"})
		return
	}
	platformOf := make(map[string]string, len(accounts))
	for _, a := range accounts {
		platformOf[a.ID] = a.Platform
	}

	views := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		views = append(views, conversationView{Conversation: conv, Platform: platformOf[conv.AccountID]})
	}

	counts, total, err := s.store.UnreadCounts(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing conversations failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": views,
		"unread_counts": counts,
		"total_unread":  total,
	})
}

func (s *Server) handleMessages(c *gin.Context) {
	userID := currentUser(c)
	ctx := c.Request.Context()

	conv, _, ok := s.conversationForUser(c, ctx, c.Param("id"), userID)
	if !ok {
		return
	}

	msgs, err := s.store.Messages(ctx, conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing messages failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"` // empty marks everything unread
}

func (s *Server) handleMarkRead(c *gin.Context) {
	userID := currentUser(c)
	ctx := c.Request.Context()

	conv, acct, ok := s.conversationForUser(c, ctx, c.Param("id"), userID)
	if !ok {
		return
	}

	var req markReadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
	}

	marked, err := s.store.MarkMessagesAsRead(ctx, conv.ID, req.MessageIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "marking messages read failed"})
		return
	}
	if marked > 0 {
		s.propagateRead(ctx, conv, acct)
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

// propagateRead advances the platform-side read cursor to the newest
// message in the conversation. Strictly best-effort: local state is
// authoritative, a platform failure only logs.
func (s *Server) propagateRead(ctx context.Context, conv models.Conversation, acct models.ConnectedAccount) {
	adapter, err := s.registry.Get(acct.Platform)
	if err != nil {
		log.Printf("api: read cursor for %s: %v", conv.ID, err)
		return
	}
	creds, err := s.creds.TokenSource(ctx, acct.ID)
	if err != nil {
		log.Printf("api: read cursor for %s: %v", conv.ID, err)
		return
	}
	var newest models.Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conv.ID).
		Order("sent_at DESC").
		First(&newest).Error; err != nil {
		log.Printf("api: read cursor for %s: %v", conv.ID, err)
		return
	}
	err = s.exec.Do(ctx, acct.ID, acct.Platform, "mark_as_read", func(ctx context.Context) error {
		return adapter.MarkAsRead(ctx, creds, conv.PlatformConversationID, newest.PlatformMessageID)
	})
	if err != nil {
		log.Printf("api: read cursor for %s: %v", conv.ID, err)
	}
}

type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSend(c *gin.Context) {
	userID := currentUser(c)
	ctx := c.Request.Context()

	conv, acct, ok := s.conversationForUser(c, ctx, c.Param("id"), userID)
	if !ok {
		return
	}

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	adapter, err := s.registry.Get(acct.Platform)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no adapter for platform"})
		return
	}
	creds, err := s.creds.TokenSource(ctx, acct.ID)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "account credential unavailable"})
		return
	}

	var sent *platform.Message
	err = s.exec.Do(ctx, acct.ID, acct.Platform, "send_message", func(ctx context.Context) error {
		var callErr error
		sent, callErr = adapter.SendMessage(ctx, creds, conv.PlatformConversationID, req.Content)
		return callErr
	})
	if err != nil {
		if retryAfter, ok := platform.IsRateLimit(err); ok {
			c.Header("Retry-After", retryAfter.Round(time.Second).String())
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited", "retry_after_ms": retryAfter.Milliseconds()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "platform send failed"})
		return
	}

	// The platform accepted the message; record it through the same
	// idempotent path inbound messages take.
	outgoing := *sent
	outgoing.IsOutgoing = true
	row, err := s.store.StoreMessage(ctx, acct.ID, outgoing)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message sent but not recorded"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":                  row.ID,
		"conversation_id":     row.ConversationID,
		"platform_message_id": row.PlatformMessageID,
		"sent_at":             row.SentAt,
	})
}

func (s *Server) handleSync(c *gin.Context) {
	results, err := s.syncer.SyncNow(c.Request.Context(), currentUser(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": results})
}

// conversationForUser loads a conversation and its owning account,
// enforcing that the caller owns it. On failure it writes the error
// response and returns ok=false.
func (s *Server) conversationForUser(c *gin.Context, ctx context.Context, conversationID, userID string) (models.Conversation, models.ConnectedAccount, bool) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return conv, models.ConnectedAccount{}, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation lookup failed"})
		return conv, models.ConnectedAccount{}, false
	}

	var acct models.ConnectedAccount
	if err := s.db.WithContext(ctx).First(&acct, "id = ?", conv.AccountID).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation lookup failed"})
		return conv, acct, false
	}
	// A foreign conversation is indistinguishable from a missing one.
	if acct.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return conv, acct, false
	}
	return conv, acct, true
}
