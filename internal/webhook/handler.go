package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"gorm.io/gorm"
)

// MessageStore is the slice of the store the webhook pipeline needs.
type MessageStore interface {
	StoreMessage(ctx context.Context, accountID string, msg platform.Message) (*models.Message, error)
}

// Handler ingests push-delivered platform webhooks: verify signature,
// normalize the payload, store each message. Storage failures go to the
// retry queue instead of failing the request.
type Handler struct {
	db        *gorm.DB
	store     MessageStore
	queue     *RetryQueue
	verifiers map[string]Verifier
}

// Opts holds parameters for creating a Handler.
type Opts struct {
	DB        *gorm.DB
	Store     MessageStore
	Queue     *RetryQueue
	Verifiers map[string]Verifier // platform name -> verifier
}

// New creates a Handler.
func New(opts Opts) (*Handler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("webhook: db is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("webhook: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("webhook: retry queue is required")
	}
	if len(opts.Verifiers) == 0 {
		return nil, fmt.Errorf("webhook: at least one verifier is required")
	}
	return &Handler{
		db:        opts.DB,
		store:     opts.Store,
		queue:     opts.Queue,
		verifiers: opts.Verifiers,
	}, nil
}

// Register mounts the webhook routes.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/:platform", h.handleInbound)
}

// inboundPayload is the normalized envelope platforms deliver to us.
type inboundPayload struct {
	AccountID string           `json:"account_id"`
	Messages  []inboundMessage `json:"messages"`
}

type inboundMessage struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
}

func (h *Handler) handleInbound(c *gin.Context) {
	platformName := c.Param("platform")
	verifier, ok := h.verifiers[platformName]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown platform"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	// Verification gates everything: a rejected request has no side
	// effects beyond this log line.
	if err := verifier.Verify(c.Request, body); err != nil {
		log.Printf("webhook: rejected %s delivery: %v", platformName, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "verification failed"})
		return
	}

	var payload inboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if payload.AccountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	var acct models.ConnectedAccount
	err = h.db.WithContext(c.Request.Context()).
		First(&acct, "id = ? AND platform = ?", payload.AccountID, platformName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
		return
	}
	if !acct.IsActive {
		c.JSON(http.StatusGone, gin.H{"error": "account disconnected"})
		return
	}

	// The whole batch is validated before the first write: a rejected
	// delivery has no partial side effects.
	for _, in := range payload.Messages {
		if in.ConversationID == "" || in.MessageID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id and message_id are required"})
			return
		}
	}

	stored, queued := 0, 0
	for _, in := range payload.Messages {
		msg := platform.Message{
			PlatformConversationID: in.ConversationID,
			PlatformMessageID:      in.MessageID,
			SenderID:               in.SenderID,
			SenderName:             in.SenderName,
			Content:                in.Content,
			IsOutgoing:             in.SenderID == acct.PlatformUserID,
			SentAt:                 in.SentAt,
		}
		if msg.SentAt.IsZero() {
			msg.SentAt = time.Now().UTC()
		}

		if _, err := h.store.StoreMessage(c.Request.Context(), acct.ID, msg); err != nil {
			log.Printf("webhook: store %s message %s failed, queueing: %v",
				platformName, msg.PlatformMessageID, err)
			entry := Entry{
				Platform:   platformName,
				AccountID:  acct.ID,
				Message:    msg,
				RawPayload: json.RawMessage(body),
			}
			if qerr := h.queue.Push(c.Request.Context(), entry); qerr != nil {
				log.Printf("webhook: queue %s message %s failed: %v",
					platformName, msg.PlatformMessageID, qerr)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
				return
			}
			queued++
			continue
		}
		stored++
	}

	c.JSON(http.StatusOK, gin.H{"stored": stored, "queued": queued})
}
