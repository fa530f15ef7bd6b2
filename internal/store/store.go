// Package store is the idempotent message/conversation store. All writes
// from polling and webhook ingestion land here; the (conversationID,
// platformMessageID) unique index guarantees each external message is
// recorded exactly once, and successful writes publish fan-out events.
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"github.com/zulandar/switchboard/internal/secrets"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists canonical messages and conversations.
type Store struct {
	db  *gorm.DB
	box *secrets.Box
	hub *events.Hub
}

// Opts holds parameters for creating a Store.
type Opts struct {
	DB  *gorm.DB
	Box *secrets.Box
	Hub *events.Hub // optional; nil disables fan-out
}

// New creates a Store.
func New(opts Opts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	if opts.Box == nil {
		return nil, fmt.Errorf("store: box is required")
	}
	return &Store{db: opts.DB, box: opts.Box, hub: opts.Hub}, nil
}

// MessageView is a message with its content opened for delivery to a
// client (API responses and fan-out events).
type MessageView struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	PlatformMessageID string    `json:"platform_message_id"`
	SenderID          string    `json:"sender_id"`
	Content           string    `json:"content"`
	IsOutgoing        bool      `json:"is_outgoing"`
	IsRead            bool      `json:"is_read"`
	SentAt            time.Time `json:"sent_at"`
}

// StoreMessage records one canonical message for the account. Storing the
// same (conversation, platform message id) pair again returns the existing
// row unchanged and publishes nothing. New inbound inserts update the
// conversation's lastMessageAt, recompute its unread count from message
// rows, and fan out new_message and unread_count_update events.
func (s *Store) StoreMessage(ctx context.Context, accountID string, msg platform.Message) (*models.Message, error) {
	if msg.PlatformConversationID == "" {
		return nil, fmt.Errorf("store: platform conversation id is required")
	}
	if msg.PlatformMessageID == "" {
		return nil, fmt.Errorf("store: platform message id is required")
	}

	var account models.ConnectedAccount
	if err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		return nil, fmt.Errorf("store: load account %s: %w", accountID, err)
	}

	sealed, err := s.box.Seal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("store: seal content: %w", err)
	}

	var (
		stored    models.Message
		conv      models.Conversation
		duplicate bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		conv, err = upsertConversation(tx, account.ID, msg)
		if err != nil {
			return err
		}

		stored = models.Message{
			ID:                uuid.NewString(),
			ConversationID:    conv.ID,
			PlatformMessageID: msg.PlatformMessageID,
			SenderID:          msg.SenderID,
			Content:           sealed,
			IsOutgoing:        msg.IsOutgoing,
			SentAt:            msg.SentAt,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "platform_message_id"}},
			DoNothing: true,
		}).Create(&stored)
		if res.Error != nil {
			return fmt.Errorf("store: insert message: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Re-delivery: return the existing row untouched. Query into a
			// fresh struct: GORM treats a populated primary key as a condition.
			duplicate = true
			var existing models.Message
			if err := tx.Where("conversation_id = ? AND platform_message_id = ?",
				conv.ID, msg.PlatformMessageID).First(&existing).Error; err != nil {
				return err
			}
			stored = existing
			return nil
		}

		unread, err := recountUnread(tx, conv.ID)
		if err != nil {
			return err
		}
		conv.UnreadCount = unread
		if msg.SentAt.After(conv.LastMessageAt) {
			conv.LastMessageAt = msg.SentAt
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(map[string]any{
			"unread_count":    conv.UnreadCount,
			"last_message_at": conv.LastMessageAt,
		}).Error; err != nil {
			return fmt.Errorf("store: update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !duplicate && !stored.IsOutgoing {
		s.publishNewMessage(ctx, account.UserID, conv, stored, msg.Content)
	}
	return &stored, nil
}

// upsertConversation creates the conversation row on first reference. The
// insert uses DO NOTHING on the (account, platform conversation) unique
// index so concurrent writers converge on one row.
func upsertConversation(tx *gorm.DB, accountID string, msg platform.Message) (models.Conversation, error) {
	conv := models.Conversation{
		ID:                     uuid.NewString(),
		AccountID:              accountID,
		PlatformConversationID: msg.PlatformConversationID,
		LastMessageAt:          msg.SentAt,
	}
	if !msg.IsOutgoing {
		conv.ParticipantID = msg.SenderID
		conv.ParticipantName = msg.SenderName
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "platform_conversation_id"}},
		DoNothing: true,
	}).Create(&conv)
	if res.Error != nil {
		return conv, fmt.Errorf("store: upsert conversation: %w", res.Error)
	}
	var existing models.Conversation
	if err := tx.Where("account_id = ? AND platform_conversation_id = ?",
		accountID, msg.PlatformConversationID).First(&existing).Error; err != nil {
		return conv, fmt.Errorf("store: load conversation: %w", err)
	}
	return existing, nil
}

// SyncConversations records the platform's thread inventory for an
// account. Rows appear for threads not yet seen through message flow, and
// participant identity refreshes on existing rows. Unread counts and
// message timestamps are untouched.
func (s *Store) SyncConversations(ctx context.Context, accountID string, convs []platform.Conversation) error {
	for _, pc := range convs {
		if pc.PlatformConversationID == "" {
			continue
		}
		row := models.Conversation{
			ID:                     uuid.NewString(),
			AccountID:              accountID,
			PlatformConversationID: pc.PlatformConversationID,
			ParticipantID:          pc.ParticipantID,
			ParticipantName:        pc.ParticipantName,
		}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "platform_conversation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"participant_id", "participant_name"}),
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("store: sync conversation %s: %w", pc.PlatformConversationID, res.Error)
		}
	}
	return nil
}

// recountUnread derives the unread counter from message rows. The counter
// is never incremented blindly; this is the single source of truth.
func recountUnread(tx *gorm.DB, conversationID string) (int, error) {
	var n int64
	err := tx.Model(&models.Message{}).
		Where("conversation_id = ? AND is_read = ? AND is_outgoing = ?", conversationID, false, false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: recount unread: %w", err)
	}
	return int(n), nil
}

// MarkMessagesAsRead flips the given messages to read, or every unread
// inbound message in the conversation when messageIDs is empty. It
// recomputes the unread counter and fans out status and unread-count
// events. Returns the number of messages flipped.
func (s *Store) MarkMessagesAsRead(ctx context.Context, conversationID string, messageIDs []string) (int, error) {
	if conversationID == "" {
		return 0, fmt.Errorf("store: conversation id is required")
	}

	var flipped []models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("conversation_id = ? AND is_read = ? AND is_outgoing = ?", conversationID, false, false)
		if len(messageIDs) > 0 {
			q = q.Where("id IN ?", messageIDs)
		}
		if err := q.Find(&flipped).Error; err != nil {
			return fmt.Errorf("store: find unread: %w", err)
		}
		if len(flipped) == 0 {
			return nil
		}

		ids := make([]string, len(flipped))
		for i, m := range flipped {
			ids[i] = m.ID
		}
		if err := tx.Model(&models.Message{}).Where("id IN ?", ids).
			Update("is_read", true).Error; err != nil {
			return fmt.Errorf("store: mark read: %w", err)
		}

		unread, err := recountUnread(tx, conversationID)
		if err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", conversationID).
			Update("unread_count", unread).Error
	})
	if err != nil {
		return 0, err
	}
	if len(flipped) == 0 {
		return 0, nil
	}

	userID, err := s.ownerOf(ctx, conversationID)
	if err != nil {
		log.Printf("store: fan-out skipped: %v", err)
		return len(flipped), nil
	}
	if s.hub != nil {
		for _, m := range flipped {
			s.hub.Publish(userID, events.Event{
				Type: events.TypeMessageStatus,
				Payload: events.MessageStatusPayload{
					MessageID:      m.ID,
					ConversationID: conversationID,
					Status:         "read",
				},
			})
		}
		s.publishUnreadCounts(ctx, userID)
	}
	return len(flipped), nil
}

// Conversations lists the user's conversations, most recent first.
func (s *Store) Conversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN connected_accounts ON connected_accounts.id = conversations.account_id").
		Where("connected_accounts.user_id = ?", userID).
		Order("conversations.last_message_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list conversations for %s: %w", userID, err)
	}
	return convs, nil
}

// Messages returns a conversation's messages in send order, content opened.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]MessageView, error) {
	var rows []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: list messages for %s: %w", conversationID, err)
	}

	views := make([]MessageView, 0, len(rows))
	for _, m := range rows {
		content, err := s.box.Open(m.Content)
		if err != nil {
			return nil, fmt.Errorf("store: open message %s: %w", m.ID, err)
		}
		views = append(views, messageView(m, content))
	}
	return views, nil
}

// UnreadCounts returns the user's unread inbound message count per
// platform, derived from message rows.
func (s *Store) UnreadCounts(ctx context.Context, userID string) (map[string]int, int, error) {
	var rows []struct {
		Platform string
		Total    int
	}
	err := s.db.WithContext(ctx).Table("messages").
		Select("connected_accounts.platform AS platform, COUNT(*) AS total").
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Joins("JOIN connected_accounts ON connected_accounts.id = conversations.account_id").
		Where("connected_accounts.user_id = ? AND messages.is_read = ? AND messages.is_outgoing = ?",
			userID, false, false).
		Group("connected_accounts.platform").
		Scan(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("store: unread counts for %s: %w", userID, err)
	}

	counts := make(map[string]int, len(rows))
	total := 0
	for _, r := range rows {
		counts[r.Platform] = r.Total
		total += r.Total
	}
	return counts, total, nil
}

// ownerOf resolves the user owning a conversation.
func (s *Store) ownerOf(ctx context.Context, conversationID string) (string, error) {
	var account models.ConnectedAccount
	err := s.db.WithContext(ctx).
		Joins("JOIN conversations ON conversations.account_id = connected_accounts.id").
		Where("conversations.id = ?", conversationID).
		First(&account).Error
	if err != nil {
		return "", fmt.Errorf("store: owner of conversation %s: %w", conversationID, err)
	}
	return account.UserID, nil
}

// publishNewMessage fans out a stored inbound message. Failures here are
// logged, never propagated: fan-out is strictly best-effort.
func (s *Store) publishNewMessage(ctx context.Context, userID string, conv models.Conversation, m models.Message, content string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(userID, events.Event{
		Type: events.TypeNewMessage,
		Payload: events.NewMessagePayload{
			Message:      messageView(m, content),
			Conversation: conv,
		},
	})
	s.publishUnreadCounts(ctx, userID)
}

// publishUnreadCounts emits the user's current unread totals.
func (s *Store) publishUnreadCounts(ctx context.Context, userID string) {
	counts, total, err := s.UnreadCounts(ctx, userID)
	if err != nil {
		log.Printf("store: unread count fan-out skipped: %v", err)
		return
	}
	s.hub.Publish(userID, events.Event{
		Type: events.TypeUnreadCount,
		Payload: events.UnreadCountPayload{
			UnreadCounts: counts,
			TotalUnread:  total,
		},
	})
}

func messageView(m models.Message, content string) MessageView {
	return MessageView{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		PlatformMessageID: m.PlatformMessageID,
		SenderID:          m.SenderID,
		Content:           content,
		IsOutgoing:        m.IsOutgoing,
		IsRead:            m.IsRead,
		SentAt:            m.SentAt,
	}
}
