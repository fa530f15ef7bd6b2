// Package discord implements the platform Adapter for Discord over the
// REST API. Discord deliveries normally arrive by webhook; the fetch
// path exists for backfill and manual sync.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"golang.org/x/oauth2"
)

// pageSize is the per-request limit for channel message history.
const pageSize = 100

// discordEpochMS is Discord's snowflake epoch (2015-01-01T00:00:00Z).
const discordEpochMS = 1420070400000

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UserChannels(options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageAck(channelID, messageID, lastToken string, options ...discordgo.RequestOption) (*discordgo.Ack, error)
}

// Adapter implements platform.Adapter for Discord. A REST session is
// built from the caller's credential on every call; the adapter itself
// holds no per-account state.
type Adapter struct {
	newSession func(token string) (session, error)
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	// For testing: inject a session factory instead of the real Discord API.
	NewSession func(token string) (session, error)
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) *Adapter {
	ns := opts.NewSession
	if ns == nil {
		ns = func(token string) (session, error) {
			s, err := discordgo.New(token)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}
	return &Adapter{newSession: ns}
}

// Platform returns the platform identifier.
func (a *Adapter) Platform() string { return models.PlatformDiscord }

func (a *Adapter) session(creds oauth2.TokenSource) (session, error) {
	tok, err := creds.Token()
	if err != nil {
		return nil, fmt.Errorf("discord: credential: %w", err)
	}
	s, err := a.newSession(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("discord: session: %w", err)
	}
	return s, nil
}

// FetchMessages retrieves DMs newer than since across the account's DM
// channels.
func (a *Adapter) FetchMessages(ctx context.Context, creds oauth2.TokenSource, since time.Time) ([]platform.Message, error) {
	sess, err := a.session(creds)
	if err != nil {
		return nil, err
	}

	self, err := sess.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, translate("identify", err)
	}

	channels, err := sess.UserChannels(discordgo.WithContext(ctx))
	if err != nil {
		return nil, translate("list channels", err)
	}

	var out []platform.Message
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeDM {
			continue
		}
		afterID := snowflakeAfter(since)
		for {
			msgs, err := sess.ChannelMessages(ch.ID, pageSize, "", afterID, "", discordgo.WithContext(ctx))
			if err != nil {
				return nil, translate("channel messages", err)
			}
			if len(msgs) == 0 {
				break
			}
			// Results are newest first; the first entry is the page cursor.
			afterID = msgs[0].ID
			for _, m := range msgs {
				if m.Author == nil || m.Type != discordgo.MessageTypeDefault {
					continue
				}
				out = append(out, canonical(ch.ID, m, self.ID))
			}
			if len(msgs) < pageSize {
				break
			}
		}
	}
	return out, nil
}

// SendMessage posts content to a DM channel.
func (a *Adapter) SendMessage(ctx context.Context, creds oauth2.TokenSource, conversationID, content string) (*platform.Message, error) {
	sess, err := a.session(creds)
	if err != nil {
		return nil, err
	}
	m, err := sess.ChannelMessageSend(conversationID, content, discordgo.WithContext(ctx))
	if err != nil {
		return nil, translate("send message", err)
	}
	msg := canonical(conversationID, m, "")
	msg.IsOutgoing = true
	return &msg, nil
}

// MarkAsRead acknowledges a message in a DM channel.
func (a *Adapter) MarkAsRead(ctx context.Context, creds oauth2.TokenSource, conversationID, messageID string) error {
	sess, err := a.session(creds)
	if err != nil {
		return err
	}
	if _, err := sess.ChannelMessageAck(conversationID, messageID, "", discordgo.WithContext(ctx)); err != nil {
		return translate("ack message", err)
	}
	return nil
}

// GetConversations lists the account's DM channels.
func (a *Adapter) GetConversations(ctx context.Context, creds oauth2.TokenSource) ([]platform.Conversation, error) {
	sess, err := a.session(creds)
	if err != nil {
		return nil, err
	}
	channels, err := sess.UserChannels(discordgo.WithContext(ctx))
	if err != nil {
		return nil, translate("list channels", err)
	}

	var convs []platform.Conversation
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeDM || len(ch.Recipients) == 0 {
			continue
		}
		convs = append(convs, platform.Conversation{
			PlatformConversationID: ch.ID,
			ParticipantID:          ch.Recipients[0].ID,
			ParticipantName:        ch.Recipients[0].Username,
		})
	}
	return convs, nil
}

// canonical maps a Discord message into the canonical shape.
func canonical(channelID string, m *discordgo.Message, selfID string) platform.Message {
	msg := platform.Message{
		PlatformConversationID: channelID,
		PlatformMessageID:      m.ID,
		Content:                m.Content,
		SentAt:                 m.Timestamp.UTC(),
	}
	if m.Author != nil {
		msg.SenderID = m.Author.ID
		msg.SenderName = m.Author.Username
		msg.IsOutgoing = selfID != "" && m.Author.ID == selfID
	}
	return msg
}

// translate converts discordgo errors into the tagged taxonomy.
func translate(op string, err error) error {
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		return &platform.RateLimitError{Platform: models.PlatformDiscord, RetryAfter: rle.RetryAfter}
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) {
		apiErr := &platform.APIError{Platform: models.PlatformDiscord, Message: string(rerr.ResponseBody)}
		if rerr.Response != nil {
			apiErr.StatusCode = rerr.Response.StatusCode
		}
		if rerr.Message != nil {
			apiErr.Message = rerr.Message.Message
		}
		return apiErr
	}
	return fmt.Errorf("discord: %s: %w", op, err)
}

// snowflakeAfter renders a time as the Discord snowflake to page after.
func snowflakeAfter(t time.Time) string {
	ms := t.UnixMilli() - discordEpochMS
	if t.IsZero() || ms < 0 {
		return "0"
	}
	return strconv.FormatInt(ms<<22, 10)
}
