// Package slack implements the platform Adapter for Slack over the Web
// API. Slack has no usable push delivery for user DMs here, so accounts
// on this platform are polled.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"golang.org/x/oauth2"
)

// historyPageSize is the per-page limit for conversations.history.
const historyPageSize = 200

// slackClient abstracts the Slack Web API methods we use, enabling test mocks.
type slackClient interface {
	AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error)
	GetConversationsContext(ctx context.Context, params *slackapi.GetConversationsParameters) ([]slackapi.Channel, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slackapi.GetConversationHistoryParameters) (*slackapi.GetConversationHistoryResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	MarkConversationContext(ctx context.Context, channel, ts string) error
	GetUserInfoContext(ctx context.Context, user string) (*slackapi.User, error)
}

// Adapter implements platform.Adapter for Slack. It holds no per-account
// state; a Web API client is built from the caller's credential on every
// call.
type Adapter struct {
	newClient func(token string) slackClient
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	// For testing: inject a client factory instead of the real Slack API.
	NewClient func(token string) slackClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) *Adapter {
	nc := opts.NewClient
	if nc == nil {
		nc = func(token string) slackClient { return slackapi.New(token) }
	}
	return &Adapter{newClient: nc}
}

// Platform returns the platform identifier.
func (a *Adapter) Platform() string { return models.PlatformSlack }

func (a *Adapter) client(creds oauth2.TokenSource) (slackClient, error) {
	tok, err := creds.Token()
	if err != nil {
		return nil, fmt.Errorf("slack: credential: %w", err)
	}
	return a.newClient(tok.AccessToken), nil
}

// FetchMessages retrieves DMs newer than since across all of the
// account's IM conversations.
func (a *Adapter) FetchMessages(ctx context.Context, creds oauth2.TokenSource, since time.Time) ([]platform.Message, error) {
	client, err := a.client(creds)
	if err != nil {
		return nil, err
	}

	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return nil, translate("auth test", err)
	}
	selfID := auth.UserID

	channels, err := a.listIMs(ctx, client)
	if err != nil {
		return nil, err
	}

	names := map[string]string{}
	var out []platform.Message
	for _, ch := range channels {
		params := &slackapi.GetConversationHistoryParameters{
			ChannelID: ch.ID,
			Oldest:    formatTS(since),
			Limit:     historyPageSize,
		}
		for {
			resp, err := client.GetConversationHistoryContext(ctx, params)
			if err != nil {
				return nil, translate("conversation history", err)
			}
			for _, m := range resp.Messages {
				// Subtypes are edits, joins, and other noise.
				if m.SubType != "" || m.User == "" {
					continue
				}
				out = append(out, platform.Message{
					PlatformConversationID: ch.ID,
					PlatformMessageID:      m.Timestamp,
					SenderID:               m.User,
					SenderName:             a.userName(ctx, client, names, m.User),
					Content:                m.Text,
					IsOutgoing:             m.User == selfID,
					SentAt:                 parseTS(m.Timestamp),
				})
			}
			if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
				break
			}
			params.Cursor = resp.ResponseMetaData.NextCursor
		}
	}
	return out, nil
}

// SendMessage posts content to a DM conversation.
func (a *Adapter) SendMessage(ctx context.Context, creds oauth2.TokenSource, conversationID, content string) (*platform.Message, error) {
	client, err := a.client(creds)
	if err != nil {
		return nil, err
	}
	_, ts, err := client.PostMessageContext(ctx, conversationID,
		slackapi.MsgOptionText(content, false), slackapi.MsgOptionAsUser(true))
	if err != nil {
		return nil, translate("post message", err)
	}
	return &platform.Message{
		PlatformConversationID: conversationID,
		PlatformMessageID:      ts,
		Content:                content,
		IsOutgoing:             true,
		SentAt:                 parseTS(ts),
	}, nil
}

// MarkAsRead advances Slack's read cursor to the given message.
func (a *Adapter) MarkAsRead(ctx context.Context, creds oauth2.TokenSource, conversationID, messageID string) error {
	client, err := a.client(creds)
	if err != nil {
		return err
	}
	if err := client.MarkConversationContext(ctx, conversationID, messageID); err != nil {
		return translate("mark conversation", err)
	}
	return nil
}

// GetConversations lists the account's IM threads.
func (a *Adapter) GetConversations(ctx context.Context, creds oauth2.TokenSource) ([]platform.Conversation, error) {
	client, err := a.client(creds)
	if err != nil {
		return nil, err
	}
	channels, err := a.listIMs(ctx, client)
	if err != nil {
		return nil, err
	}

	names := map[string]string{}
	convs := make([]platform.Conversation, 0, len(channels))
	for _, ch := range channels {
		convs = append(convs, platform.Conversation{
			PlatformConversationID: ch.ID,
			ParticipantID:          ch.User,
			ParticipantName:        a.userName(ctx, client, names, ch.User),
		})
	}
	return convs, nil
}

// listIMs pages through the account's IM conversations.
func (a *Adapter) listIMs(ctx context.Context, client slackClient) ([]slackapi.Channel, error) {
	params := &slackapi.GetConversationsParameters{
		Types: []string{"im"},
		Limit: historyPageSize,
	}
	var all []slackapi.Channel
	for {
		channels, cursor, err := client.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, translate("list conversations", err)
		}
		all = append(all, channels...)
		if cursor == "" {
			return all, nil
		}
		params.Cursor = cursor
	}
}

// userName resolves a display name, caching per call. Lookup failures
// fall back to the user ID rather than failing the fetch.
func (a *Adapter) userName(ctx context.Context, client slackClient, cache map[string]string, userID string) string {
	if userID == "" {
		return ""
	}
	if name, ok := cache[userID]; ok {
		return name
	}
	name := userID
	if user, err := client.GetUserInfoContext(ctx, userID); err == nil {
		if user.Profile.DisplayName != "" {
			name = user.Profile.DisplayName
		} else if user.RealName != "" {
			name = user.RealName
		}
	}
	cache[userID] = name
	return name
}

// translate converts slack-go errors into the tagged taxonomy.
func translate(op string, err error) error {
	var rle *slackapi.RateLimitedError
	if errors.As(err, &rle) {
		return &platform.RateLimitError{Platform: models.PlatformSlack, RetryAfter: rle.RetryAfter}
	}
	var sce slackapi.StatusCodeError
	if errors.As(err, &sce) {
		return &platform.APIError{Platform: models.PlatformSlack, StatusCode: sce.Code, Message: sce.Status}
	}
	return fmt.Errorf("slack: %s: %w", op, err)
}

// formatTS renders a time as a Slack message timestamp.
func formatTS(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

// parseTS parses a Slack "seconds.micros" message timestamp.
func parseTS(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if len(parts) == 2 {
		micros, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return time.Unix(sec, micros*int64(time.Microsecond)).UTC()
}
