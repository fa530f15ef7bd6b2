package platform

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// MockAdapter implements Adapter for testing. It returns queued results,
// fails with configured errors, and records every call.
type MockAdapter struct {
	mu sync.Mutex

	name string

	fetchResults [][]Message
	fetchErrs    []error
	sendResult   *Message
	sendErr      error
	markErr      error
	convResult   []Conversation
	convErr      error

	fetchCalls []time.Time // since values, in call order
	sent       []string    // content of each SendMessage call
	marked     []string    // messageID of each MarkAsRead call
}

// NewMockAdapter creates a MockAdapter for the named platform.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{name: name}
}

// Platform returns the configured platform name.
func (m *MockAdapter) Platform() string { return m.name }

// QueueFetch enqueues one FetchMessages outcome. Outcomes are consumed in
// order; once drained, FetchMessages returns empty success.
func (m *MockAdapter) QueueFetch(msgs []Message, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchResults = append(m.fetchResults, msgs)
	m.fetchErrs = append(m.fetchErrs, err)
}

// SetSendResult configures the SendMessage outcome.
func (m *MockAdapter) SetSendResult(msg *Message, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendResult, m.sendErr = msg, err
}

// SetMarkErr configures the MarkAsRead outcome.
func (m *MockAdapter) SetMarkErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markErr = err
}

// SetConversations configures the GetConversations outcome.
func (m *MockAdapter) SetConversations(convs []Conversation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convResult, m.convErr = convs, err
}

// FetchCalls returns the since value of each FetchMessages call.
func (m *MockAdapter) FetchCalls() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.fetchCalls...)
}

// Sent returns the content of each SendMessage call.
func (m *MockAdapter) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Marked returns the messageID of each MarkAsRead call.
func (m *MockAdapter) Marked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.marked...)
}

func (m *MockAdapter) FetchMessages(ctx context.Context, creds oauth2.TokenSource, since time.Time) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls = append(m.fetchCalls, since)
	if len(m.fetchResults) == 0 {
		return nil, nil
	}
	msgs, err := m.fetchResults[0], m.fetchErrs[0]
	m.fetchResults = m.fetchResults[1:]
	m.fetchErrs = m.fetchErrs[1:]
	return msgs, err
}

func (m *MockAdapter) SendMessage(ctx context.Context, creds oauth2.TokenSource, conversationID, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, content)
	if m.sendResult != nil {
		return m.sendResult, nil
	}
	return &Message{
		PlatformConversationID: conversationID,
		PlatformMessageID:      "mock-sent",
		Content:                content,
		IsOutgoing:             true,
		SentAt:                 time.Now(),
	}, nil
}

func (m *MockAdapter) MarkAsRead(ctx context.Context, creds oauth2.TokenSource, conversationID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.marked = append(m.marked, messageID)
	return nil
}

func (m *MockAdapter) GetConversations(ctx context.Context, creds oauth2.TokenSource) ([]Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convResult, m.convErr
}
