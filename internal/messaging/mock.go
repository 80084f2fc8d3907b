// Package messaging provides outbound message delivery for TaskPipe.
//
// This file implements a mock Service for tests and local development.
package messaging

import (
	"context"
	"sync"
)

// SentMessage records one delivered message.
type SentMessage struct {
	To   string
	Body string
}

// MockService records sent messages in memory. SendErr, when set, is returned
// by SendMessage to simulate delivery failures.
type MockService struct {
	mu      sync.Mutex
	sent    []SentMessage
	SendErr error
}

// Compile-time check that MockService implements Service.
var _ Service = (*MockService)(nil)

// NewMockService creates an empty mock delivery service.
func NewMockService() *MockService {
	return &MockService{}
}

// ValidateAndCanonicalizeRecipient applies the shared phone canonicalization.
func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizeRecipient(recipient)
}

// SendMessage records the message, or fails with SendErr when set.
func (m *MockService) SendMessage(_ context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of all recorded messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
