package testutils

import (
	"context"
	"sync"

	"github.com/TommyLike/mailman/mailinglist"
)

// RecordingMailer keeps every message handed to it. A non-nil Err is
// returned from Send after the message is recorded.
type RecordingMailer struct {
	mu       sync.Mutex
	messages []*mailinglist.OutgoingMessage
	Err      error
}

func (m *RecordingMailer) Send(_ context.Context, msg *mailinglist.OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return m.Err
}

func (m *RecordingMailer) Messages() []*mailinglist.OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*mailinglist.OutgoingMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// ByKind returns the recorded messages of one kind, in send order.
func (m *RecordingMailer) ByKind(kind string) []*mailinglist.OutgoingMessage {
	var out []*mailinglist.OutgoingMessage
	for _, msg := range m.Messages() {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func (m *RecordingMailer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
