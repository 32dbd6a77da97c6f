package email

import (
	"context"
	"sync"
)

// Message is a message captured by a MemorySender.
type Message struct {
	Recipient Address
	Subject   string
	Body      string
}

// MemorySender is a Sender that captures messages in memory. It's meant for
// use in tests.
type MemorySender struct {
	mutex    sync.Mutex
	messages []Message
}

func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

func (s *MemorySender) Send(_ context.Context, recipient Address, subject, body string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.messages = append(s.messages, Message{
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	})
	return nil
}

// Messages returns a copy of all captured messages.
func (s *MemorySender) Messages() []Message {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}
