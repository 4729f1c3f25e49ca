package testutil

import (
	"context"
	"sync"
)

// Sent хранит отправленное сообщение.
type Sent struct {
	RecipientID int64
	Text        string
}

// Sender запоминает отправки. Ошибки из Fail выдаются по очереди для каждого получателя.
type Sender struct {
	mu   sync.Mutex
	sent []Sent
	fail map[int64][]error
	hook func(recipientID int64)
}

// NewSender создаёт фейковый отправитель.
func NewSender() *Sender {
	return &Sender{fail: make(map[int64][]error)}
}

// Fail задаёт ошибки следующих отправок получателю. nil в списке означает успех.
func (s *Sender) Fail(recipientID int64, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[recipientID] = append(s.fail[recipientID], errs...)
}

// OnSend вызывает hook перед каждой отправкой.
func (s *Sender) OnSend(hook func(recipientID int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// SendText реализует domain.Sender.
func (s *Sender) SendText(ctx context.Context, recipientID int64, text string) error {
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(recipientID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if queue := s.fail[recipientID]; len(queue) > 0 {
		err := queue[0]
		s.fail[recipientID] = queue[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, Sent{RecipientID: recipientID, Text: text})
	return nil
}

// Sent возвращает копию успешных отправок.
func (s *Sender) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// SentTo считает успешные отправки получателю.
func (s *Sender) SentTo(recipientID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.RecipientID == recipientID {
			n++
		}
	}
	return n
}
