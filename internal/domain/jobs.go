package domain

import (
	"context"
	"time"
)

// CycleTrigger описывает источник запуска цикла дайджеста.
type CycleTrigger string

const (
	// TriggerManual: администратор запросил перегенерацию.
	TriggerManual CycleTrigger = "manual"
	// TriggerScheduled: цикл запущен по расписанию.
	TriggerScheduled CycleTrigger = "scheduled"
)

// RetryJob описывает повторную доставку дайджеста одному получателю.
type RetryJob struct {
	ID          string    `json:"job_id"`
	Date        time.Time `json:"date"`
	Generation  int       `json:"generation"`
	RecipientID int64     `json:"recipient_id"`
	Attempt     int       `json:"attempt"` // уже сделанные попытки
	NotBefore   time.Time `json:"not_before"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// RetryQueue описывает очередь повторных доставок.
type RetryQueue interface {
	Enqueue(ctx context.Context, job RetryJob) error
	Receive(ctx context.Context) (RetryJob, AckFunc, error)
}

// AckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type AckFunc func(success bool) error
