package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateExternalID: сообщение с таким (channel, external_id) уже сохранено.
	ErrDuplicateExternalID = errors.New("сообщение уже сохранено")
	// ErrDuplicateContent: содержимое повторяет сообщение из того же окна.
	ErrDuplicateContent = errors.New("повтор содержимого")
	// ErrCompilationFailed: дайджест не удалось собрать.
	ErrCompilationFailed = errors.New("не удалось собрать дайджест")
	// ErrDeliveryFailed: не удалось доставить дайджест получателю.
	ErrDeliveryFailed = errors.New("не удалось доставить дайджест")
	// ErrConfiguration: неполная или некорректная конфигурация.
	ErrConfiguration = errors.New("ошибка конфигурации")

	ErrNotFound          = errors.New("не найдено")
	ErrChannelNotFound   = errors.New("канал не найден")
	ErrEmptyText         = errors.New("пустой текст сообщения")
	ErrInvalidTransition = errors.New("недопустимый переход статуса")
	ErrStaleGeneration   = errors.New("цикл дайджеста вытеснен перегенерацией")
	ErrCycleInProgress   = errors.New("цикл дайджеста уже выполняется")
)

// DeliveryError описывает неуспешную отправку текста получателю.
type DeliveryError struct {
	Transient  bool
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "постоянная"
	if e.Transient {
		kind = "временная"
	}
	return fmt.Sprintf("доставка (%s ошибка): %v", kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is позволяет сопоставлять ошибку с ErrDeliveryFailed.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// TransientDelivery оборачивает временную ошибку доставки.
func TransientDelivery(err error, retryAfter time.Duration) error {
	return &DeliveryError{Transient: true, RetryAfter: retryAfter, Err: err}
}

// PermanentDelivery оборачивает постоянную ошибку доставки.
func PermanentDelivery(err error) error {
	return &DeliveryError{Err: err}
}

// IsTransientDelivery проверяет, можно ли повторить доставку.
func IsTransientDelivery(err error) (bool, time.Duration) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Transient, de.RetryAfter
	}
	return false, 0
}

// SummarizationError описывает сбой внешней суммаризации.
type SummarizationError struct {
	Transient bool
	Attempts  int
	Err       error
}

func (e *SummarizationError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("суммаризация: %d попыток: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("суммаризация: %v", e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }
