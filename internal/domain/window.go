package domain

import (
	"fmt"
	"time"
)

// DateLayout задаёт формат даты дайджеста в командах, ключах и API.
const DateLayout = "2006-01-02"

// DigestDate приводит момент времени к календарной дате в указанной зоне.
// Дата хранится как полночь UTC, чтобы сравнение и ключи не зависели от зоны.
func DigestDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// WindowBounds возвращает окно [start, end) для даты дайджеста в зоне loc.
func WindowBounds(date time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
	end := time.Date(date.Year(), date.Month(), date.Day()+1, 0, 0, 0, 0, loc)
	return start, end
}

// ParseDate разбирает дату в формате 2006-01-02.
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("дата %q: ожидается формат ГГГГ-ММ-ДД", value)
	}
	return t, nil
}

// FormatDate форматирует дату дайджеста.
func FormatDate(date time.Time) string {
	return date.Format(DateLayout)
}
