package digest

import (
	"fmt"
	"strings"
	"time"
)

var monthsGenitive = [...]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// HumanDate форматирует дату как «10 марта 2024».
func HumanDate(date time.Time) string {
	return fmt.Sprintf("%d %s %d", date.Day(), monthsGenitive[date.Month()-1], date.Year())
}

// FormatDigest добавляет к тексту сводки заголовок с датой.
func FormatDigest(date time.Time, body string) string {
	var builder strings.Builder
	builder.WriteString("📰 *Дайджест за ")
	builder.WriteString(HumanDate(date))
	builder.WriteString("*")
	if body = strings.TrimSpace(body); body != "" {
		builder.WriteString("\n\n")
		builder.WriteString(body)
	}
	return builder.String()
}

// NoContentText возвращает детерминированный текст для дня без новых сообщений.
func NoContentText(date time.Time) string {
	return FormatDigest(date, "За этот день в отслеживаемых каналах не было новых сообщений.")
}

// RenderMessage готовит сообщение к суммаризации: текст и строка со ссылкой на источник.
func RenderMessage(text, channel, link string) string {
	var builder strings.Builder
	if channel != "" {
		builder.WriteString("[")
		builder.WriteString(channel)
		builder.WriteString("] ")
	}
	builder.WriteString(strings.TrimSpace(text))
	if link != "" {
		builder.WriteString("\nИсточник: ")
		builder.WriteString(link)
	}
	return builder.String()
}
