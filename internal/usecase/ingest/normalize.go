package ingest

import (
	"html"
	"regexp"
	"strings"
)

var (
	markupTagRegex = regexp.MustCompile(`(?i)</?(?:b|strong|i|em|u|ins|s|strike|del|a|code|pre|span|tg-spoiler|tg-emoji|blockquote|br|p)(?:\s[^>]*)?/?>`)
	blankRunRegex  = regexp.MustCompile(`\n{3,}`)
	mdMarkers      = strings.NewReplacer("```", "", "**", "", "__", "", "~~", "", "||", "", "`", "")
)

// NormalizeText приводит текст к виду, пригодному для хранения и отпечатка:
// убирает разметку транспорта, пробелы по краям строк и повторные пустые строки.
func NormalizeText(raw string) string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\u00a0", " ")
	if markupTagRegex.MatchString(text) {
		text = markupTagRegex.ReplaceAllString(text, "")
		text = html.UnescapeString(text)
	}
	text = mdMarkers.Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")
	text = blankRunRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
