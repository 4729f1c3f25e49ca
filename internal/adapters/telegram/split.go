package telegram

import "strings"

const messageLimit = 4096

// Биты незакрытой разметки Markdown перед позицией текста.
const (
	openCode uint8 = 1 << iota
	openBold
	openItalic
	openLinkText
	openLinkURL
)

var separators = [][]rune{[]rune("\n\n"), []rune("\n"), []rune(" ")}

// SplitMessage режет текст на части не длиннее лимита сообщения Telegram.
// Разрез ищется на границе абзаца, затем строки, затем слова, и только там,
// где разметка Markdown закрыта: каждая часть отправляется отдельным сообщением
// и должна разбираться сама по себе.
func SplitMessage(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var parts []string
	for len(runes) > messageLimit {
		cut := cutPoint(runes[:messageLimit])
		if part := strings.TrimSpace(string(runes[:cut])); part != "" {
			parts = append(parts, part)
		}
		runes = runes[cut:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == ' ') {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// cutPoint возвращает длину первой части окна. Если закрытой границы нет,
// режет по самой крупной найденной границе, а без границ по лимиту.
func cutPoint(window []rune) int {
	open := markupState(window)
	fallback := 0
	for _, sep := range separators {
		for i := len(window) - len(sep); i > 0; i-- {
			if !hasPrefix(window[i:], sep) {
				continue
			}
			if fallback == 0 {
				fallback = i + len(sep)
			}
			if open[i] == 0 {
				return i + len(sep)
			}
		}
	}
	if fallback > 0 {
		return fallback
	}
	return len(window)
}

// markupState для каждой позиции возвращает разметку, открытую перед ней.
// Внутри кода и адреса ссылки символы разметки не считаются.
func markupState(runes []rune) []uint8 {
	state := make([]uint8, len(runes)+1)
	var cur uint8
	for i, r := range runes {
		state[i] = cur
		literal := cur&(openCode|openLinkURL) != 0
		switch {
		case r == '`' && cur&openLinkURL == 0:
			cur ^= openCode
		case literal:
			if r == ')' && cur&openLinkURL != 0 {
				cur &^= openLinkURL
			}
		case r == '*':
			cur ^= openBold
		case r == '_':
			cur ^= openItalic
		case r == '[':
			cur |= openLinkText
		case r == ']' && cur&openLinkText != 0:
			cur &^= openLinkText
			if i+1 < len(runes) && runes[i+1] == '(' {
				cur |= openLinkURL
			}
		}
	}
	state[len(runes)] = cur
	return state
}

func hasPrefix(runes, prefix []rune) bool {
	if len(runes) < len(prefix) {
		return false
	}
	for i, r := range prefix {
		if runes[i] != r {
			return false
		}
	}
	return true
}
