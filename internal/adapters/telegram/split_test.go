package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessageRespectsLimit(t *testing.T) {
	var builder strings.Builder
	builder.WriteString(strings.Repeat("а", 3000))
	builder.WriteString("\n\n")
	builder.WriteString(strings.Repeat("б", 2000))
	builder.WriteString("\n")
	builder.WriteString(strings.Repeat("в", 500))

	parts := SplitMessage(builder.String())
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if length := utf8.RuneCountInString(part); length > messageLimit {
			t.Fatalf("часть %d длиннее лимита: %d", i, length)
		}
	}
	if parts[0] != strings.Repeat("а", 3000) {
		t.Fatalf("неожиданное содержимое первой части")
	}
	if !strings.HasPrefix(parts[1], "б") || !strings.HasSuffix(parts[1], strings.Repeat("в", 500)) {
		t.Fatalf("вторая часть должна содержать блоки б и в")
	}
}

func TestSplitMessageWithoutNewlines(t *testing.T) {
	parts := SplitMessage(strings.Repeat("я", messageLimit*2+10))
	if len(parts) != 3 || utf8.RuneCountInString(parts[2]) != 10 {
		t.Fatalf("длинная строка режется по лимиту: %d частей", len(parts))
	}
}

func TestSplitMessageShortText(t *testing.T) {
	parts := SplitMessage("привет")
	if len(parts) != 1 || parts[0] != "привет" {
		t.Fatalf("короткий текст не режется: %q", parts)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := SplitMessage("   \n  "); len(parts) != 0 {
		t.Fatalf("для пустого текста частей нет, получили %d", len(parts))
	}
}

func TestSplitMessageKeepsMarkdownClosed(t *testing.T) {
	text := strings.Repeat("x", 4000) + " *жирный " + strings.Repeat("y", 200) + "* конец"
	parts := SplitMessage(text)
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	if parts[0] != strings.Repeat("x", 4000) {
		t.Fatalf("разрез внутри выделения: первая часть длиной %d", utf8.RuneCountInString(parts[0]))
	}
	if strings.Count(parts[1], "*") != 2 || !strings.HasSuffix(parts[1], "конец") {
		t.Fatalf("выделение должно целиком попасть во вторую часть: %q", parts[1][:40])
	}
}

func TestSplitMessageDoesNotCutLink(t *testing.T) {
	link := "[свежий источник](https://t.me/some_channel/1)"
	text := strings.Repeat("a", 4070) + " " + link + " хвост"
	parts := SplitMessage(text)
	if len(parts) != 2 || !strings.HasPrefix(parts[1], link) {
		t.Fatalf("ссылка не должна разрываться: %d частей", len(parts))
	}
}

func TestSplitMessagePrefersParagraph(t *testing.T) {
	text := strings.Repeat("а", 2000) + "\n\n" + strings.Repeat("б", 2000) + "\n" + strings.Repeat("в", 1000)
	parts := SplitMessage(text)
	if len(parts) != 2 || parts[0] != strings.Repeat("а", 2000) {
		t.Fatalf("разрез по абзацу предпочтительнее разреза по строке: %d частей", len(parts))
	}
}
