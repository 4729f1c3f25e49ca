package summarizer

import (
	"context"
	"strings"
	"unicode"

	"github.com/egv/ezra/internal/domain"
)

const (
	simpleSentenceLimit = 200
	sourcePrefix        = "Источник:"
)

// SimpleSummarizer реализует domain.Summarizer эвристикой: первое предложение
// каждого текста плюс ссылка на источник. Работает без сети и детерминированно.
type SimpleSummarizer struct{}

var _ domain.Summarizer = (*SimpleSummarizer)(nil)

// NewSimple создаёт Summarizer.
func NewSimple() *SimpleSummarizer {
	return &SimpleSummarizer{}
}

// Summarize строит список пунктов; для объединения склеивает сводки.
func (s *SimpleSummarizer) Summarize(ctx context.Context, texts []string, hint domain.StyleHint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if hint.Kind == domain.SummaryCombine {
		parts := make([]string, 0, len(texts))
		for _, text := range texts {
			if trimmed := strings.TrimSpace(text); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		return strings.Join(parts, "\n"), nil
	}

	lines := make([]string, 0, len(texts))
	for _, text := range texts {
		body, source := splitSource(text)
		sentence := truncate(firstSentence(body), simpleSentenceLimit)
		if sentence == "" {
			continue
		}
		line := "• " + sentence
		if source != "" {
			line += " (" + source + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func splitSource(text string) (string, string) {
	var body []string
	source := ""
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, sourcePrefix) {
			source = strings.TrimSpace(strings.TrimPrefix(trimmed, sourcePrefix))
			continue
		}
		body = append(body, line)
	}
	return strings.TrimSpace(strings.Join(body, "\n")), source
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
			return strings.TrimSpace(string(runes[:i+1]))
		}
	}
	return strings.TrimSpace(text)
}

func truncate(s string, limit int) string {
	return clipRunes(s, limit)
}
