package summarizer

import "unicode/utf8"

const (
	clipMarker = "…"
	// perTextOverhead учитывает нумерацию и разделители в промпте.
	perTextOverhead = 12
)

// FitTexts укладывает тексты в limit рун, обрезая каждый пропорционально его длине.
// Ни один текст не выбрасывается: у каждого остаётся хотя бы одна руна и маркер обрезки.
func FitTexts(texts []string, limit int) []string {
	if limit <= 0 || len(texts) == 0 {
		return texts
	}
	lengths := make([]int, len(texts))
	total := 0
	for i, text := range texts {
		lengths[i] = utf8.RuneCountInString(text)
		total += lengths[i]
	}
	budget := limit - perTextOverhead*len(texts)
	if total <= budget {
		return texts
	}
	// под маркер обрезки резервируется по руне на текст
	budget -= len(texts)
	if budget < len(texts) {
		budget = len(texts)
	}

	out := make([]string, len(texts))
	for i, text := range texts {
		share := int(int64(budget) * int64(lengths[i]) / int64(total))
		if share < 1 {
			share = 1
		}
		out[i] = clipRunes(text, share)
	}
	return out
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + clipMarker
}
