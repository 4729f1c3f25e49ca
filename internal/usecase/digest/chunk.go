package digest

import "unicode/utf8"

// Chunk жадно раскладывает тексты по пачкам не длиннее budget рун, сохраняя порядок.
// Текст никогда не делится; слишком длинный текст занимает отдельную пачку.
func Chunk(texts []string, budget int) [][]string {
	if len(texts) == 0 {
		return nil
	}
	if budget <= 0 {
		return [][]string{texts}
	}
	var (
		chunks  [][]string
		current []string
		size    int
	)
	for _, text := range texts {
		n := utf8.RuneCountInString(text)
		if len(current) > 0 && size+n > budget {
			chunks = append(chunks, current)
			current, size = nil, 0
		}
		current = append(current, text)
		size += n
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
