package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

var (
	urlRegex     = regexp.MustCompile(`(?i)(?:https?://|www\.|t\.me/)\S+`)
	mentionRegex = regexp.MustCompile(`@[\p{L}\p{N}_]+`)
)

// Fingerprint считает отпечаток нормализованного текста: нижний регистр, без ссылок,
// упоминаний и пунктуации. Если после очистки ничего не осталось, хэшируется
// исходный текст в нижнем регистре, чтобы посты из одних ссылок не склеивались.
func Fingerprint(text string) string {
	lowered := strings.ToLower(text)
	canonical := Canonical(lowered)
	if canonical == "" {
		canonical = strings.Join(strings.Fields(lowered), " ")
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Canonical возвращает текст, по которому считается отпечаток.
func Canonical(text string) string {
	text = strings.ToLower(text)
	text = urlRegex.ReplaceAllString(text, " ")
	text = mentionRegex.ReplaceAllString(text, " ")
	text = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}
