package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MinWordLength задаёт длину слова, начиная с которой и ниже слова не участвуют в сравнении.
const MinWordLength = 3

// NormalizeTitle приводит заголовок к нижнему регистру без диакритики и пунктуации.
func NormalizeTitle(title string) string {
	folded := foldAccents(strings.ToLower(title))
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(cleaned), " ")
}

// TitleWords возвращает множество значимых слов заголовка.
func TitleWords(title string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, word := range strings.Fields(NormalizeTitle(title)) {
		if len([]rune(word)) <= MinWordLength {
			continue
		}
		words[word] = struct{}{}
	}
	return words
}

// TitleSimilarity считает долю общих значимых слов относительно их объединения.
func TitleSimilarity(a, b string) float64 {
	left := TitleWords(a)
	right := TitleWords(b)
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	common := 0
	for word := range left {
		if _, ok := right[word]; ok {
			common++
		}
	}
	union := len(left) + len(right) - common
	return float64(common) / float64(union)
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
