package telegram

import "strings"

const (
	// MessageLimit задаёт максимальную длину текста сообщения.
	MessageLimit = 4096
	// CaptionLimit задаёт максимальную длину подписи к медиа.
	CaptionLimit = 1024
)

// SplitMessage режет текст на части не длиннее лимита сообщения.
func SplitMessage(text string) []string {
	return SplitText(text, MessageLimit)
}

// SplitText режет текст на части не длиннее limit рун, предпочитая границы строк,
// чтобы HTML-разметка внутри строки не разрывалась.
func SplitText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 {
		limit = MessageLimit
	}

	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			if chunk := strings.Trim(string(runes[start:]), "\n"); chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := lastBreak(runes, start, end)
		if chunk := strings.Trim(string(runes[start:split]), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}
	if len(parts) == 0 {
		return []string{trimmed}
	}
	return parts
}

// lastBreak ищет последний перевод строки в окне, затем пробел; иначе режет по лимиту.
func lastBreak(runes []rune, start, end int) int {
	for i := end; i > start; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := end; i > start; i-- {
		if runes[i-1] == ' ' {
			return i
		}
	}
	return end
}

// FitCaption укладывает подпись в лимит. Если не помещается, возвращает false.
func FitCaption(caption string) (string, bool) {
	caption = strings.TrimSpace(caption)
	return caption, len([]rune(caption)) <= CaptionLimit
}
