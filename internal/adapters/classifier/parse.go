package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tg-relay-bot/internal/domain"
)

const (
	verdictDelimiter = "::"
	flagRelevant     = "relevant"
	flagNull         = "null"
)

// ErrUnparseable возвращается, если ответ модели не удалось разобрать.
var ErrUnparseable = errors.New("classifier: ответ не распознан")

// ParseVerdict разбирает ответ вида "relevant::обоснование" или "null::причина".
// Ответ без разделителя считается голым флагом без обоснования.
func ParseVerdict(raw string) (domain.Evaluation, error) {
	text := stripWrapping(raw)
	flag, justification := text, ""
	if idx := strings.Index(text, verdictDelimiter); idx >= 0 {
		flag = text[:idx]
		justification = strings.TrimSpace(text[idx+len(verdictDelimiter):])
	}
	flag = strings.ToLower(strings.Trim(strings.TrimSpace(flag), "*\"'`. "))
	switch flag {
	case flagRelevant:
		return domain.Evaluation{Relevant: true, Justification: justification}, nil
	case flagNull:
		return domain.Evaluation{Relevant: false, Justification: justification}, nil
	default:
		return domain.Evaluation{}, fmt.Errorf("%w: %q", ErrUnparseable, clip(raw, 200))
	}
}

type screenPayload struct {
	Relevant []int `json:"relevant"`
}

// ParseScreen разбирает ответ предварительного отбора {"relevant": [1, 3]}
// в отметки для total заголовков (нумерация с единицы).
func ParseScreen(raw string, total int) ([]bool, error) {
	text := stripWrapping(raw)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: нет JSON-объекта в %q", ErrUnparseable, clip(raw, 200))
	}
	var payload screenPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	flags := make([]bool, total)
	for _, n := range payload.Relevant {
		if n < 1 || n > total {
			return nil, fmt.Errorf("%w: номер %d вне диапазона 1..%d", ErrUnparseable, n, total)
		}
		flags[n-1] = true
	}
	return flags, nil
}

func stripWrapping(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.Index(text, "\n"); nl >= 0 && !strings.Contains(text[:nl], verdictDelimiter) && !strings.Contains(text[:nl], "{") {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}

func clip(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
