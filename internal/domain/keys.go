package domain

import (
	"errors"
	"fmt"
	"time"
)

// KeyStatus описывает состояние слота API-ключа.
type KeyStatus string

const (
	KeyStatusOK          KeyStatus = "ok"
	KeyStatusRateLimited KeyStatus = "rate_limited"
	KeyStatusError       KeyStatus = "error"
	KeyStatusUnchecked   KeyStatus = "unchecked"
)

// Имена слотов в порядке приоритета.
const (
	SlotPrimary   = "primary"
	SlotFallback  = "fallback"
	SlotFallback2 = "fallback2"
)

// KeySlot описывает состояние одного ключа API.
type KeySlot struct {
	Name          string     `json:"name"`
	UsageCount    int64      `json:"usage_count"`
	UsageLimit    int64      `json:"usage_limit"`
	Status        KeyStatus  `json:"status"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
	CycleResetDay int        `json:"cycle_reset_day,omitempty"`
	CheckedAt     time.Time  `json:"checked_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Usable сообщает, можно ли выбрать слот активным.
func (s KeySlot) Usable() bool {
	if s.Status == KeyStatusRateLimited || s.Status == KeyStatusError {
		return false
	}
	return s.UsageCount < s.UsageLimit
}

// Usage описывает ответ эндпоинта проверки использования.
type Usage struct {
	Count         int64
	Limit         int64
	CycleResetDay int
}

// UsageSnapshot фиксирует состояние всех слотов на момент проверки.
type UsageSnapshot struct {
	Slots     []KeySlot `json:"slots"`
	Active    string    `json:"active"`
	TakenAt   time.Time `json:"taken_at"`
	Exhausted bool      `json:"exhausted"`
}

// Slot возвращает слот по имени.
func (s UsageSnapshot) Slot(name string) (KeySlot, bool) {
	for _, slot := range s.Slots {
		if slot.Name == name {
			return slot, true
		}
	}
	return KeySlot{}, false
}

// ErrSourceExhausted возвращается, когда ни один ключ источника не пригоден.
var ErrSourceExhausted = errors.New("все ключи источника исчерпаны")

// RateLimitError сигнализирует об ответе 429 для конкретного слота.
type RateLimitError struct {
	Slot    string
	ResetAt *time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt != nil {
		return fmt.Sprintf("rate limited: slot %s until %s", e.Slot, e.ResetAt.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("rate limited: slot %s", e.Slot)
}
