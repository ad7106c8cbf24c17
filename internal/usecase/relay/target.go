package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
)

// ErrTargetUnavailable возвращается, если целевой чат недоступен даже после повторного поиска.
var ErrTargetUnavailable = errors.New("relay: целевой чат недоступен")

// Target хранит id целевого чата и проверяет его перед каждым тиком.
type Target struct {
	messenger domain.Messenger
	address   string
	log       zerolog.Logger

	mu     sync.Mutex
	chatID int64
}

// NewTarget создаёт цель по адресу (@username, ссылка t.me или числовой id).
func NewTarget(messenger domain.Messenger, address string, logger zerolog.Logger) *Target {
	return &Target{messenger: messenger, address: address, log: logger}
}

// Ensure возвращает проверенный id чата. При ошибке проверки чат ищется заново один раз.
func (t *Target) Ensure(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.chatID != 0 {
		err := t.messenger.CheckChat(ctx, t.chatID)
		if err == nil {
			return t.chatID, nil
		}
		t.log.Warn().Err(err).Int64("chat_id", t.chatID).Msg("relay: целевой чат не прошёл проверку, ищем заново")
		t.chatID = 0
	}
	id, err := t.messenger.ResolveChat(ctx, t.address)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrTargetUnavailable, t.address, err)
	}
	t.chatID = id
	return id, nil
}

// ChatID возвращает последний известный id чата.
func (t *Target) ChatID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chatID
}
