package domain

import (
	"context"
	"time"
)

// CompletionRequest описывает запрос к сервису генерации текста.
type CompletionRequest struct {
	Kind        string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSON просит модель вернуть объект JSON.
	JSON bool
}

// Completer генерирует текст во внешнем сервисе.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Classifier принимает решения о релевантности на структурированной границе.
type Classifier interface {
	// Screen отмечает релевантные заголовки одним запросом.
	Screen(ctx context.Context, titles []string) ([]bool, error)
	// Evaluate оценивает заголовок и текст элемента.
	Evaluate(ctx context.Context, item CandidateItem, customPrompt string) (Evaluation, error)
	// NormalizeTitle переводит заголовок на опорный язык.
	NormalizeTitle(ctx context.Context, title, language string) (string, error)
	// Summarize готовит текст для публикации на целевом языке.
	Summarize(ctx context.Context, item CandidateItem) (string, error)
}

// Messenger отправляет сообщения в целевой чат.
type Messenger interface {
	ResolveChat(ctx context.Context, target string) (int64, error)
	CheckChat(ctx context.Context, chatID int64) error
	SendText(ctx context.Context, chatID int64, text string) error
	SendMedia(ctx context.Context, chatID int64, media []MediaRef, caption string) error
}

// UsageChecker запрашивает использование ключа по имени слота.
type UsageChecker interface {
	CheckUsage(ctx context.Context, slot string) (Usage, error)
}

// SnapshotStore хранит краткоживущий снимок использования ключей.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) (UsageSnapshot, bool, error)
	SaveSnapshot(ctx context.Context, snapshot UsageSnapshot, ttl time.Duration) error
}

// SentJournal хранит долговременное зеркало истории отправок.
type SentJournal interface {
	SaveSent(ctx context.Context, record SentRecord, ttl time.Duration) error
	LoadSent(ctx context.Context, since time.Time) ([]SentRecord, error)
	PruneSent(ctx context.Context, before time.Time) error
}

// SocialSearcher ищет свежие посты аккаунтов с ключом указанного слота.
type SocialSearcher interface {
	SearchRecent(ctx context.Context, slot string, usernames []string, sinceID string) (SearchResult, error)
}

// FeedFetcher загружает RSS/Atom ленту.
type FeedFetcher interface {
	Fetch(ctx context.Context, feed Feed) (FeedResult, error)
}
