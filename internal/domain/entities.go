package domain

import (
	"net/url"
	"strings"
	"time"
)

// SourceType различает источники кандидатов.
type SourceType string

const (
	// SourceSocial означает поиск по аккаунтам социальной сети.
	SourceSocial SourceType = "social"
	// SourceFeed означает RSS/Atom ленты.
	SourceFeed SourceType = "feed"
)

// MediaKind описывает тип вложения.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaAnimated MediaKind = "animated_gif"
)

// MediaRef ссылается на вложение поста.
type MediaRef struct {
	Kind       MediaKind
	URL        string
	PreviewURL string
}

// EvaluationProfile задаёт стратегию оценки для конкретного источника.
type EvaluationProfile struct {
	SkipEvaluation bool
	CustomPrompt   string
	MediaOnly      bool
}

// CandidateItem описывает единицу контента, полученная от источника за один тик.
type CandidateItem struct {
	ID              string
	Title           string
	Body            string
	URL             string
	PublishedAt     *time.Time
	SourceID        string
	SourceType      SourceType
	Media           []MediaRef
	Language        string
	NormalizedTitle string
	Profile         EvaluationProfile
	Justification   string
}

// Key возвращает идентичность для точного сравнения дублей.
func (c CandidateItem) Key() string {
	if c.ID != "" {
		return c.SourceID + "/" + c.ID
	}
	return CanonicalURL(c.URL)
}

// SimilarityTitle возвращает заголовок, по которому считается похожесть.
func (c CandidateItem) SimilarityTitle() string {
	if strings.TrimSpace(c.NormalizedTitle) != "" {
		return c.NormalizedTitle
	}
	return c.Title
}

// Account описывает отслеживаемый аккаунт соцсети.
type Account struct {
	Username       string
	MediaOnly      bool
	SkipEvaluation bool
	CustomPrompt   string
	LastSeenID     string
}

// UsesCustomPrompt сообщает, задан ли для аккаунта собственный промпт.
func (a Account) UsesCustomPrompt() bool {
	return strings.TrimSpace(a.CustomPrompt) != ""
}

// Profile строит стратегию оценки для постов аккаунта.
func (a Account) Profile() EvaluationProfile {
	return EvaluationProfile{SkipEvaluation: a.SkipEvaluation, CustomPrompt: a.CustomPrompt, MediaOnly: a.MediaOnly}
}

// Feed описывает RSS/Atom ленту.
type Feed struct {
	ID         string
	Name       string
	URL        string
	Language   string
	LastSeenID string
}

// SentRecord описывает запись об отправленном элементе в истории.
type SentRecord struct {
	Key             string    `json:"key"`
	URL             string    `json:"url,omitempty"`
	Title           string    `json:"title"`
	TitleNormalized string    `json:"title_normalized"`
	SentAt          time.Time `json:"sent_at"`
	SourceID        string    `json:"source_id"`
	Justification   string    `json:"justification,omitempty"`
}

// Evaluation описывает структурированный ответ классификатора.
type Evaluation struct {
	Relevant      bool
	Justification string
}

// CanonicalURL приводит ссылку к виду для точного сравнения:
// без схемы, www, фрагмента, utm-меток и завершающего слэша.
func CanonicalURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(trimmed), "/")
	}
	query := u.Query()
	for name := range query {
		if strings.HasPrefix(strings.ToLower(name), "utm_") {
			query.Del(name)
		}
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	canonical := host + strings.TrimRight(u.EscapedPath(), "/")
	if encoded := query.Encode(); encoded != "" {
		canonical += "?" + encoded
	}
	return canonical
}

// SearchResult содержит посты, найденные поиском по аккаунтам.
type SearchResult struct {
	Items []CandidateItem
	// Consumed показывает, сколько постов списано с лимита ключа.
	Consumed int64
}

// FeedResult содержит элементы одной ленты и идентификатор самой свежей записи.
type FeedResult struct {
	Items    []CandidateItem
	NewestID string
	// Unchanged означает, что самая свежая запись совпала с последней обработанной.
	Unchanged bool
}
