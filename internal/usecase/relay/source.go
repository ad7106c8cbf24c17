package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
)

// Имена источников для планировщика и админки.
const (
	SourceNameSocial = "social"
	SourceNameFeeds  = "feeds"
)

// Source отдаёт кандидатов одного источника. Advance фиксирует позиции, увиденные последним Fetch.
type Source interface {
	Name() string
	Type() domain.SourceType
	Interval() time.Duration
	Fetch(ctx context.Context) ([]domain.CandidateItem, error)
	Advance()
}

// KeyRotator выполняет запросы с активным ключом и учитывает расход.
type KeyRotator interface {
	Do(ctx context.Context, fn func(ctx context.Context, slot string) error) error
	RecordUsage(slot string, n int64)
}

// SocialSource ищет посты отслеживаемых аккаунтов.
type SocialSource struct {
	searcher domain.SocialSearcher
	rotator  KeyRotator
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	accounts []domain.Account
	pending  map[string]string
}

// NewSocialSource создаёт источник по списку аккаунтов.
func NewSocialSource(searcher domain.SocialSearcher, rotator KeyRotator, accounts []domain.Account, interval time.Duration, logger zerolog.Logger) *SocialSource {
	return &SocialSource{
		searcher: searcher,
		rotator:  rotator,
		interval: interval,
		log:      logger,
		accounts: append([]domain.Account(nil), accounts...),
		pending:  make(map[string]string),
	}
}

func (s *SocialSource) Name() string            { return SourceNameSocial }
func (s *SocialSource) Type() domain.SourceType { return domain.SourceSocial }
func (s *SocialSource) Interval() time.Duration { return s.interval }

// Accounts возвращает копию списка аккаунтов с текущими позициями.
func (s *SocialSource) Accounts() []domain.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Account(nil), s.accounts...)
}

// Fetch выполняет поиск через ротацию ключей и раскладывает посты по аккаунтам.
func (s *SocialSource) Fetch(ctx context.Context) ([]domain.CandidateItem, error) {
	accounts := s.Accounts()
	if len(accounts) == 0 {
		return nil, nil
	}
	byName := make(map[string]domain.Account, len(accounts))
	usernames := make([]string, 0, len(accounts))
	for _, a := range accounts {
		byName[strings.ToLower(a.Username)] = a
		usernames = append(usernames, a.Username)
	}

	var result domain.SearchResult
	err := s.rotator.Do(ctx, func(ctx context.Context, slot string) error {
		res, err := s.searcher.SearchRecent(ctx, slot, usernames, oldestSeen(accounts))
		if err != nil {
			return err
		}
		s.rotator.RecordUsage(slot, res.Consumed)
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	pending := make(map[string]string)
	var items []domain.CandidateItem
	for _, item := range result.Items {
		name := strings.ToLower(strings.TrimPrefix(item.SourceID, "@"))
		account, ok := byName[name]
		if !ok {
			continue
		}
		if account.LastSeenID != "" && CompareIDs(item.ID, account.LastSeenID) <= 0 {
			continue
		}
		if CompareIDs(item.ID, pending[name]) > 0 {
			pending[name] = item.ID
		}
		if account.MediaOnly && len(item.Media) == 0 {
			continue
		}
		item.Profile = account.Profile()
		items = append(items, item)
	}

	s.mu.Lock()
	s.pending = pending
	s.mu.Unlock()
	return items, nil
}

// Advance переносит максимальные увиденные id в позиции аккаунтов.
func (s *SocialSource) Advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.accounts {
		if id, ok := s.pending[strings.ToLower(a.Username)]; ok && CompareIDs(id, a.LastSeenID) > 0 {
			s.accounts[i].LastSeenID = id
		}
	}
	s.pending = make(map[string]string)
}

// oldestSeen возвращает наименьшую позицию, если она есть у всех аккаунтов.
func oldestSeen(accounts []domain.Account) string {
	oldest := ""
	for _, a := range accounts {
		if a.LastSeenID == "" {
			return ""
		}
		if oldest == "" || CompareIDs(a.LastSeenID, oldest) < 0 {
			oldest = a.LastSeenID
		}
	}
	return oldest
}

// CompareIDs сравнивает числовые идентификаторы постов произвольной длины.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// FeedSource опрашивает список RSS/Atom лент.
type FeedSource struct {
	fetcher  domain.FeedFetcher
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	feeds   []domain.Feed
	pending map[string]string
}

// NewFeedSource создаёт источник лент.
func NewFeedSource(fetcher domain.FeedFetcher, feeds []domain.Feed, interval time.Duration, logger zerolog.Logger) *FeedSource {
	return &FeedSource{
		fetcher:  fetcher,
		interval: interval,
		log:      logger,
		feeds:    append([]domain.Feed(nil), feeds...),
		pending:  make(map[string]string),
	}
}

func (f *FeedSource) Name() string            { return SourceNameFeeds }
func (f *FeedSource) Type() domain.SourceType { return domain.SourceFeed }
func (f *FeedSource) Interval() time.Duration { return f.interval }

// Feeds возвращает копию списка лент.
func (f *FeedSource) Feeds() []domain.Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Feed(nil), f.feeds...)
}

// Fetch загружает все ленты. Ошибка одной ленты логируется, остальные продолжают обрабатываться;
// ошибка возвращается, только если не удалось загрузить ни одной.
func (f *FeedSource) Fetch(ctx context.Context) ([]domain.CandidateItem, error) {
	feeds := f.Feeds()
	pending := make(map[string]string, len(feeds))
	var items []domain.CandidateItem
	var lastErr error
	failed := 0
	for _, feed := range feeds {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res, err := f.fetcher.Fetch(ctx, feed)
		if err != nil {
			failed++
			lastErr = err
			f.log.Warn().Err(err).Str("feed", feed.ID).Msg("relay: лента не загрузилась, продолжаем")
			continue
		}
		if res.Unchanged {
			continue
		}
		if res.NewestID != "" {
			pending[feed.ID] = res.NewestID
		}
		items = append(items, res.Items...)
	}
	if len(feeds) > 0 && failed == len(feeds) {
		return nil, lastErr
	}
	f.mu.Lock()
	f.pending = pending
	f.mu.Unlock()
	return items, nil
}

// Advance запоминает самые свежие записи лент.
func (f *FeedSource) Advance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, feed := range f.feeds {
		if id, ok := f.pending[feed.ID]; ok {
			f.feeds[i].LastSeenID = id
		}
	}
	f.pending = make(map[string]string)
}
