package pipeline

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/usecase/dedup"
)

// Названия стадий в порядке выполнения.
const (
	StageRecency    = "recency"
	StageDenylist   = "denylist"
	StageNormalize  = "normalize"
	StageHistory    = "history"
	StageCrossBatch = "cross_batch"
	StageScreen     = "screen"
	StageEvaluate   = "evaluate"
)

// Stage описывает шаг фильтрации, который делит вход на оставленные и отброшенные элементы.
type Stage struct {
	Name string
	Run  func(ctx context.Context, items []domain.CandidateItem, opts RunOptions) (kept, rejected []domain.CandidateItem)
}

// Partition делит элементы предикатом, сохраняя порядок.
func Partition(items []domain.CandidateItem, keep func(domain.CandidateItem) bool) (kept, rejected []domain.CandidateItem) {
	kept = make([]domain.CandidateItem, 0, len(items))
	for _, item := range items {
		if keep(item) {
			kept = append(kept, item)
			continue
		}
		rejected = append(rejected, item)
	}
	return kept, rejected
}

// IsRecent оставляет элементы без даты, из будущего или не старше интервала опроса.
func IsRecent(item domain.CandidateItem, now time.Time, interval time.Duration) bool {
	if item.PublishedAt == nil || interval <= 0 {
		return true
	}
	if item.PublishedAt.After(now) {
		return true
	}
	return !item.PublishedAt.Before(now.Add(-interval))
}

// Denylist хранит запрещённые ключевые слова и префиксы путей.
type Denylist struct {
	Keywords     []string `yaml:"keywords"`
	PathPrefixes []string `yaml:"path_prefixes"`
}

// Matches сообщает, попадает ли элемент под запрет.
func (d Denylist) Matches(item domain.CandidateItem) bool {
	path := ""
	if u, err := url.Parse(strings.TrimSpace(item.URL)); err == nil {
		path = strings.ToLower(u.Path)
	}
	title := dedup.NormalizeTitle(item.Title)
	for _, prefix := range d.PathPrefixes {
		prefix = strings.ToLower(strings.TrimSpace(prefix))
		if prefix == "" {
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, keyword := range d.Keywords {
		raw := strings.ToLower(strings.TrimSpace(keyword))
		if raw == "" {
			continue
		}
		if path != "" && strings.Contains(path, raw) {
			return true
		}
		if normalized := dedup.NormalizeTitle(raw); normalized != "" && strings.Contains(title, normalized) {
			return true
		}
	}
	return false
}

// SortOldestFirst сортирует по дате публикации; элементы без даты идут последними.
func SortOldestFirst(items []domain.CandidateItem) []domain.CandidateItem {
	out := append([]domain.CandidateItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].PublishedAt, out[j].PublishedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return out
}

// CrossBatch оставляет первый по времени экземпляр среди похожих элементов батча,
// сравнивая также с недавно отправленными записями.
func CrossBatch(items []domain.CandidateItem, recent []domain.SentRecord, threshold float64) (kept, rejected []domain.CandidateItem) {
	ordered := SortOldestFirst(items)
	seenKeys := make(map[string]struct{}, len(ordered)+len(recent))
	titles := make([]string, 0, len(ordered)+len(recent))
	for _, rec := range recent {
		seenKeys[rec.Key] = struct{}{}
		if rec.URL != "" {
			seenKeys[rec.URL] = struct{}{}
		}
		titles = append(titles, rec.TitleNormalized)
	}

	for _, item := range ordered {
		if isDuplicate(item, seenKeys, titles, threshold) {
			rejected = append(rejected, item)
			continue
		}
		kept = append(kept, item)
		seenKeys[item.Key()] = struct{}{}
		if canonical := domain.CanonicalURL(item.URL); canonical != "" {
			seenKeys[canonical] = struct{}{}
		}
		titles = append(titles, item.SimilarityTitle())
	}
	return kept, rejected
}

func isDuplicate(item domain.CandidateItem, keys map[string]struct{}, titles []string, threshold float64) bool {
	if _, ok := keys[item.Key()]; ok {
		return true
	}
	if canonical := domain.CanonicalURL(item.URL); canonical != "" {
		if _, ok := keys[canonical]; ok {
			return true
		}
	}
	title := item.SimilarityTitle()
	for _, other := range titles {
		if dedup.TitleSimilarity(title, other) >= threshold {
			return true
		}
	}
	return false
}
