package dedup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
)

const (
	defaultRetention = 48 * time.Hour
	defaultThreshold = 0.65
)

// Options настраивает историю отправок.
type Options struct {
	Retention time.Duration
	Threshold float64
	Journal   domain.SentJournal
	Clock     func() time.Time
	Logger    zerolog.Logger
}

// History хранит отправленные элементы в пределах окна хранения
// и отвечает на вопрос, не отправляли ли мы это (или похожее) раньше.
type History struct {
	mu        sync.Mutex
	records   map[string]domain.SentRecord
	retention time.Duration
	threshold float64
	journal   domain.SentJournal
	now       func() time.Time
	log       zerolog.Logger
}

// NewHistory создаёт историю.
func NewHistory(opts Options) *History {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = defaultThreshold
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &History{
		records:   make(map[string]domain.SentRecord),
		retention: opts.Retention,
		threshold: opts.Threshold,
		journal:   opts.Journal,
		now:       opts.Clock,
		log:       opts.Logger,
	}
}

// Threshold возвращает порог похожести заголовков.
func (h *History) Threshold() float64 {
	return h.threshold
}

// Has сообщает, есть ли в истории тот же элемент или элемент с похожим заголовком.
func (h *History) Has(item domain.CandidateItem) bool {
	_, ok := h.Match(item)
	return ok
}

// Match возвращает запись, совпавшую с элементом.
func (h *History) Match(item domain.CandidateItem) (domain.SentRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked()

	if rec, ok := h.records[item.Key()]; ok {
		return rec, true
	}
	canonical := domain.CanonicalURL(item.URL)
	title := item.SimilarityTitle()
	for _, rec := range h.records {
		if canonical != "" && rec.URL == canonical {
			return rec, true
		}
		if TitleSimilarity(title, rec.TitleNormalized) >= h.threshold {
			return rec, true
		}
	}
	return domain.SentRecord{}, false
}

// Record сохраняет отправленный элемент и зеркалирует его в журнал.
func (h *History) Record(ctx context.Context, item domain.CandidateItem, justification string) error {
	rec := domain.SentRecord{
		Key:             item.Key(),
		URL:             domain.CanonicalURL(item.URL),
		Title:           item.Title,
		TitleNormalized: NormalizeTitle(item.SimilarityTitle()),
		SentAt:          h.now(),
		SourceID:        item.SourceID,
		Justification:   justification,
	}

	h.mu.Lock()
	h.records[rec.Key] = rec
	h.evictLocked()
	h.mu.Unlock()

	if h.journal == nil {
		return nil
	}
	if err := h.journal.SaveSent(ctx, rec, h.retention); err != nil {
		return fmt.Errorf("журнал истории: %w", err)
	}
	if err := h.journal.PruneSent(ctx, rec.SentAt.Add(-h.retention)); err != nil {
		return fmt.Errorf("очистка журнала истории: %w", err)
	}
	return nil
}

// EvictExpired удаляет записи старше окна хранения и возвращает их число.
func (h *History) EvictExpired() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evictLocked()
}

// Recent возвращает до n самых свежих записей, новые первыми.
func (h *History) Recent(n int) []domain.SentRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked()

	out := make([]domain.SentRecord, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Len возвращает число живых записей.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked()
	return len(h.records)
}

// Restore загружает живые записи из журнала.
func (h *History) Restore(ctx context.Context) (int, error) {
	if h.journal == nil {
		return 0, nil
	}
	since := h.now().Add(-h.retention)
	records, err := h.journal.LoadSent(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("загрузка журнала истории: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range records {
		if rec.Key == "" {
			continue
		}
		if existing, ok := h.records[rec.Key]; ok && existing.SentAt.After(rec.SentAt) {
			continue
		}
		h.records[rec.Key] = rec
	}
	h.evictLocked()
	h.log.Info().Int("records", len(h.records)).Msg("history: журнал восстановлен")
	return len(records), nil
}

func (h *History) evictLocked() int {
	now := h.now()
	removed := 0
	for key, rec := range h.records {
		if now.Sub(rec.SentAt) > h.retention {
			delete(h.records, key)
			removed++
		}
	}
	return removed
}
