package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/metrics"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "tg-relay-bot/1.0 (+feed reader)"
	maxBodyRunes     = 4000
)

// Reader загружает и разбирает RSS/Atom ленты.
type Reader struct {
	parser  *gofeed.Parser
	timeout time.Duration
	log     zerolog.Logger
}

var _ domain.FeedFetcher = (*Reader)(nil)

// NewReader создаёт читатель лент с фиксированным таймаутом загрузки.
func NewReader(timeout time.Duration, userAgent string, logger zerolog.Logger) *Reader {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = defaultUserAgent
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	parser.UserAgent = userAgent
	return &Reader{parser: parser, timeout: timeout, log: logger}
}

// Fetch загружает ленту. Если самая свежая запись совпадает с LastSeenID, элементы не возвращаются.
func (r *Reader) Fetch(ctx context.Context, f domain.Feed) (domain.FeedResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	parsed, err := r.parser.ParseURLWithContext(f.URL, ctx)
	metrics.ObserveNetworkRequest("feed", "fetch", f.ID, start, err)
	if err != nil {
		return domain.FeedResult{}, fmt.Errorf("загрузка ленты %s: %w", f.ID, err)
	}
	return Convert(f, parsed), nil
}

// Convert переводит разобранную ленту в кандидатов.
func Convert(f domain.Feed, parsed *gofeed.Feed) domain.FeedResult {
	var res domain.FeedResult
	if parsed == nil {
		return res
	}
	lang := languageCode(f.Language)
	if lang == "" {
		lang = languageCode(parsed.Language)
	}

	var newest *gofeed.Item
	for _, entry := range parsed.Items {
		if entry == nil || entryID(entry) == "" {
			continue
		}
		if newest == nil || newerThan(entry, newest) {
			newest = entry
		}
	}
	if newest == nil {
		return res
	}
	res.NewestID = entryID(newest)
	if f.LastSeenID != "" && res.NewestID == f.LastSeenID {
		res.Unchanged = true
		return res
	}

	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		id := entryID(entry)
		if id == "" {
			continue
		}
		html := entry.Content
		if strings.TrimSpace(html) == "" {
			html = entry.Description
		}
		body, image := extract(html)
		item := domain.CandidateItem{
			ID:          id,
			Title:       strings.TrimSpace(entry.Title),
			Body:        clip(body, maxBodyRunes),
			URL:         strings.TrimSpace(entry.Link),
			PublishedAt: published(entry),
			SourceID:    f.ID,
			SourceType:  domain.SourceFeed,
			Language:    lang,
		}
		if img := entryImage(entry, image); img != "" {
			item.Media = []domain.MediaRef{{Kind: domain.MediaPhoto, URL: img}}
		}
		res.Items = append(res.Items, item)
	}
	return res
}

func entryID(entry *gofeed.Item) string {
	if id := strings.TrimSpace(entry.GUID); id != "" {
		return id
	}
	return strings.TrimSpace(entry.Link)
}

func published(entry *gofeed.Item) *time.Time {
	if entry.PublishedParsed != nil {
		t := entry.PublishedParsed.UTC()
		return &t
	}
	if entry.UpdatedParsed != nil {
		t := entry.UpdatedParsed.UTC()
		return &t
	}
	return nil
}

func newerThan(a, b *gofeed.Item) bool {
	ta, tb := published(a), published(b)
	if ta == nil {
		return false
	}
	if tb == nil {
		return true
	}
	return ta.After(*tb)
}

func entryImage(entry *gofeed.Item, fromHTML string) string {
	if entry.Image != nil && strings.TrimSpace(entry.Image.URL) != "" {
		return strings.TrimSpace(entry.Image.URL)
	}
	for _, enc := range entry.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return fromHTML
}

// extract возвращает текст HTML-фрагмента и адрес первой картинки.
func extract(html string) (string, string) {
	if strings.TrimSpace(html) == "" {
		return "", ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapse(html), ""
	}
	doc.Find("script, style").Remove()
	image, _ := doc.Find("img").First().Attr("src")
	return collapse(doc.Text()), strings.TrimSpace(image)
}

func collapse(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// languageCode приводит "pt-BR" к "pt".
func languageCode(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if idx := strings.IndexAny(lang, "-_"); idx > 0 {
		lang = lang[:idx]
	}
	return lang
}

func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
