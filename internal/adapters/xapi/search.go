package xapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"tg-relay-bot/internal/domain"
)

const titleRunes = 200

type searchResponse struct {
	Data     []tweet `json:"data"`
	Includes struct {
		Users []user  `json:"users"`
		Media []media `json:"media"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NewestID    string `json:"newest_id"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

type tweet struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	AuthorID    string     `json:"author_id"`
	CreatedAt   *time.Time `json:"created_at"`
	Lang        string     `json:"lang"`
	Attachments struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type user struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type media struct {
	MediaKey        string    `json:"media_key"`
	Type            string    `json:"type"`
	URL             string    `json:"url"`
	PreviewImageURL string    `json:"preview_image_url"`
	Variants        []variant `json:"variants"`
}

type variant struct {
	BitRate     int    `json:"bit_rate"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// BuildQueries собирает запросы вида "from:a OR from:b", не превышая допустимую длину.
func BuildQueries(usernames []string) []string {
	var queries []string
	var current []string
	length := 0
	for _, name := range usernames {
		name = strings.TrimPrefix(strings.TrimSpace(name), "@")
		if name == "" {
			continue
		}
		clause := "from:" + name
		added := len(clause)
		if len(current) > 0 {
			added += len(" OR ")
		}
		if len(current) > 0 && length+added > maxQueryLength {
			queries = append(queries, strings.Join(current, " OR "))
			current, length = nil, 0
			added = len(clause)
		}
		current = append(current, clause)
		length += added
	}
	if len(current) > 0 {
		queries = append(queries, strings.Join(current, " OR "))
	}
	return queries
}

// SearchRecent ищет свежие посты аккаунтов. Источник поста: "@username" в нижнем регистре.
func (c *Client) SearchRecent(ctx context.Context, slot string, usernames []string, sinceID string) (domain.SearchResult, error) {
	var result domain.SearchResult
	for _, q := range BuildQueries(usernames) {
		params := url.Values{}
		params.Set("query", q)
		params.Set("max_results", strconv.Itoa(defaultMaxResults))
		params.Set("tweet.fields", "created_at,author_id,lang,attachments")
		params.Set("expansions", "author_id,attachments.media_keys")
		params.Set("media.fields", "type,url,preview_image_url,variants")
		params.Set("user.fields", "username")
		if sinceID != "" {
			params.Set("since_id", sinceID)
		}
		var payload searchResponse
		if err := c.get(ctx, slot, "search_recent", "/2/tweets/search/recent", params, &payload); err != nil {
			return result, err
		}
		result.Consumed += int64(len(payload.Data))
		result.Items = append(result.Items, convert(payload)...)
	}
	return result, nil
}

func convert(payload searchResponse) []domain.CandidateItem {
	users := make(map[string]string, len(payload.Includes.Users))
	for _, u := range payload.Includes.Users {
		users[u.ID] = strings.ToLower(u.Username)
	}
	mediaByKey := make(map[string]media, len(payload.Includes.Media))
	for _, m := range payload.Includes.Media {
		mediaByKey[m.MediaKey] = m
	}
	items := make([]domain.CandidateItem, 0, len(payload.Data))
	for _, t := range payload.Data {
		username := users[t.AuthorID]
		if username == "" {
			continue
		}
		item := domain.CandidateItem{
			ID:          t.ID,
			Title:       firstLine(t.Text),
			Body:        strings.TrimSpace(t.Text),
			URL:         fmt.Sprintf("https://x.com/%s/status/%s", username, t.ID),
			PublishedAt: t.CreatedAt,
			SourceID:    "@" + username,
			SourceType:  domain.SourceSocial,
			Language:    normalizeLang(t.Lang),
		}
		for _, key := range t.Attachments.MediaKeys {
			if m, ok := mediaByKey[key]; ok {
				if ref, ok := mediaRef(m); ok {
					item.Media = append(item.Media, ref)
				}
			}
		}
		items = append(items, item)
	}
	return items
}

func mediaRef(m media) (domain.MediaRef, bool) {
	switch m.Type {
	case "photo":
		if m.URL == "" {
			return domain.MediaRef{}, false
		}
		return domain.MediaRef{Kind: domain.MediaPhoto, URL: m.URL}, true
	case "video", "animated_gif":
		best := ""
		bestRate := -1
		for _, v := range m.Variants {
			if v.ContentType != "video/mp4" {
				continue
			}
			if v.BitRate > bestRate {
				best, bestRate = v.URL, v.BitRate
			}
		}
		if best == "" {
			return domain.MediaRef{}, false
		}
		kind := domain.MediaVideo
		if m.Type == "animated_gif" {
			kind = domain.MediaAnimated
		}
		return domain.MediaRef{Kind: kind, URL: best, PreviewURL: m.PreviewImageURL}, true
	default:
		return domain.MediaRef{}, false
	}
}

// normalizeLang отбрасывает служебные коды X вроде "und" и "zxx".
func normalizeLang(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	switch lang {
	case "", "und", "zxx", "qme", "qht", "qam", "qct", "qst":
		return ""
	}
	return lang
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = strings.TrimSpace(text[:idx])
	}
	if utf8.RuneCountInString(text) > titleRunes {
		text = string([]rune(text)[:titleRunes]) + "…"
	}
	return text
}
