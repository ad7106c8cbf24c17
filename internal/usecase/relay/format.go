package relay

import (
	"fmt"
	"html"
	"net/url"
	"strings"

	"tg-relay-bot/internal/domain"
)

const maxFeedBodyRunes = 700

// FormatItem формирует HTML-сообщение для канала. summary, если задан, заменяет текст элемента.
func FormatItem(item domain.CandidateItem, summary string) string {
	var sections []string

	text := strings.TrimSpace(summary)
	switch item.SourceType {
	case domain.SourceSocial:
		if text == "" {
			text = strings.TrimSpace(item.Body)
		}
		if text == "" {
			text = strings.TrimSpace(item.Title)
		}
		if text != "" {
			sections = append(sections, escapeHTML(text))
		}
	default:
		if title := strings.TrimSpace(item.Title); title != "" {
			sections = append(sections, "<b>"+escapeHTML(title)+"</b>")
		}
		if text == "" {
			text = clipRunes(strings.TrimSpace(item.Body), maxFeedBodyRunes)
		}
		if text != "" {
			sections = append(sections, escapeHTML(text))
		}
	}

	if justification := strings.TrimSpace(item.Justification); justification != "" {
		sections = append(sections, "💡 <i>"+escapeHTML(justification)+"</i>")
	}
	if link := sourceLink(item); link != "" {
		sections = append(sections, link)
	}
	return strings.TrimSpace(strings.Join(sections, "\n\n"))
}

func sourceLink(item domain.CandidateItem) string {
	target := strings.TrimSpace(item.URL)
	if target == "" {
		return ""
	}
	label := item.SourceID
	if item.SourceType != domain.SourceSocial {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			label = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
		}
	}
	if label == "" {
		label = target
	}
	return fmt.Sprintf("🔗 <a href=\"%s\">%s</a>", html.EscapeString(target), escapeHTML(label))
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}

func clipRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}
