package relay

import (
	"strings"
	"testing"

	"tg-relay-bot/internal/domain"
)

func TestFormatFeedItem(t *testing.T) {
	item := domain.CandidateItem{
		Title:         "Copom eleva Selic <para> 11%",
		Body:          "O comitê decidiu & anunciou.",
		URL:           "https://www.portal.example/economia/selic?x=1&y=2",
		SourceType:    domain.SourceFeed,
		Justification: "Notícia de impacto nacional",
	}
	text := FormatItem(item, "")
	for _, want := range []string{
		"<b>Copom eleva Selic &lt;para&gt; 11%</b>",
		"O comitê decidiu &amp; anunciou.",
		"💡 <i>Notícia de impacto nacional</i>",
		`🔗 <a href="https://www.portal.example/economia/selic?x=1&amp;y=2">portal.example</a>`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("text %q does not contain %q", text, want)
		}
	}
}

func TestFormatSocialItemUsesBody(t *testing.T) {
	item := domain.CandidateItem{
		Title:      "Primeira linha",
		Body:       "Primeira linha\nSegunda linha",
		URL:        "https://x.com/g1/status/1",
		SourceID:   "@g1",
		SourceType: domain.SourceSocial,
	}
	text := FormatItem(item, "")
	if strings.Contains(text, "<b>") {
		t.Fatalf("social post must not repeat the title: %q", text)
	}
	if !strings.HasPrefix(text, "Primeira linha\nSegunda linha") || !strings.Contains(text, ">@g1</a>") {
		t.Fatalf("text = %q", text)
	}
	if strings.Contains(text, "💡") {
		t.Fatalf("no justification expected: %q", text)
	}
}

func TestFormatSummaryReplacesBody(t *testing.T) {
	item := domain.CandidateItem{Title: "Title", Body: "Original body", SourceType: domain.SourceFeed}
	text := FormatItem(item, "Resumo curto")
	if strings.Contains(text, "Original body") || !strings.Contains(text, "Resumo curto") {
		t.Fatalf("text = %q", text)
	}
}
