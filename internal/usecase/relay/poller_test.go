package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
)

var tickNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestPoller(src Source, messenger *fakeMessenger, classifier domain.Classifier, cap int) *Poller {
	history := testHistory(tickNow)
	dispatcher := NewDispatcher(messenger, history, nil, false, zerolog.Nop())
	target := NewTarget(messenger, "@noticias", zerolog.Nop())
	return NewPoller(src, testPipeline(history, classifier), dispatcher, target, PollerOptions{
		DispatchCap: cap,
		Clock:       func() time.Time { return tickNow },
	}, zerolog.Nop())
}

func feedItems(n int) []domain.CandidateItem {
	titles := []string{
		"Congresso aprova orçamento federal",
		"Supremo julga recurso previdenciário",
		"Petrobras reduz preço do diesel",
		"Chuvas provocam alagamentos no Recife",
	}
	items := make([]domain.CandidateItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, domain.CandidateItem{
			ID:          string(rune('a' + i)),
			SourceID:    "g1",
			SourceType:  domain.SourceFeed,
			Title:       titles[i],
			PublishedAt: at(tickNow.Add(-time.Duration(10-i) * time.Minute)),
		})
	}
	return items
}

func TestTickDispatchesUpToCap(t *testing.T) {
	src := &fakeSource{name: SourceNameFeeds, kind: domain.SourceFeed, items: feedItems(4)}
	messenger := &fakeMessenger{}
	p := newTestPoller(src, messenger, &passClassifier{}, 2)

	report := p.Tick(context.Background())
	if report.Err != nil {
		t.Fatalf("tick: %v", report.Err)
	}
	if report.Fetched != 4 || report.Selected != 2 || report.Dispatch.Sent != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Outcome != OutcomeOK || report.ID == "" {
		t.Fatalf("outcome = %q id = %q", report.Outcome, report.ID)
	}
	if len(messenger.messages) != 2 || messenger.messages[0].chatID != -100 {
		t.Fatalf("messages = %+v", messenger.messages)
	}
	if src.advanced != 1 {
		t.Fatalf("advanced = %d, want 1", src.advanced)
	}
}

func TestTickSkipsAlreadySentOnNextRun(t *testing.T) {
	src := &fakeSource{name: SourceNameFeeds, kind: domain.SourceFeed, items: feedItems(1)}
	messenger := &fakeMessenger{}
	p := newTestPoller(src, messenger, &passClassifier{}, 2)

	p.Tick(context.Background())
	report := p.Tick(context.Background())
	if report.Dispatch.Sent != 0 || report.Outcome != OutcomeEmpty {
		t.Fatalf("second tick report = %+v", report)
	}
	if len(messenger.messages) != 1 {
		t.Fatalf("messages = %d, want exactly one send", len(messenger.messages))
	}
}

func TestTickReResolvesTargetOnce(t *testing.T) {
	src := &fakeSource{name: SourceNameFeeds, kind: domain.SourceFeed}
	messenger := &fakeMessenger{resolveIDs: []int64{-100, -200}}
	p := newTestPoller(src, messenger, &passClassifier{}, 2)

	p.Tick(context.Background())
	messenger.checkErr = errors.New("chat not found")
	report := p.Tick(context.Background())
	if report.Err != nil {
		t.Fatalf("tick: %v", report.Err)
	}
	if messenger.resolved != 2 || p.target.ChatID() != -200 {
		t.Fatalf("resolved = %d chat = %d", messenger.resolved, p.target.ChatID())
	}
}

func TestTickAbortsWhenTargetUnavailable(t *testing.T) {
	src := &fakeSource{name: SourceNameFeeds, kind: domain.SourceFeed, items: feedItems(1)}
	messenger := &fakeMessenger{resolveErr: errors.New("chat not found")}
	p := newTestPoller(src, messenger, &passClassifier{}, 2)

	report := p.Tick(context.Background())
	if !errors.Is(report.Err, ErrTickAborted) || !errors.Is(report.Err, ErrTargetUnavailable) {
		t.Fatalf("err = %v", report.Err)
	}
	if src.fetched != 0 || src.advanced != 0 {
		t.Fatalf("source touched: fetched=%d advanced=%d", src.fetched, src.advanced)
	}
}

func TestTickFetchErrorDoesNotAdvance(t *testing.T) {
	src := &fakeSource{name: SourceNameSocial, kind: domain.SourceSocial, err: domain.ErrSourceExhausted}
	p := newTestPoller(src, &fakeMessenger{}, &passClassifier{}, 2)

	report := p.Tick(context.Background())
	if report.Outcome != OutcomeExhausted || !errors.Is(report.Err, domain.ErrSourceExhausted) {
		t.Fatalf("report = %+v", report)
	}
	if src.advanced != 0 {
		t.Fatal("positions must not advance after a failed fetch")
	}
}

func TestTickRecoversPanic(t *testing.T) {
	src := &fakeSource{name: SourceNameFeeds, kind: domain.SourceFeed, panicMsg: "boom"}
	p := newTestPoller(src, &fakeMessenger{}, &passClassifier{}, 2)

	report := p.Tick(context.Background())
	if report.Outcome != OutcomePanic || !errors.Is(report.Err, ErrTickAborted) {
		t.Fatalf("report = %+v", report)
	}
}

func TestTickCrossLanguageDuplicateSentOnce(t *testing.T) {
	first := tickNow.Add(-4 * time.Minute)
	second := tickNow.Add(-2 * time.Minute)
	classifier := &translatingClassifier{passClassifier: &passClassifier{}, translations: map[string]string{
		"Banco Central Aumenta Juros": "Central Bank Raises Rates",
	}}
	src := &fakeSource{name: SourceNameFeeds, kind: domain.SourceFeed, items: []domain.CandidateItem{
		{ID: "en-1", SourceID: "reuters", SourceType: domain.SourceFeed, Title: "Central Bank Raises Rates", Language: "en", PublishedAt: &first},
		{ID: "pt-1", SourceID: "g1", SourceType: domain.SourceFeed, Title: "Banco Central Aumenta Juros", Language: "pt", PublishedAt: &second},
	}}
	messenger := &fakeMessenger{}
	history := testHistory(tickNow)
	pl := pipelineWithPivot(history, classifier, "en")
	p := NewPoller(src, pl, NewDispatcher(messenger, history, nil, false, zerolog.Nop()), NewTarget(messenger, "@noticias", zerolog.Nop()), PollerOptions{Clock: func() time.Time { return tickNow }}, zerolog.Nop())

	report := p.Tick(context.Background())
	if report.Dispatch.Sent != 1 || classifier.evaluated != 1 {
		t.Fatalf("sent = %d evaluated = %d", report.Dispatch.Sent, classifier.evaluated)
	}
	if report.Dropped["cross_batch"] != 1 {
		t.Fatalf("dropped = %v", report.Dropped)
	}
}
