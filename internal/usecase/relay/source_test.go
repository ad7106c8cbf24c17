package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
)

type fakeSearcher struct {
	result    domain.SearchResult
	err       error
	calls     int
	sinceIDs  []string
	usernames []string
}

func (f *fakeSearcher) SearchRecent(_ context.Context, _ string, usernames []string, sinceID string) (domain.SearchResult, error) {
	f.calls++
	f.usernames = usernames
	f.sinceIDs = append(f.sinceIDs, sinceID)
	return f.result, f.err
}

func post(id, author string, media bool) domain.CandidateItem {
	item := domain.CandidateItem{ID: id, SourceID: "@" + author, SourceType: domain.SourceSocial, Title: "post " + id, Body: "post " + id}
	if media {
		item.Media = []domain.MediaRef{{Kind: domain.MediaPhoto, URL: "https://img.example/" + id + ".jpg"}}
	}
	return item
}

func TestCompareIDs(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"100", "99", 1},
		{"1899999999999999999", "1900000000000000000", -1},
		{"42", "42", 0},
		{"7", "", 1},
		{"007", "7", 0},
	}
	for _, tc := range cases {
		if got := CompareIDs(tc.a, tc.b); got != tc.want {
			t.Fatalf("CompareIDs(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSocialSourceAppliesProfilesAndMediaOnly(t *testing.T) {
	searcher := &fakeSearcher{result: domain.SearchResult{
		Items: []domain.CandidateItem{
			post("105", "g1", false),
			post("106", "defesacivil", false),
			post("107", "defesacivil", true),
			post("108", "stranger", true),
		},
		Consumed: 4,
	}}
	rotator := &passRotator{slot: domain.SlotFallback}
	accounts := []domain.Account{
		{Username: "g1", SkipEvaluation: true},
		{Username: "DefesaCivil", MediaOnly: true, CustomPrompt: "Только предупреждения"},
	}
	src := NewSocialSource(searcher, rotator, accounts, 15*time.Minute, zerolog.Nop())

	items, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].ID != "105" || !items[0].Profile.SkipEvaluation {
		t.Fatalf("first = %+v", items[0])
	}
	if items[1].ID != "107" || items[1].Profile.CustomPrompt != "Только предупреждения" {
		t.Fatalf("second = %+v", items[1])
	}
	if rotator.recorded[domain.SlotFallback] != 4 {
		t.Fatalf("recorded usage = %v", rotator.recorded)
	}
	if searcher.sinceIDs[0] != "" {
		t.Fatalf("first fetch must not pass since_id, got %q", searcher.sinceIDs[0])
	}
}

func TestSocialSourceAdvanceMovesPositions(t *testing.T) {
	searcher := &fakeSearcher{result: domain.SearchResult{Items: []domain.CandidateItem{
		post("200", "g1", false),
		post("150", "folha", false),
	}}}
	accounts := []domain.Account{{Username: "g1", LastSeenID: "120"}, {Username: "folha", LastSeenID: "90"}}
	src := NewSocialSource(searcher, &passRotator{}, accounts, time.Minute, zerolog.Nop())

	if _, err := src.Fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if searcher.sinceIDs[0] != "90" {
		t.Fatalf("since_id = %q, want the oldest position", searcher.sinceIDs[0])
	}
	if got := src.Accounts(); got[0].LastSeenID != "120" {
		t.Fatal("positions must not move before Advance")
	}
	src.Advance()
	got := src.Accounts()
	if got[0].LastSeenID != "200" || got[1].LastSeenID != "150" {
		t.Fatalf("accounts = %+v", got)
	}

	items, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("already seen posts returned: %+v", items)
	}
}

func TestSocialSourcePropagatesExhaustion(t *testing.T) {
	rotator := &passRotator{err: domain.ErrSourceExhausted}
	src := NewSocialSource(&fakeSearcher{}, rotator, []domain.Account{{Username: "g1"}}, time.Minute, zerolog.Nop())
	if _, err := src.Fetch(context.Background()); !errors.Is(err, domain.ErrSourceExhausted) {
		t.Fatalf("err = %v", err)
	}
}

type fakeFetcher struct {
	results map[string]domain.FeedResult
	errs    map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, feed domain.Feed) (domain.FeedResult, error) {
	if err := f.errs[feed.ID]; err != nil {
		return domain.FeedResult{}, err
	}
	res := f.results[feed.ID]
	if feed.LastSeenID != "" && feed.LastSeenID == res.NewestID {
		return domain.FeedResult{NewestID: res.NewestID, Unchanged: true}, nil
	}
	return res, nil
}

func TestFeedSourceContinuesAfterFeedError(t *testing.T) {
	fetcher := &fakeFetcher{
		results: map[string]domain.FeedResult{
			"g1": {Items: []domain.CandidateItem{{ID: "a", SourceID: "g1"}}, NewestID: "a"},
		},
		errs: map[string]error{"down": errors.New("timeout")},
	}
	src := NewFeedSource(fetcher, []domain.Feed{{ID: "down"}, {ID: "g1"}}, time.Minute, zerolog.Nop())
	items, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a" {
		t.Fatalf("items = %+v", items)
	}

	src.Advance()
	feeds := src.Feeds()
	if feeds[1].LastSeenID != "a" || feeds[0].LastSeenID != "" {
		t.Fatalf("feeds = %+v", feeds)
	}
	items, err = src.Fetch(context.Background())
	if err != nil || len(items) != 0 {
		t.Fatalf("unchanged feed returned items=%v err=%v", items, err)
	}
}

func TestFeedSourceAllFeedsFailing(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[string]error{"a": errors.New("x"), "b": errors.New("y")}}
	src := NewFeedSource(fetcher, []domain.Feed{{ID: "a"}, {ID: "b"}}, time.Minute, zerolog.Nop())
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("expected error when every feed fails")
	}
}
