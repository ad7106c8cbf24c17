package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/usecase/dedup"
)

type fakeClassifier struct {
	screen       func(titles []string) ([]bool, error)
	verdicts     map[string]domain.Evaluation
	evaluateErr  error
	translations map[string]string

	screenCalls   int
	evaluated     []string
	customPrompts []string
}

func (f *fakeClassifier) Screen(_ context.Context, titles []string) ([]bool, error) {
	f.screenCalls++
	if f.screen != nil {
		return f.screen(titles)
	}
	flags := make([]bool, len(titles))
	for i := range flags {
		flags[i] = true
	}
	return flags, nil
}

func (f *fakeClassifier) Evaluate(_ context.Context, item domain.CandidateItem, customPrompt string) (domain.Evaluation, error) {
	f.evaluated = append(f.evaluated, item.Title)
	f.customPrompts = append(f.customPrompts, customPrompt)
	if f.evaluateErr != nil {
		return domain.Evaluation{}, f.evaluateErr
	}
	if verdict, ok := f.verdicts[item.Title]; ok {
		return verdict, nil
	}
	return domain.Evaluation{Relevant: true, Justification: "ok"}, nil
}

func (f *fakeClassifier) NormalizeTitle(_ context.Context, title, _ string) (string, error) {
	if translated, ok := f.translations[title]; ok {
		return translated, nil
	}
	return "", errors.New("нет перевода")
}

func (f *fakeClassifier) Summarize(_ context.Context, item domain.CandidateItem) (string, error) {
	return item.Title, nil
}

func newTestHistory(now time.Time) *dedup.History {
	return dedup.NewHistory(dedup.Options{
		Retention: 24 * time.Hour,
		Threshold: 0.65,
		Clock:     func() time.Time { return now },
		Logger:    zerolog.Nop(),
	})
}

func at(t time.Time) *time.Time { return &t }

func titlesOf(items []domain.CandidateItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Title)
	}
	return out
}

func TestStagesOrder(t *testing.T) {
	p := New(nil, &fakeClassifier{}, Config{}, zerolog.Nop())
	want := []string{StageRecency, StageDenylist, StageNormalize, StageHistory, StageCrossBatch, StageScreen, StageEvaluate}
	got := p.Stages()
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunDropsStaleItemsAndKeepsUndated(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	p := New(newTestHistory(now), &fakeClassifier{}, Config{}, zerolog.Nop())
	items := []domain.CandidateItem{
		{ID: "1", SourceID: "feed", Title: "Governo anuncia novo pacote fiscal", PublishedAt: at(now.Add(-3 * time.Hour))},
		{ID: "2", SourceID: "feed", Title: "Senado aprova reforma tributária"},
		{ID: "3", SourceID: "feed", Title: "Supremo julga recurso sobre previdência", PublishedAt: at(now.Add(-10 * time.Minute))},
	}
	res := p.Run(context.Background(), items, RunOptions{Now: now, Interval: time.Hour})
	if res.Dropped[StageRecency] != 1 {
		t.Fatalf("recency dropped = %d, want 1", res.Dropped[StageRecency])
	}
	got := titlesOf(res.Items)
	if len(got) != 2 {
		t.Fatalf("items = %v, want 2", got)
	}
	for _, title := range got {
		if title == "Governo anuncia novo pacote fiscal" {
			t.Fatalf("stale item survived: %v", got)
		}
	}
}

func TestRunAppliesDenylist(t *testing.T) {
	now := time.Now()
	cfg := Config{Denylist: Denylist{Keywords: []string{"horóscopo"}, PathPrefixes: []string{"esportes"}}}
	p := New(nil, &fakeClassifier{}, cfg, zerolog.Nop())
	items := []domain.CandidateItem{
		{ID: "1", SourceID: "feed", Title: "Horoscopo do dia para todos os signos"},
		{ID: "2", SourceID: "feed", Title: "Flamengo vence clássico no Maracanã", URL: "https://portal.example/esportes/flamengo"},
		{ID: "3", SourceID: "feed", Title: "Inflação recua em fevereiro", URL: "https://portal.example/economia/ipca"},
	}
	res := p.Run(context.Background(), items, RunOptions{Now: now})
	if res.Dropped[StageDenylist] != 2 {
		t.Fatalf("denylist dropped = %d, want 2", res.Dropped[StageDenylist])
	}
	if got := titlesOf(res.Items); len(got) != 1 || got[0] != "Inflação recua em fevereiro" {
		t.Fatalf("items = %v", got)
	}
}

func TestRunSkipsItemsAlreadySent(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	history := newTestHistory(now)
	sent := domain.CandidateItem{ID: "42", SourceID: "feed", Title: "Petrobras anuncia redução no preço da gasolina"}
	if err := history.Record(context.Background(), sent, ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	classifier := &fakeClassifier{}
	p := New(history, classifier, Config{}, zerolog.Nop())
	res := p.Run(context.Background(), []domain.CandidateItem{sent}, RunOptions{Now: now})
	if len(res.Items) != 0 {
		t.Fatalf("expected duplicate to be dropped, got %v", titlesOf(res.Items))
	}
	if res.Dropped[StageHistory] != 1 {
		t.Fatalf("history dropped = %d, want 1", res.Dropped[StageHistory])
	}
	if classifier.screenCalls != 0 || len(classifier.evaluated) != 0 {
		t.Fatalf("classifier must not be called for an empty batch")
	}
}

func TestScreenFailureKeepsEveryItem(t *testing.T) {
	classifier := &fakeClassifier{
		screen: func([]string) ([]bool, error) { return nil, errors.New("timeout") },
	}
	p := New(nil, classifier, Config{}, zerolog.Nop())
	items := []domain.CandidateItem{
		{ID: "1", SourceID: "feed", Title: "Câmara aprova marco das ferrovias"},
		{ID: "2", SourceID: "feed", Title: "Chuvas deixam cidades em alerta no Sul"},
	}
	res := p.Run(context.Background(), items, RunOptions{Now: time.Now()})
	if res.Dropped[StageScreen] != 0 {
		t.Fatalf("screen dropped = %d, want 0", res.Dropped[StageScreen])
	}
	if len(classifier.evaluated) != 2 {
		t.Fatalf("evaluated = %v, want both items", classifier.evaluated)
	}
}

func TestScreenWrongLengthKeepsEveryItem(t *testing.T) {
	classifier := &fakeClassifier{
		screen: func([]string) ([]bool, error) { return []bool{false}, nil },
	}
	p := New(nil, classifier, Config{}, zerolog.Nop())
	items := []domain.CandidateItem{
		{ID: "1", SourceID: "feed", Title: "Câmara aprova marco das ferrovias"},
		{ID: "2", SourceID: "feed", Title: "Chuvas deixam cidades em alerta no Sul"},
	}
	res := p.Run(context.Background(), items, RunOptions{Now: time.Now()})
	if len(res.Items) != 2 {
		t.Fatalf("items = %v, want both", titlesOf(res.Items))
	}
}

func TestScreenRejectsUnflaggedTitles(t *testing.T) {
	classifier := &fakeClassifier{
		screen: func(titles []string) ([]bool, error) { return []bool{true, false}, nil },
	}
	p := New(nil, classifier, Config{}, zerolog.Nop())
	items := []domain.CandidateItem{
		{ID: "1", SourceID: "feed", Title: "Câmara aprova marco das ferrovias"},
		{ID: "2", SourceID: "feed", Title: "Receita de bolo de cenoura fofinho"},
	}
	res := p.Run(context.Background(), items, RunOptions{Now: time.Now()})
	if got := titlesOf(res.Items); len(got) != 1 || got[0] != "Câmara aprova marco das ferrovias" {
		t.Fatalf("items = %v", got)
	}
	if len(classifier.evaluated) != 1 {
		t.Fatalf("evaluated = %v, want only the screened item", classifier.evaluated)
	}
}

func TestEvaluateKeepsRelevantWithJustification(t *testing.T) {
	classifier := &fakeClassifier{verdicts: map[string]domain.Evaluation{
		"Banco Central eleva a Selic para 11%":         {Relevant: true, Justification: "Notícia de impacto nacional"},
		"Celebridade aparece com novo corte de cabelo": {Relevant: false, Justification: "fofoca"},
	}}
	p := New(nil, classifier, Config{}, zerolog.Nop())
	items := []domain.CandidateItem{
		{ID: "1", SourceID: "feed", Title: "Banco Central eleva a Selic para 11%"},
		{ID: "2", SourceID: "feed", Title: "Celebridade aparece com novo corte de cabelo"},
	}
	res := p.Run(context.Background(), items, RunOptions{Now: time.Now()})
	if len(res.Items) != 1 {
		t.Fatalf("items = %v, want 1", titlesOf(res.Items))
	}
	if res.Items[0].Justification != "Notícia de impacto nacional" {
		t.Fatalf("justification = %q", res.Items[0].Justification)
	}
	if res.Dropped[StageEvaluate] != 1 {
		t.Fatalf("evaluate dropped = %d, want 1", res.Dropped[StageEvaluate])
	}
}

func TestEvaluateErrorDropsItem(t *testing.T) {
	classifier := &fakeClassifier{evaluateErr: errors.New("unparseable")}
	p := New(nil, classifier, Config{}, zerolog.Nop())
	items := []domain.CandidateItem{{ID: "1", SourceID: "feed", Title: "Ministro anuncia medidas contra seca"}}
	res := p.Run(context.Background(), items, RunOptions{Now: time.Now()})
	if len(res.Items) != 0 {
		t.Fatalf("items = %v, want none", titlesOf(res.Items))
	}
}

func TestSkipEvaluationBypassesClassifier(t *testing.T) {
	classifier := &fakeClassifier{
		screen:      func(titles []string) ([]bool, error) { return make([]bool, len(titles)), nil },
		evaluateErr: errors.New("must not be called"),
	}
	p := New(nil, classifier, Config{}, zerolog.Nop())
	items := []domain.CandidateItem{
		{ID: "100", SourceID: "@agenciabrasil", SourceType: domain.SourceSocial, Title: "Nota oficial do Planalto", Profile: domain.EvaluationProfile{SkipEvaluation: true}},
	}
	res := p.Run(context.Background(), items, RunOptions{Now: time.Now()})
	if len(res.Items) != 1 {
		t.Fatalf("items = %v, want the unevaluated post", titlesOf(res.Items))
	}
	if classifier.screenCalls != 0 || len(classifier.evaluated) != 0 {
		t.Fatalf("classifier called: screen=%d evaluate=%d", classifier.screenCalls, len(classifier.evaluated))
	}
}

func TestEvaluatePassesCustomPrompt(t *testing.T) {
	classifier := &fakeClassifier{}
	p := New(nil, classifier, Config{}, zerolog.Nop())
	items := []domain.CandidateItem{
		{ID: "7", SourceID: "@defesacivil", Title: "Alerta de temporal em SP", Profile: domain.EvaluationProfile{CustomPrompt: "Публикуй только предупреждения о погоде"}},
	}
	p.Run(context.Background(), items, RunOptions{Now: time.Now()})
	if len(classifier.customPrompts) != 1 || classifier.customPrompts[0] != "Публикуй только предупреждения о погоде" {
		t.Fatalf("custom prompts = %v", classifier.customPrompts)
	}
}

func TestCrossLanguageDuplicateEvaluatedOnce(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	classifier := &fakeClassifier{
		translations: map[string]string{"Banco Central Aumenta Juros": "Central Bank Raises Rates"},
	}
	p := New(newTestHistory(now), classifier, Config{PivotLanguage: "en"}, zerolog.Nop())
	items := []domain.CandidateItem{
		{ID: "b", SourceID: "g1", Title: "Banco Central Aumenta Juros", Language: "pt", URL: "https://g1.example/economia/juros", PublishedAt: at(now.Add(-3 * time.Minute))},
		{ID: "a", SourceID: "reuters", Title: "Central Bank Raises Rates", Language: "en", URL: "https://reuters.example/markets/rates", PublishedAt: at(now.Add(-5 * time.Minute))},
	}
	res := p.Run(context.Background(), items, RunOptions{Now: now, Interval: time.Hour})
	if res.Dropped[StageCrossBatch] != 1 {
		t.Fatalf("cross batch dropped = %d, want 1", res.Dropped[StageCrossBatch])
	}
	if len(res.Items) != 1 || res.Items[0].Title != "Central Bank Raises Rates" {
		t.Fatalf("items = %v, want the earlier publication", titlesOf(res.Items))
	}
	if len(classifier.evaluated) != 1 {
		t.Fatalf("evaluated %d items, want exactly one", len(classifier.evaluated))
	}
}

func TestNormalizeFailureFallsBackToRawTitle(t *testing.T) {
	classifier := &fakeClassifier{}
	p := New(nil, classifier, Config{PivotLanguage: "en"}, zerolog.Nop())
	items := []domain.CandidateItem{{ID: "1", SourceID: "g1", Title: "Governo corta gastos", Language: "pt"}}
	res := p.Run(context.Background(), items, RunOptions{Now: time.Now()})
	if len(res.Items) != 1 {
		t.Fatalf("items = %v", titlesOf(res.Items))
	}
	if res.Items[0].NormalizedTitle != "" {
		t.Fatalf("normalized = %q, want empty", res.Items[0].NormalizedTitle)
	}
}

func TestCrossBatchAgainstRecentSent(t *testing.T) {
	recent := []domain.SentRecord{{Key: "x/1", URL: "portal.example/politica/ministro", TitleNormalized: "ministro da fazenda deixa o cargo"}}
	items := []domain.CandidateItem{
		{ID: "9", SourceID: "y", Title: "Ministro da Fazenda deixa o cargo hoje"},
		{ID: "10", SourceID: "y", Title: "Outra coisa", URL: "https://www.portal.example/politica/ministro/?utm_source=tw"},
		{ID: "11", SourceID: "y", Title: "Petróleo sobe no mercado internacional"},
	}
	kept, rejected := CrossBatch(items, recent, 0.65)
	if len(rejected) != 2 {
		t.Fatalf("rejected = %v, want 2", titlesOf(rejected))
	}
	if len(kept) != 1 || kept[0].ID != "11" {
		t.Fatalf("kept = %v", titlesOf(kept))
	}
}
