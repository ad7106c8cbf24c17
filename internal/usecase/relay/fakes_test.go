package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/usecase/dedup"
	"tg-relay-bot/internal/usecase/pipeline"
)

type sentMessage struct {
	chatID int64
	text   string
	media  []domain.MediaRef
}

type fakeMessenger struct {
	mu          sync.Mutex
	resolveIDs  []int64
	resolveErr  error
	checkErr    error
	textErr     func(text string) error
	mediaErr    error
	resolved    int
	checked     int
	messages    []sentMessage
	mediaTrials int
}

func (m *fakeMessenger) ResolveChat(_ context.Context, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved++
	if m.resolveErr != nil {
		return 0, m.resolveErr
	}
	if len(m.resolveIDs) == 0 {
		return -100, nil
	}
	id := m.resolveIDs[0]
	if len(m.resolveIDs) > 1 {
		m.resolveIDs = m.resolveIDs[1:]
	}
	return id, nil
}

func (m *fakeMessenger) CheckChat(_ context.Context, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checked++
	return m.checkErr
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.textErr != nil {
		if err := m.textErr(text); err != nil {
			return err
		}
	}
	m.messages = append(m.messages, sentMessage{chatID: chatID, text: text})
	return nil
}

func (m *fakeMessenger) SendMedia(_ context.Context, chatID int64, media []domain.MediaRef, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mediaTrials++
	if m.mediaErr != nil {
		return m.mediaErr
	}
	m.messages = append(m.messages, sentMessage{chatID: chatID, text: caption, media: media})
	return nil
}

type passClassifier struct {
	evaluated int
	summary   string
}

func (c *passClassifier) Screen(_ context.Context, titles []string) ([]bool, error) {
	flags := make([]bool, len(titles))
	for i := range flags {
		flags[i] = true
	}
	return flags, nil
}

func (c *passClassifier) Evaluate(_ context.Context, _ domain.CandidateItem, _ string) (domain.Evaluation, error) {
	c.evaluated++
	return domain.Evaluation{Relevant: true, Justification: "Notícia de impacto nacional"}, nil
}

func (c *passClassifier) NormalizeTitle(_ context.Context, title, _ string) (string, error) {
	return title, nil
}

func (c *passClassifier) Summarize(_ context.Context, _ domain.CandidateItem) (string, error) {
	if c.summary == "" {
		return "", errors.New("no summary")
	}
	return c.summary, nil
}

type fakeSource struct {
	name     string
	kind     domain.SourceType
	items    []domain.CandidateItem
	err      error
	panicMsg string
	fetched  int
	advanced int
}

func (s *fakeSource) Name() string            { return s.name }
func (s *fakeSource) Type() domain.SourceType { return s.kind }
func (s *fakeSource) Interval() time.Duration { return time.Hour }

func (s *fakeSource) Fetch(context.Context) ([]domain.CandidateItem, error) {
	s.fetched++
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.items, s.err
}

func (s *fakeSource) Advance() { s.advanced++ }

type passRotator struct {
	slot     string
	err      error
	recorded map[string]int64
}

func (r *passRotator) Do(ctx context.Context, fn func(ctx context.Context, slot string) error) error {
	if r.err != nil {
		return r.err
	}
	slot := r.slot
	if slot == "" {
		slot = domain.SlotPrimary
	}
	return fn(ctx, slot)
}

func (r *passRotator) RecordUsage(slot string, n int64) {
	if r.recorded == nil {
		r.recorded = make(map[string]int64)
	}
	r.recorded[slot] += n
}

func testHistory(now time.Time) *dedup.History {
	return dedup.NewHistory(dedup.Options{
		Retention: 24 * time.Hour,
		Threshold: 0.65,
		Clock:     func() time.Time { return now },
		Logger:    zerolog.Nop(),
	})
}

func testPipeline(history *dedup.History, classifier domain.Classifier) *pipeline.Pipeline {
	return pipeline.New(history, classifier, pipeline.Config{}, zerolog.Nop())
}

func at(t time.Time) *time.Time { return &t }

type translatingClassifier struct {
	*passClassifier
	translations map[string]string
}

func (c *translatingClassifier) NormalizeTitle(_ context.Context, title, _ string) (string, error) {
	if translated, ok := c.translations[title]; ok {
		return translated, nil
	}
	return title, nil
}

func pipelineWithPivot(history *dedup.History, classifier domain.Classifier, pivot string) *pipeline.Pipeline {
	return pipeline.New(history, classifier, pipeline.Config{PivotLanguage: pivot}, zerolog.Nop())
}
