package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/metrics"
	"tg-relay-bot/internal/usecase/dedup"
)

const (
	defaultBatchThreshold = 0.65
	defaultRecentWindow   = 50
)

// Config задаёт параметры фильтрации.
type Config struct {
	Denylist Denylist
	// PivotLanguage задаёт язык, к которому приводятся заголовки перед сравнением.
	PivotLanguage  string
	BatchThreshold float64
	// RecentWindow задаёт, сколько последних отправленных записей сравнивать в батче.
	RecentWindow int
}

// RunOptions задаёт параметры одного прогона.
type RunOptions struct {
	Now      time.Time
	Interval time.Duration
}

// Result описывает итог прогона.
type Result struct {
	Items   []domain.CandidateItem
	Dropped map[string]int
}

// Pipeline сужает сырой батч до короткого списка релевантных уникальных элементов.
type Pipeline struct {
	history    *dedup.History
	classifier domain.Classifier
	cfg        Config
	log        zerolog.Logger
	stages     []Stage
}

// New создаёт пайплайн с фиксированным порядком стадий.
func New(history *dedup.History, classifier domain.Classifier, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.BatchThreshold <= 0 || cfg.BatchThreshold > 1 {
		cfg.BatchThreshold = defaultBatchThreshold
	}
	if cfg.RecentWindow < 0 {
		cfg.RecentWindow = 0
	} else if cfg.RecentWindow == 0 {
		cfg.RecentWindow = defaultRecentWindow
	}
	p := &Pipeline{history: history, classifier: classifier, cfg: cfg, log: logger}
	p.stages = []Stage{
		{Name: StageRecency, Run: p.recency},
		{Name: StageDenylist, Run: p.denylist},
		{Name: StageNormalize, Run: p.normalize},
		{Name: StageHistory, Run: p.historical},
		{Name: StageCrossBatch, Run: p.crossBatch},
		{Name: StageScreen, Run: p.screen},
		{Name: StageEvaluate, Run: p.evaluate},
	}
	return p
}

// Stages возвращает названия стадий в порядке выполнения.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name)
	}
	return names
}

// Run прогоняет батч через все стадии. Отброшенный стадией элемент дальше не рассматривается.
func (p *Pipeline) Run(ctx context.Context, items []domain.CandidateItem, opts RunOptions) Result {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	res := Result{Dropped: make(map[string]int, len(p.stages))}
	current := items
	for _, stage := range p.stages {
		if len(current) == 0 {
			break
		}
		kept, rejected := stage.Run(ctx, current, opts)
		res.Dropped[stage.Name] = len(rejected)
		metrics.ObserveStageDrops(stage.Name, len(rejected))
		if len(rejected) > 0 {
			p.log.Debug().Str("stage", stage.Name).Int("kept", len(kept)).Int("dropped", len(rejected)).Msg("pipeline: стадия отфильтровала элементы")
		}
		current = kept
	}
	res.Items = current
	return res
}

func (p *Pipeline) recency(_ context.Context, items []domain.CandidateItem, opts RunOptions) ([]domain.CandidateItem, []domain.CandidateItem) {
	return Partition(items, func(item domain.CandidateItem) bool {
		return IsRecent(item, opts.Now, opts.Interval)
	})
}

func (p *Pipeline) denylist(_ context.Context, items []domain.CandidateItem, _ RunOptions) ([]domain.CandidateItem, []domain.CandidateItem) {
	return Partition(items, func(item domain.CandidateItem) bool {
		return !p.cfg.Denylist.Matches(item)
	})
}

// normalize переводит заголовки на опорный язык; элементы не отбрасываются.
func (p *Pipeline) normalize(ctx context.Context, items []domain.CandidateItem, _ RunOptions) ([]domain.CandidateItem, []domain.CandidateItem) {
	pivot := strings.ToLower(strings.TrimSpace(p.cfg.PivotLanguage))
	out := make([]domain.CandidateItem, 0, len(items))
	for _, item := range items {
		lang := strings.ToLower(strings.TrimSpace(item.Language))
		if pivot == "" || lang == "" || lang == pivot || p.classifier == nil || item.NormalizedTitle != "" {
			out = append(out, item)
			continue
		}
		translated, err := p.classifier.NormalizeTitle(ctx, item.Title, pivot)
		if err != nil {
			p.log.Warn().Err(err).Str("item", item.Key()).Msg("pipeline: не удалось нормализовать заголовок, сравниваем исходный")
		} else {
			item.NormalizedTitle = strings.TrimSpace(translated)
		}
		out = append(out, item)
	}
	return out, nil
}

func (p *Pipeline) historical(_ context.Context, items []domain.CandidateItem, _ RunOptions) ([]domain.CandidateItem, []domain.CandidateItem) {
	if p.history == nil {
		return items, nil
	}
	return Partition(items, func(item domain.CandidateItem) bool {
		return !p.history.Has(item)
	})
}

func (p *Pipeline) crossBatch(_ context.Context, items []domain.CandidateItem, _ RunOptions) ([]domain.CandidateItem, []domain.CandidateItem) {
	var recent []domain.SentRecord
	if p.history != nil && p.cfg.RecentWindow > 0 {
		recent = p.history.Recent(p.cfg.RecentWindow)
	}
	return CrossBatch(items, recent, p.cfg.BatchThreshold)
}

// screen отправляет все заголовки одним запросом. При любой ошибке пропускает всё.
func (p *Pipeline) screen(ctx context.Context, items []domain.CandidateItem, _ RunOptions) ([]domain.CandidateItem, []domain.CandidateItem) {
	if p.classifier == nil {
		return items, nil
	}
	var titles []string
	var positions []int
	for i, item := range items {
		if item.Profile.SkipEvaluation {
			continue
		}
		titles = append(titles, item.Title)
		positions = append(positions, i)
	}
	if len(titles) == 0 {
		return items, nil
	}
	flags, err := p.classifier.Screen(ctx, titles)
	if err == nil && len(flags) != len(titles) {
		err = fmt.Errorf("ожидали %d отметок, получили %d", len(titles), len(flags))
	}
	if err != nil {
		p.log.Warn().Err(err).Int("items", len(items)).Msg("pipeline: предварительный отбор не удался, пропускаем все элементы")
		return items, nil
	}
	relevant := make(map[int]bool, len(positions))
	for idx, pos := range positions {
		relevant[pos] = flags[idx]
	}
	var kept, rejected []domain.CandidateItem
	for i, item := range items {
		if flag, screened := relevant[i]; screened && !flag {
			rejected = append(rejected, item)
			continue
		}
		kept = append(kept, item)
	}
	return kept, rejected
}

// evaluate оценивает каждый элемент отдельно. Ошибка оценки отбрасывает элемент.
func (p *Pipeline) evaluate(ctx context.Context, items []domain.CandidateItem, _ RunOptions) ([]domain.CandidateItem, []domain.CandidateItem) {
	var kept, rejected []domain.CandidateItem
	for _, item := range items {
		if item.Profile.SkipEvaluation || p.classifier == nil {
			kept = append(kept, item)
			continue
		}
		verdict, err := p.classifier.Evaluate(ctx, item, item.Profile.CustomPrompt)
		if err != nil {
			p.log.Warn().Err(err).Str("item", item.Key()).Msg("pipeline: оценка не удалась, элемент отброшен")
			rejected = append(rejected, item)
			continue
		}
		if !verdict.Relevant {
			p.log.Debug().Str("item", item.Key()).Str("reason", verdict.Justification).Msg("pipeline: элемент нерелевантен")
			rejected = append(rejected, item)
			continue
		}
		item.Justification = verdict.Justification
		kept = append(kept, item)
	}
	return kept, rejected
}
