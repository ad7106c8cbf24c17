package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
)

// Виды запросов к модели.
const (
	KindScreen    = "screen"
	KindEvaluate  = "evaluate"
	KindNormalize = "normalize_title"
	KindSummarize = "summarize"
)

const (
	defaultLanguage = "português do Brasil"
	defaultTopic    = "notícias de impacto nacional para o Brasil: política, economia, justiça, segurança pública, grandes acidentes e decisões de governo"
	maxBodyRunes    = 3000
)

// Config задаёт тему отбора и язык публикации.
type Config struct {
	Topic          string
	TargetLanguage string
	Temperature    float64
}

// Classifier переводит структурированные вопросы пайплайна в промпты и разбирает ответы.
type Classifier struct {
	completer domain.Completer
	cfg       Config
	log       zerolog.Logger
}

var _ domain.Classifier = (*Classifier)(nil)

// New создаёт классификатор поверх сервиса генерации текста.
func New(completer domain.Completer, cfg Config, logger zerolog.Logger) *Classifier {
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = defaultTopic
	}
	if strings.TrimSpace(cfg.TargetLanguage) == "" {
		cfg.TargetLanguage = defaultLanguage
	}
	return &Classifier{completer: completer, cfg: cfg, log: logger}
}

// Screen отмечает релевантные заголовки одним запросом.
func (c *Classifier) Screen(ctx context.Context, titles []string) ([]bool, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	var list strings.Builder
	for i, title := range titles {
		fmt.Fprintf(&list, "%d. %s\n", i+1, strings.TrimSpace(title))
	}
	prompt := fmt.Sprintf(`Ниже пронумерованный список заголовков новостей.
Тема канала: %s.
Отметь заголовки, которые потенциально подходят теме. Если сомневаешься — отмечай.
Ответ верни строго в формате JSON: {"relevant": [номера]} без пояснений.

%s`, c.cfg.Topic, list.String())

	raw, err := c.completer.Complete(ctx, domain.CompletionRequest{
		Kind:        KindScreen,
		System:      "Ты редактор новостного канала. Отвечай только JSON.",
		Prompt:      prompt,
		Temperature: c.cfg.Temperature,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("предварительный отбор: %w", err)
	}
	flags, err := ParseScreen(raw, len(titles))
	if err != nil {
		c.log.Warn().Str("raw", clip(raw, 500)).Msg("classifier: не удалось разобрать ответ отбора")
		return nil, err
	}
	return flags, nil
}

// Evaluate оценивает заголовок и текст. customPrompt, если задан, заменяет критерии темы.
func (c *Classifier) Evaluate(ctx context.Context, item domain.CandidateItem, customPrompt string) (domain.Evaluation, error) {
	criteria := fmt.Sprintf("Тема канала: %s.", c.cfg.Topic)
	if strings.TrimSpace(customPrompt) != "" {
		criteria = strings.TrimSpace(customPrompt)
	}
	prompt := fmt.Sprintf(`%s
Реши, стоит ли публиковать материал в канале.
Ответь одной строкой: "relevant::<краткое обоснование>" если стоит, иначе "null::<причина>".
Обоснование пиши на языке: %s.

Заголовок: %s
Текст:
%s`, criteria, c.cfg.TargetLanguage, strings.TrimSpace(item.Title), clip(strings.TrimSpace(item.Body), maxBodyRunes))

	raw, err := c.completer.Complete(ctx, domain.CompletionRequest{
		Kind:        KindEvaluate,
		System:      "Ты строгий редактор новостного канала. Не выдумывай факты.",
		Prompt:      prompt,
		Temperature: c.cfg.Temperature,
		MaxTokens:   200,
	})
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("оценка: %w", err)
	}
	verdict, err := ParseVerdict(raw)
	if err != nil {
		c.log.Warn().Str("raw", clip(raw, 500)).Str("item", item.Key()).Msg("classifier: не удалось разобрать вердикт")
		return domain.Evaluation{}, err
	}
	return verdict, nil
}

// NormalizeTitle переводит заголовок на указанный язык.
func (c *Classifier) NormalizeTitle(ctx context.Context, title, language string) (string, error) {
	prompt := fmt.Sprintf(`Переведи заголовок новости на язык с кодом %q.
Верни только перевод одной строкой, без кавычек и пояснений.

%s`, language, strings.TrimSpace(title))
	raw, err := c.completer.Complete(ctx, domain.CompletionRequest{
		Kind:      KindNormalize,
		System:    "Ты переводчик новостных заголовков.",
		Prompt:    prompt,
		MaxTokens: 120,
	})
	if err != nil {
		return "", fmt.Errorf("нормализация заголовка: %w", err)
	}
	line := strings.TrimSpace(stripWrapping(raw))
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = strings.TrimSpace(line[:nl])
	}
	line = strings.Trim(line, "\"'«»“”")
	if line == "" {
		return "", fmt.Errorf("%w: пустой перевод", ErrUnparseable)
	}
	return line, nil
}

// Summarize готовит короткий текст публикации на целевом языке.
func (c *Classifier) Summarize(ctx context.Context, item domain.CandidateItem) (string, error) {
	prompt := fmt.Sprintf(`Подготовь текст для публикации в новостном канале на языке: %s.
2-3 предложения, только факты из материала, без хэштегов и ссылок.

Заголовок: %s
Текст:
%s`, c.cfg.TargetLanguage, strings.TrimSpace(item.Title), clip(strings.TrimSpace(item.Body), maxBodyRunes))
	raw, err := c.completer.Complete(ctx, domain.CompletionRequest{
		Kind:        KindSummarize,
		System:      "Ты редактор новостного канала. Сохраняй факты и не добавляй выдумок.",
		Prompt:      prompt,
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("подготовка текста: %w", err)
	}
	text := strings.TrimSpace(stripWrapping(raw))
	if text == "" {
		return "", fmt.Errorf("%w: пустой текст", ErrUnparseable)
	}
	return text, nil
}
