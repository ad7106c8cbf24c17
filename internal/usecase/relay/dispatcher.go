package relay

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/metrics"
	"tg-relay-bot/internal/usecase/dedup"
)

// DispatchReport описывает итог отправки батча.
type DispatchReport struct {
	Sent   int
	Failed int
}

// Dispatcher отправляет отобранные элементы в канал и записывает их в историю.
type Dispatcher struct {
	messenger  domain.Messenger
	history    *dedup.History
	classifier domain.Classifier
	summarize  bool
	log        zerolog.Logger
}

// NewDispatcher создаёт отправитель. Если summarize включён, текст публикации готовит классификатор.
func NewDispatcher(messenger domain.Messenger, history *dedup.History, classifier domain.Classifier, summarize bool, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{messenger: messenger, history: history, classifier: classifier, summarize: summarize, log: logger}
}

// Dispatch отправляет элементы по одному. Ошибка одного элемента не прерывает остальные.
func (d *Dispatcher) Dispatch(ctx context.Context, chatID int64, items []domain.CandidateItem) DispatchReport {
	var report DispatchReport
	if d.history != nil {
		if n := d.history.EvictExpired(); n > 0 {
			d.log.Debug().Int("evicted", n).Msg("relay: устаревшие записи истории удалены")
		}
		metrics.HistorySize.Set(float64(d.history.Len()))
	}
	for _, item := range items {
		if ctx.Err() != nil {
			report.Failed += len(items) - report.Sent - report.Failed
			break
		}
		if err := d.send(ctx, chatID, item); err != nil {
			report.Failed++
			metrics.DispatchErrors.WithLabelValues("send").Inc()
			d.log.Error().Err(err).Str("item", item.Key()).Msg("relay: не удалось отправить элемент")
			continue
		}
		report.Sent++
		metrics.ItemsDispatched.WithLabelValues(string(item.SourceType)).Inc()
		if d.history != nil {
			if err := d.history.Record(ctx, item, item.Justification); err != nil {
				d.log.Warn().Err(err).Str("item", item.Key()).Msg("relay: запись в журнал истории не удалась")
			}
			metrics.HistorySize.Set(float64(d.history.Len()))
		}
	}
	return report
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, item domain.CandidateItem) error {
	text := FormatItem(item, d.summary(ctx, item))
	if len(item.Media) == 0 {
		return d.messenger.SendText(ctx, chatID, text)
	}
	err := d.messenger.SendMedia(ctx, chatID, item.Media, text)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrPartialDelivery):
		// медиа уже в чате, повтор текстом дал бы дубль
		metrics.DispatchErrors.WithLabelValues("followup").Inc()
		d.log.Warn().Err(err).Str("item", item.Key()).Msg("relay: продолжение текста не отправилось")
		return nil
	case errors.Is(err, domain.ErrMediaRejected):
		metrics.DispatchErrors.WithLabelValues("media").Inc()
		d.log.Warn().Err(err).Str("item", item.Key()).Msg("relay: медиа не отправилось, отправляем текст")
		return d.messenger.SendText(ctx, chatID, text)
	default:
		return err
	}
}

func (d *Dispatcher) summary(ctx context.Context, item domain.CandidateItem) string {
	if !d.summarize || d.classifier == nil {
		return ""
	}
	text, err := d.classifier.Summarize(ctx, item)
	if err != nil {
		d.log.Warn().Err(err).Str("item", item.Key()).Msg("relay: не удалось подготовить текст, используем исходный")
		return ""
	}
	return text
}
