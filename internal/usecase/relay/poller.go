package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/metrics"
	"tg-relay-bot/internal/usecase/pipeline"
)

const defaultDispatchCap = 2

// ErrTickAborted оборачивает ошибку, прервавшую тик.
var ErrTickAborted = errors.New("relay: тик прерван")

// Исходы тика для метрик.
const (
	OutcomeOK        = "ok"
	OutcomeEmpty     = "empty"
	OutcomeAborted   = "aborted"
	OutcomeExhausted = "exhausted"
	OutcomePanic     = "panic"
)

// TickReport описывает итог одного тика.
type TickReport struct {
	ID       string
	Outcome  string
	Fetched  int
	Selected int
	Dispatch DispatchReport
	Dropped  map[string]int
	Err      error
}

// PollerOptions настраивает поллер.
type PollerOptions struct {
	DispatchCap int
	Clock       func() time.Time
}

// Poller выполняет тик источника: проверка цели, загрузка, фильтрация, отправка.
type Poller struct {
	source     Source
	pipeline   *pipeline.Pipeline
	dispatcher *Dispatcher
	target     *Target
	cap        int
	now        func() time.Time
	log        zerolog.Logger
}

// NewPoller создаёт поллер источника.
func NewPoller(source Source, pl *pipeline.Pipeline, dispatcher *Dispatcher, target *Target, opts PollerOptions, logger zerolog.Logger) *Poller {
	if opts.DispatchCap <= 0 {
		opts.DispatchCap = defaultDispatchCap
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Poller{
		source:     source,
		pipeline:   pl,
		dispatcher: dispatcher,
		target:     target,
		cap:        opts.DispatchCap,
		now:        opts.Clock,
		log:        logger.With().Str("source", source.Name()).Logger(),
	}
}

// Name возвращает имя источника.
func (p *Poller) Name() string { return p.source.Name() }

// Source возвращает источник поллера.
func (p *Poller) Source() Source { return p.source }

// Run выполняет тик; подходит как функция задачи планировщика.
func (p *Poller) Run(ctx context.Context) {
	p.Tick(ctx)
}

// Tick выполняет один тик. Ошибки и паника не выходят за пределы тика.
func (p *Poller) Tick(ctx context.Context) (report TickReport) {
	report.ID = uuid.NewString()
	start := time.Now()
	logger := p.log.With().Str("tick", report.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			report.Outcome = OutcomePanic
			report.Err = fmt.Errorf("%w: паника: %v", ErrTickAborted, r)
			logger.Error().Interface("panic", r).Msg("relay: паника в тике")
		}
		metrics.ObserveTick(p.source.Name(), report.Outcome, start)
	}()

	err := p.tick(ctx, logger, &report)
	switch {
	case err == nil && report.Dispatch.Sent == 0 && report.Dispatch.Failed == 0:
		report.Outcome = OutcomeEmpty
	case err == nil:
		report.Outcome = OutcomeOK
	case errors.Is(err, domain.ErrSourceExhausted):
		report.Outcome = OutcomeExhausted
		report.Err = err
	default:
		report.Outcome = OutcomeAborted
		report.Err = err
	}
	if report.Err != nil {
		logger.Warn().Err(report.Err).Str("outcome", report.Outcome).Msg("relay: тик прерван")
		return report
	}
	logger.Info().
		Int("fetched", report.Fetched).
		Int("selected", report.Selected).
		Int("sent", report.Dispatch.Sent).
		Int("failed", report.Dispatch.Failed).
		Dur("took", time.Since(start)).
		Msg("relay: тик завершён")
	return report
}

func (p *Poller) tick(ctx context.Context, logger zerolog.Logger, report *TickReport) error {
	chatID, err := p.target.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTickAborted, err)
	}

	items, err := p.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: загрузка: %w", ErrTickAborted, err)
	}
	report.Fetched = len(items)
	metrics.ItemsFetched.WithLabelValues(p.source.Name()).Add(float64(len(items)))

	res := p.pipeline.Run(ctx, items, pipeline.RunOptions{Now: p.now(), Interval: p.source.Interval()})
	report.Dropped = res.Dropped
	selected := res.Items
	if len(selected) > p.cap {
		logger.Debug().Int("skipped", len(selected)-p.cap).Msg("relay: превышен лимит отправки за тик")
		selected = selected[:p.cap]
	}
	report.Selected = len(selected)

	if len(selected) > 0 {
		report.Dispatch = p.dispatcher.Dispatch(ctx, chatID, selected)
	}
	p.source.Advance()
	return nil
}
