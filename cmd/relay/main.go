package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tg-relay-bot/internal/adapters/bot"
	"tg-relay-bot/internal/adapters/classifier"
	"tg-relay-bot/internal/adapters/feed"
	"tg-relay-bot/internal/adapters/store"
	"tg-relay-bot/internal/adapters/telegram"
	"tg-relay-bot/internal/adapters/xapi"
	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/cache"
	"tg-relay-bot/internal/infra/config"
	"tg-relay-bot/internal/infra/db"
	httpinfra "tg-relay-bot/internal/infra/http"
	applog "tg-relay-bot/internal/infra/log"
	"tg-relay-bot/internal/infra/metrics"
	"tg-relay-bot/internal/infra/openai"
	"tg-relay-bot/internal/usecase/dedup"
	"tg-relay-bot/internal/usecase/pipeline"
	"tg-relay-bot/internal/usecase/relay"
	"tg-relay-bot/internal/usecase/rotation"
	"tg-relay-bot/internal/usecase/schedule"
)

const feedUserAgent = "tg-relay-bot/1.0 (+https://t.me)"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("relay: некорректная конфигурация")
	}
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.SourcesFile).Msg("relay: не удалось загрузить источники")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("relay: нет подключения к Redis")
		}
		defer redisClient.Close()
	}

	journal, closeJournal := openJournal(ctx, cfg, redisClient, logger)
	defer closeJournal()
	history := dedup.NewHistory(dedup.Options{
		Retention: cfg.Dedup.Retention,
		Threshold: cfg.Dedup.HistoryThreshold,
		Journal:   journal,
		Logger:    applog.Component(logger, "history"),
	})
	if restored, err := history.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("relay: историю не удалось восстановить, начинаем с пустой")
	} else if restored > 0 {
		logger.Info().Int("records", restored).Msg("relay: история восстановлена")
	}

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("relay: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	if cfg.Telegram.Target == "" {
		logger.Fatal().Msg("relay: не указан целевой чат (TG_TARGET_CHAT)")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("relay: не удалось создать бота")
	}
	sender := telegram.NewSender(botAPI, cfg.Telegram.SendInterval, applog.Component(logger, "telegram"))
	target := relay.NewTarget(sender, cfg.Telegram.Target, applog.Component(logger, "target"))

	if cfg.OpenAI.APIKey == "" {
		logger.Fatal().Msg("relay: не указан ключ OpenAI (OPENAI_API_KEY)")
	}
	openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	cls := classifier.New(openai.NewCompleter(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout), classifier.Config{
		Topic:          cfg.Language.Topic,
		TargetLanguage: cfg.Language.Target,
	}, applog.Component(logger, "classifier"))

	pl := pipeline.New(history, cls, pipeline.Config{
		Denylist:       sources.Denylist,
		PivotLanguage:  cfg.Language.Pivot,
		BatchThreshold: cfg.Dedup.BatchThreshold,
		RecentWindow:   cfg.Dedup.RecentWindow,
	}, applog.Component(logger, "pipeline"))
	dispatcher := relay.NewDispatcher(sender, history, cls, cfg.Polling.Summarize, applog.Component(logger, "dispatcher"))
	pollerOpts := relay.PollerOptions{DispatchCap: cfg.Polling.DispatchCap}

	quiet, err := schedule.NewQuietHours(cfg.Quiet.StartHour, cfg.Quiet.EndHour, cfg.TZ)
	if err != nil {
		logger.Fatal().Err(err).Msg("relay: некорректные часы тишины")
	}
	scheduler := schedule.NewScheduler(quiet, applog.Component(logger, "scheduler"))

	var keys relay.KeyMonitor
	var social *relay.SocialSource
	xClient := xapi.NewClient(cfg.X.BaseURL, cfg.XTokens(), cfg.X.Timeout, applog.Component(logger, "xapi"))
	if slots := xClient.Slots(); len(slots) > 0 && len(sources.Accounts) > 0 {
		manager, err := rotation.NewManager(rotation.Options{
			Slots:          slots,
			Checker:        xClient,
			Store:          openSnapshots(redisClient, cfg.Redis.Prefix),
			Freshness:      cfg.X.Freshness,
			SwitchOnDemand: cfg.X.SwitchOnDemand,
			Logger:         applog.Component(logger, "rotation"),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("relay: не удалось создать ротацию ключей")
		}
		keys = manager
		social = relay.NewSocialSource(xClient, manager, sources.Accounts, cfg.Polling.SocialInterval, applog.Component(logger, "social"))
	} else {
		logger.Warn().Int("slots", len(xClient.Slots())).Int("accounts", len(sources.Accounts)).Msg("relay: социальный источник не настроен")
	}

	controller := relay.NewController(scheduler, keys, applog.Component(logger, "control"))
	if manager, ok := keys.(*rotation.Manager); ok {
		manager.OnExhausted(controller.HandleExhausted)
	}

	if social != nil {
		addPoller(controller, relay.NewPoller(social, pl, dispatcher, target, pollerOpts, logger), logger)
	}
	if len(sources.Feeds) > 0 {
		reader := feed.NewReader(cfg.Polling.FeedTimeout, feedUserAgent, applog.Component(logger, "feed"))
		feeds := relay.NewFeedSource(reader, sources.Feeds, cfg.Polling.FeedInterval, applog.Component(logger, "feeds"))
		addPoller(controller, relay.NewPoller(feeds, pl, dispatcher, target, pollerOpts, logger), logger)
	}

	scheduler.Start(ctx)
	for _, st := range controller.Sources() {
		if err := controller.Enable(ctx, st.Name); err != nil {
			logger.Error().Err(err).Str("source", st.Name).Msg("relay: источник не включён при старте")
			continue
		}
		logger.Info().Str("source", st.Name).Str("interval", st.Interval).Msg("relay: источник включён")
	}

	server := httpinfra.NewServer(controller, httpinfra.Options{AdminToken: cfg.AdminToken}, applog.Component(logger, "admin"))
	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil {
			logger.Error().Err(err).Msg("relay: HTTP сервер остановился с ошибкой")
			stop()
		}
	}()

	if len(cfg.Telegram.Operators) > 0 {
		handler := bot.NewHandler(botAPI, controller, cfg.Telegram.Operators, applog.Component(logger, "bot"))
		updateCfg := tgbotapi.NewUpdate(0)
		updateCfg.Timeout = 30
		updateCfg.AllowedUpdates = []string{"message", "callback_query"}
		go handler.Run(ctx, botAPI.GetUpdatesChan(updateCfg))
		logger.Info().Int("operators", len(cfg.Telegram.Operators)).Msg("relay: команды операторов включены")
	}

	<-ctx.Done()
	logger.Info().Msg("relay: остановка")
	if len(cfg.Telegram.Operators) > 0 {
		botAPI.StopReceivingUpdates()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("relay: HTTP сервер не остановился корректно")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("relay: тики не завершились вовремя")
	}
	logger.Info().Msg("relay: остановлен")
}

func addPoller(controller *relay.Controller, p *relay.Poller, logger zerolog.Logger) {
	if err := controller.Add(p); err != nil {
		logger.Fatal().Err(err).Str("source", p.Name()).Msg("relay: не удалось зарегистрировать источник")
	}
}

func openJournal(ctx context.Context, cfg config.AppConfig, redisClient *redis.Client, logger zerolog.Logger) (domain.SentJournal, func()) {
	switch cfg.Dedup.Backend {
	case config.HistoryRedis:
		return store.NewRedisJournal(redisClient, cfg.Redis.Prefix), func() {}
	case config.HistoryPostgres:
		pool, err := db.Connect(ctx, cfg.PGDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("relay: нет подключения к БД")
		}
		journal := store.NewPostgresJournal(pool)
		if err := journal.EnsureSchema(ctx); err != nil {
			pool.Close()
			logger.Fatal().Err(err).Msg("relay: не удалось подготовить таблицу истории")
		}
		return journal, journal.Close
	default:
		return nil, func() {}
	}
}

func openSnapshots(redisClient *redis.Client, prefix string) domain.SnapshotStore {
	if redisClient != nil {
		return store.NewRedisSnapshots(redisClient, prefix)
	}
	return store.NewMemorySnapshots(time.Hour)
}
