package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"tg-relay-bot/internal/domain"
)

// Бэкенды истории отправок.
const (
	HistoryMemory   = "memory"
	HistoryRedis    = "redis"
	HistoryPostgres = "postgres"
)

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv   string `envconfig:"APP_ENV" default:"dev"`
	TZ       string `envconfig:"TZ" default:"America/Sao_Paulo"`
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	// AdminToken защищает /api; пустое значение отключает проверку.
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	SourcesFile string `envconfig:"SOURCES_FILE" default:"sources.yaml"`

	Telegram struct {
		Token        string        `envconfig:"TG_BOT_TOKEN"`
		Target       string        `envconfig:"TG_TARGET_CHAT"`
		SendInterval time.Duration `envconfig:"TG_SEND_INTERVAL" default:"3s"`
		// Operators перечисляет Telegram id пользователей, которым доступны команды бота.
		Operators []int64 `envconfig:"TG_OPERATORS"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	X struct {
		PrimaryToken   string        `envconfig:"X_BEARER_PRIMARY"`
		FallbackToken  string        `envconfig:"X_BEARER_FALLBACK"`
		Fallback2Token string        `envconfig:"X_BEARER_FALLBACK2"`
		BaseURL        string        `envconfig:"X_API_BASE_URL" default:"https://api.x.com"`
		Timeout        time.Duration `envconfig:"X_API_TIMEOUT" default:"20s"`
		Freshness      time.Duration `envconfig:"X_USAGE_FRESHNESS" default:"15m"`
		SwitchOnDemand bool          `envconfig:"X_SWITCH_ON_DEMAND" default:"true"`
	} `envconfig:""`

	Polling struct {
		SocialInterval time.Duration `envconfig:"SOCIAL_INTERVAL" default:"15m"`
		FeedInterval   time.Duration `envconfig:"FEED_INTERVAL" default:"10m"`
		FeedTimeout    time.Duration `envconfig:"FEED_TIMEOUT" default:"15s"`
		DispatchCap    int           `envconfig:"DISPATCH_CAP" default:"2"`
		Summarize      bool          `envconfig:"DISPATCH_SUMMARIZE" default:"false"`
	} `envconfig:""`

	Quiet struct {
		StartHour int `envconfig:"QUIET_START_HOUR" default:"-1"`
		EndHour   int `envconfig:"QUIET_END_HOUR" default:"-1"`
	} `envconfig:""`

	Dedup struct {
		HistoryThreshold float64       `envconfig:"HISTORY_SIMILARITY" default:"0.65"`
		BatchThreshold   float64       `envconfig:"BATCH_SIMILARITY" default:"0.65"`
		Retention        time.Duration `envconfig:"HISTORY_RETENTION" default:"48h"`
		RecentWindow     int           `envconfig:"HISTORY_RECENT_WINDOW" default:"50"`
		Backend          string        `envconfig:"HISTORY_BACKEND" default:"memory"`
	} `envconfig:""`

	Language struct {
		Pivot  string `envconfig:"PIVOT_LANGUAGE" default:"pt"`
		Target string `envconfig:"TARGET_LANGUAGE" default:"português do Brasil"`
		Topic  string `envconfig:"RELAY_TOPIC"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR"`
		Password string `envconfig:"REDIS_PASSWORD"`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
		Prefix   string `envconfig:"REDIS_PREFIX" default:"relay"`
	} `envconfig:""`
}

// XTokens возвращает токены по слотам.
func (c AppConfig) XTokens() map[string]string {
	return map[string]string{
		domain.SlotPrimary:   c.X.PrimaryToken,
		domain.SlotFallback:  c.X.FallbackToken,
		domain.SlotFallback2: c.X.Fallback2Token,
	}
}

// Load загружает конфиг из окружения.
func Load() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("не удалось загрузить конфиг: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate проверяет значения, которые нельзя исправить молча.
func (c AppConfig) Validate() error {
	switch c.Dedup.Backend {
	case HistoryMemory:
	case HistoryRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("HISTORY_BACKEND=redis требует REDIS_ADDR")
		}
	case HistoryPostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("HISTORY_BACKEND=postgres требует PG_DSN")
		}
	default:
		return fmt.Errorf("неизвестный HISTORY_BACKEND %q", c.Dedup.Backend)
	}
	if c.Quiet.StartHour > 23 || c.Quiet.EndHour > 23 {
		return fmt.Errorf("часы тишины должны быть в диапазоне 0..23")
	}
	if c.Polling.DispatchCap < 0 {
		return fmt.Errorf("DISPATCH_CAP не может быть отрицательным")
	}
	return nil
}
