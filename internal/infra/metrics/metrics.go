package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ticks_total",
		Help: "Тики опроса источников по исходу",
	}, []string{"source", "outcome"})

	TickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_tick_duration_seconds",
		Help:    "Длительность тика опроса",
		Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"source"})

	ItemsFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_items_fetched_total",
		Help: "Кандидаты, полученные от источников",
	}, []string{"source"})

	StageDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_pipeline_dropped_total",
		Help: "Элементы, отброшенные стадиями фильтрации",
	}, []string{"stage"})

	ItemsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_items_dispatched_total",
		Help: "Отправленные в канал элементы",
	}, []string{"source"})

	DispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dispatch_errors_total",
		Help: "Ошибки отправки сообщений",
	}, []string{"kind"})

	KeyUsage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_api_key_usage",
		Help: "Использование ключа API",
	}, []string{"slot"})

	KeyLimit = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_api_key_limit",
		Help: "Лимит ключа API",
	}, []string{"slot"})

	KeyStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_api_key_status",
		Help: "Статус ключа API (1 для текущего статуса)",
	}, []string{"slot", "status"})

	KeyActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_api_key_active",
		Help: "1 для активного ключа",
	}, []string{"slot"})

	HistorySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_history_records",
		Help: "Живые записи в истории отправок",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "kind"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

var keyStatuses = []string{"ok", "rate_limited", "error", "unchecked"}

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		TicksTotal,
		TickDuration,
		ItemsFetched,
		StageDropped,
		ItemsDispatched,
		DispatchErrors,
		KeyUsage,
		KeyLimit,
		KeyStatus,
		KeyActive,
		HistorySize,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model, kind string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	if kind == "" {
		kind = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model, kind).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// ObserveKeySlot выставляет гейджи состояния ключа.
func ObserveKeySlot(slot, status string, usage, limit int64, active bool) {
	KeyUsage.WithLabelValues(slot).Set(float64(usage))
	KeyLimit.WithLabelValues(slot).Set(float64(limit))
	for _, s := range keyStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		KeyStatus.WithLabelValues(slot, s).Set(value)
	}
	activeValue := 0.0
	if active {
		activeValue = 1
	}
	KeyActive.WithLabelValues(slot).Set(activeValue)
}

// ObserveTick учитывает завершённый тик.
func ObserveTick(source, outcome string, start time.Time) {
	TicksTotal.WithLabelValues(source, outcome).Inc()
	TickDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
}

// ObserveStageDrops учитывает отброшенные стадией элементы.
func ObserveStageDrops(stage string, dropped int) {
	if dropped <= 0 {
		return
	}
	StageDropped.WithLabelValues(stage).Add(float64(dropped))
}
