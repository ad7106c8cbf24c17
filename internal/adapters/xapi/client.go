package xapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/metrics"
)

const (
	defaultBaseURL = "https://api.x.com"
	// maxQueryLength задаёт ограничение длины поискового запроса recent search.
	maxQueryLength    = 512
	defaultMaxResults = 50
	minTokenLength    = 16
)

// ErrUnknownSlot возвращается для слота без зарегистрированного токена.
var ErrUnknownSlot = errors.New("xapi: неизвестный слот")

// Client обращается к X API v2 с bearer-токеном выбранного слота.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  map[string]string
	log     zerolog.Logger
}

var (
	_ domain.UsageChecker   = (*Client)(nil)
	_ domain.SocialSearcher = (*Client)(nil)
)

// ValidToken сообщает, похож ли bearer-токен на настоящий.
func ValidToken(token string) bool {
	token = strings.TrimSpace(token)
	if len(token) < minTokenLength {
		return false
	}
	return !strings.ContainsAny(token, " \t\r\n")
}

// NewClient создаёт клиента. Слоты с пустыми или некорректными токенами не регистрируются.
func NewClient(baseURL string, tokens map[string]string, timeout time.Duration, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	valid := make(map[string]string, len(tokens))
	for slot, token := range tokens {
		if !ValidToken(token) {
			if strings.TrimSpace(token) != "" {
				logger.Warn().Str("slot", slot).Msg("xapi: некорректный токен, слот не зарегистрирован")
			}
			continue
		}
		valid[slot] = strings.TrimSpace(token)
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  valid,
		log:     logger,
	}
}

// Slots возвращает зарегистрированные слоты в порядке приоритета.
func (c *Client) Slots() []string {
	var out []string
	for _, slot := range []string{domain.SlotPrimary, domain.SlotFallback, domain.SlotFallback2} {
		if _, ok := c.tokens[slot]; ok {
			out = append(out, slot)
		}
	}
	return out
}

// flexInt принимает число как в виде числа, так и строки.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("разбор числа %q: %w", raw, err)
	}
	*f = flexInt(v)
	return nil
}

type usageResponse struct {
	Data struct {
		ProjectUsage flexInt `json:"project_usage"`
		ProjectCap   flexInt `json:"project_cap"`
		CapResetDay  flexInt `json:"cap_reset_day"`
	} `json:"data"`
}

// CheckUsage запрашивает месячное использование проекта для слота.
func (c *Client) CheckUsage(ctx context.Context, slot string) (domain.Usage, error) {
	var payload usageResponse
	if err := c.get(ctx, slot, "usage", "/2/usage/tweets", nil, &payload); err != nil {
		return domain.Usage{}, err
	}
	return domain.Usage{
		Count:         int64(payload.Data.ProjectUsage),
		Limit:         int64(payload.Data.ProjectCap),
		CycleResetDay: int(payload.Data.CapResetDay),
	}, nil
}

func (c *Client) get(ctx context.Context, slot, operation, path string, query url.Values, out any) error {
	token, ok := c.tokens[slot]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("xapi: сборка запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("xapi", operation, slot, start, err)
		return fmt.Errorf("xapi: запрос %s: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("xapi", operation, slot, start, err)
		return fmt.Errorf("xapi: чтение ответа: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		rlErr := &domain.RateLimitError{Slot: slot, ResetAt: parseReset(resp.Header.Get("x-rate-limit-reset"))}
		metrics.ObserveNetworkRequest("xapi", operation, slot, start, rlErr)
		return rlErr
	}
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("xapi: %s: статус %d: %s", operation, resp.StatusCode, apiErrorMessage(body))
		metrics.ObserveNetworkRequest("xapi", operation, slot, start, err)
		return err
	}
	metrics.ObserveNetworkRequest("xapi", operation, slot, start, nil)
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("xapi: разбор ответа %s: %w", operation, err)
	}
	return nil
}

func parseReset(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	epoch, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || epoch <= 0 {
		return nil
	}
	reset := time.Unix(epoch, 0).UTC()
	return &reset
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func apiErrorMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil {
		switch {
		case e.Detail != "":
			return e.Detail
		case len(e.Errors) > 0 && e.Errors[0].Message != "":
			return e.Errors[0].Message
		case e.Title != "":
			return e.Title
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
