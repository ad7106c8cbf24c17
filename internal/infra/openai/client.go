package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/metrics"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ErrRateLimited возвращается на ответ 429.
var ErrRateLimited = errors.New("openai: превышен лимит запросов")

// Client выполняет Chat Completions запросы.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient создаёт клиента OpenAI-совместимого API.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout + 5*time.Second}
	return &Client{http: httpClient, baseURL: baseURL, apiKey: apiKey}
}

// ChatCompletionRequest описывает тело запроса.
type ChatCompletionRequest struct {
	Model          string                        `json:"model"`
	Messages       []ChatMessage                 `json:"messages"`
	Temperature    float64                       `json:"temperature,omitempty"`
	MaxTokens      int                           `json:"max_tokens,omitempty"`
	ResponseFormat *ChatCompletionResponseFormat `json:"response_format,omitempty"`
	// Kind задаёт метку запроса для метрик, в API не отправляется.
	Kind string `json:"-"`
}

// ChatMessage представляет сообщение в диалоге.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	// RoleSystem системная инструкция.
	RoleSystem = "system"
	// RoleUser сообщение пользователя.
	RoleUser = "user"
)

// ChatCompletionResponseFormat задаёт формат ответа.
type ChatCompletionResponseFormat struct {
	Type string `json:"type"`
}

// ResponseFormatTypeJSONObject просит вернуть объект JSON.
const ResponseFormatTypeJSONObject = "json_object"

// ChatCompletionResponse описывает ответ модели.
type ChatCompletionResponse struct {
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *ChatCompletionUsage   `json:"usage,omitempty"`
}

// ChatCompletionChoice содержит сообщение модели.
type ChatCompletionChoice struct {
	Message ChatMessage `json:"message"`
}

// ChatCompletionUsage описывает статистику использования токенов.
type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CreateChatCompletion вызывает /chat/completions.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error) {
	if c.apiKey == "" {
		return ChatCompletionResponse{}, fmt.Errorf("openai: пустой api key")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("openai: сериализация запроса: %w", err)
	}
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ChatCompletionResponse{}, fmt.Errorf("openai: сборка запроса: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return ChatCompletionResponse{}, fmt.Errorf("openai: запрос: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return ChatCompletionResponse{}, fmt.Errorf("openai: чтение ответа: %w", err)
	}
	if resp.StatusCode >= 400 {
		err = statusError(resp.StatusCode, respBody)
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return ChatCompletionResponse{}, err
	}
	var completion ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, err)
		return ChatCompletionResponse{}, fmt.Errorf("openai: разбор ответа: %w", err)
	}
	metrics.ObserveNetworkRequest("openai", "chat_completions", req.Model, start, nil)
	if completion.Usage != nil {
		metrics.ObserveLLMGeneration(req.Model, req.Kind, time.Since(start), completion.Usage.PromptTokens, completion.Usage.CompletionTokens, completion.Usage.TotalTokens)
	}
	return completion, nil
}

func statusError(status int, body []byte) error {
	var apiErr apiErrorResponse
	message := ""
	if err := json.Unmarshal(body, &apiErr); err == nil {
		message = apiErr.Error.Message
	}
	if status == http.StatusTooManyRequests {
		if message != "" {
			return fmt.Errorf("%w: %s", ErrRateLimited, message)
		}
		return ErrRateLimited
	}
	if message != "" {
		return fmt.Errorf("openai: %s", message)
	}
	return fmt.Errorf("openai: неожиданный статус %d", status)
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (ChatCompletionResponse, error)
}

// Completer реализует domain.Completer поверх Chat Completions.
type Completer struct {
	client  chatCompletionClient
	model   string
	timeout time.Duration
}

var _ domain.Completer = (*Completer)(nil)

// NewCompleter создаёт генератор ответов для заданной модели.
func NewCompleter(client chatCompletionClient, model string, timeout time.Duration) *Completer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Completer{client: client, model: model, timeout: timeout}
}

// Complete отправляет системную инструкцию и промпт и возвращает текст первого варианта.
func (c *Completer) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]ChatMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, ChatMessage{Role: RoleSystem, Content: req.System})
	}
	messages = append(messages, ChatMessage{Role: RoleUser, Content: req.Prompt})

	chatReq := ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Kind:        req.Kind,
	}
	if req.JSON {
		chatReq.ResponseFormat = &ChatCompletionResponseFormat{Type: ResponseFormatTypeJSONObject}
	}
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: пустой ответ модели")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
