package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/metrics"
)

const (
	defaultSendInterval = 3 * time.Second
	maxMediaGroup       = 10
	maxRetryAfter       = 60 * time.Second
)

// ErrChatUnavailable возвращается, если целевой чат не найден или бот потерял к нему доступ.
var ErrChatUnavailable = errors.New("telegram: чат недоступен")

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

// Sender отправляет сообщения через Bot API с ограничением частоты.
type Sender struct {
	bot     botAPI
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ domain.Messenger = (*Sender)(nil)

// NewSender создаёт отправителя. interval задаёт минимальную паузу между запросами.
func NewSender(bot botAPI, interval time.Duration, logger zerolog.Logger) *Sender {
	if interval <= 0 {
		interval = defaultSendInterval
	}
	return &Sender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     logger,
	}
}

// ParseTarget разбирает адрес чата: числовой id, "@username" или ссылку t.me.
func ParseTarget(target string) (int64, string, error) {
	t := strings.TrimSpace(target)
	if t == "" {
		return 0, "", fmt.Errorf("%w: пустой адрес", ErrChatUnavailable)
	}
	if id, err := strconv.ParseInt(t, 10, 64); err == nil {
		return id, "", nil
	}
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(strings.ToLower(t), prefix) {
			t = t[len(prefix):]
			break
		}
	}
	t = strings.Trim(strings.TrimPrefix(t, "@"), "/")
	if t == "" || strings.ContainsAny(t, "/ ") {
		return 0, "", fmt.Errorf("%w: некорректный адрес %q", ErrChatUnavailable, target)
	}
	return 0, "@" + t, nil
}

// ResolveChat находит id чата по адресу.
func (s *Sender) ResolveChat(ctx context.Context, target string) (int64, error) {
	id, username, err := ParseTarget(target)
	if err != nil {
		return 0, err
	}
	cfg := tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: id, SuperGroupUsername: username}}
	chat, err := s.getChat(ctx, cfg)
	if err != nil {
		return 0, err
	}
	return chat.ID, nil
}

// CheckChat проверяет, что чат по-прежнему доступен боту.
func (s *Sender) CheckChat(ctx context.Context, chatID int64) error {
	_, err := s.getChat(ctx, tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	return err
}

func (s *Sender) getChat(ctx context.Context, cfg tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return tgbotapi.Chat{}, err
	}
	start := time.Now()
	chat, err := s.bot.GetChat(cfg)
	metrics.ObserveNetworkRequest("telegram", "get_chat", "bot_api", start, err)
	if err != nil {
		return tgbotapi.Chat{}, fmt.Errorf("%w: %v", ErrChatUnavailable, err)
	}
	return chat, nil
}

// SendText отправляет HTML-текст, разбивая длинные сообщения.
func (s *Sender) SendText(ctx context.Context, chatID int64, text string) error {
	for _, part := range SplitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		if err := s.send(ctx, "send_message", msg); err != nil {
			return err
		}
	}
	return nil
}

// SendMedia отправляет медиа с подписью. Несколько вложений уходят альбомом.
// Длинная подпись уходит отдельным текстом после медиа. Ошибка самого медиа
// оборачивает domain.ErrMediaRejected, ошибка текста после него
// domain.ErrPartialDelivery.
func (s *Sender) SendMedia(ctx context.Context, chatID int64, media []domain.MediaRef, caption string) error {
	if len(media) == 0 {
		return s.SendText(ctx, chatID, caption)
	}
	if len(media) > maxMediaGroup {
		media = media[:maxMediaGroup]
	}
	fitted, fits := FitCaption(caption)
	mediaCaption := ""
	if fits {
		mediaCaption = fitted
	}

	var err error
	if len(media) == 1 || !groupable(media) {
		err = s.send(ctx, "send_media", singleMedia(chatID, media[0], mediaCaption))
	} else {
		err = s.sendGroup(ctx, chatID, media, mediaCaption)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMediaRejected, err)
	}
	if !fits {
		if err := s.SendText(ctx, chatID, caption); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrPartialDelivery, err)
		}
	}
	return nil
}

func (s *Sender) sendGroup(ctx context.Context, chatID int64, media []domain.MediaRef, caption string) error {
	files := make([]interface{}, 0, len(media))
	for i, ref := range media {
		itemCaption := ""
		if i == 0 {
			itemCaption = caption
		}
		switch ref.Kind {
		case domain.MediaVideo:
			v := tgbotapi.NewInputMediaVideo(tgbotapi.FileURL(ref.URL))
			v.Caption = itemCaption
			v.ParseMode = tgbotapi.ModeHTML
			files = append(files, v)
		default:
			p := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(ref.URL))
			p.Caption = itemCaption
			p.ParseMode = tgbotapi.ModeHTML
			files = append(files, p)
		}
	}
	return s.withRetry(ctx, "send_media_group", func() error {
		_, err := s.bot.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, files))
		return err
	})
}

func (s *Sender) send(ctx context.Context, operation string, c tgbotapi.Chattable) error {
	return s.withRetry(ctx, operation, func() error {
		_, err := s.bot.Send(c)
		return err
	})
}

// withRetry выполняет запрос и один раз повторяет его после паузы, которую попросил Telegram.
func (s *Sender) withRetry(ctx context.Context, operation string, call func() error) error {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		err := call()
		metrics.ObserveNetworkRequest("telegram", operation, "bot_api", start, err)
		if err == nil {
			return nil
		}
		wait := retryAfter(err)
		if attempt > 0 || wait <= 0 {
			return fmt.Errorf("telegram: %s: %w", operation, err)
		}
		s.log.Warn().Dur("retry_after", wait).Str("operation", operation).Msg("telegram: превышен лимит, повторяем")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func retryAfter(err error) time.Duration {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		return 0
	}
	wait := time.Duration(apiErr.RetryAfter) * time.Second
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	return wait
}

func groupable(media []domain.MediaRef) bool {
	for _, ref := range media {
		if ref.Kind == domain.MediaAnimated {
			return false
		}
	}
	return true
}

func singleMedia(chatID int64, ref domain.MediaRef, caption string) tgbotapi.Chattable {
	file := tgbotapi.FileURL(ref.URL)
	switch ref.Kind {
	case domain.MediaVideo:
		v := tgbotapi.NewVideo(chatID, file)
		v.Caption = caption
		v.ParseMode = tgbotapi.ModeHTML
		return v
	case domain.MediaAnimated:
		a := tgbotapi.NewAnimation(chatID, file)
		a.Caption = caption
		a.ParseMode = tgbotapi.ModeHTML
		return a
	default:
		p := tgbotapi.NewPhoto(chatID, file)
		p.Caption = caption
		p.ParseMode = tgbotapi.ModeHTML
		return p
	}
}
