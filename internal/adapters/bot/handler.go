package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-relay-bot/internal/adapters/telegram"
	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/infra/metrics"
	"tg-relay-bot/internal/usecase/relay"
)

// Controller описывает операции над источниками и ключами, доступные операторам.
type Controller interface {
	Sources() []relay.SourceState
	Enable(ctx context.Context, name string) error
	Disable(name string) error
	RunNow(name string) error
	Keys() (domain.UsageSnapshot, error)
	RefreshKeys(ctx context.Context) (domain.UsageSnapshot, error)
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler обрабатывает команды операторов в личке бота.
type Handler struct {
	bot       botAPI
	ctrl      Controller
	operators map[int64]struct{}
	log       zerolog.Logger
}

// NewHandler создаёт обработчик. Пустой список операторов отключает все команды.
func NewHandler(bot botAPI, ctrl Controller, operators []int64, log zerolog.Logger) *Handler {
	set := make(map[int64]struct{}, len(operators))
	for _, id := range operators {
		set[id] = struct{}{}
	}
	return &Handler{bot: bot, ctrl: ctrl, operators: set, log: log}
}

// Run читает апдейты до закрытия канала или отмены контекста.
func (h *Handler) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			h.HandleUpdate(ctx, upd)
		}
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) allowed(from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	_, ok := h.operators[from.ID]
	return ok
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		return
	}
	// в группах команды не принимаются даже от операторов
	if !msg.Chat.IsPrivate() {
		h.log.Debug().Int64("chat", msg.Chat.ID).Str("command", msg.Command()).Msg("bot: команда не из лички, пропущена")
		return
	}
	if !h.allowed(msg.From) {
		h.log.Warn().Int64("chat", msg.Chat.ID).Str("command", msg.Command()).Msg("bot: команда от постороннего")
		h.reply(msg.Chat.ID, "Команды доступны только операторам", nil)
		return
	}
	arg := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start", "help":
		h.reply(msg.Chat.ID, helpMessage, h.mainKeyboard())
	case "status":
		h.handleStatus(msg.Chat.ID)
	case "keys":
		h.handleKeys(msg.Chat.ID)
	case "refresh":
		h.handleRefresh(ctx, msg.Chat.ID)
	case "enable":
		h.handleToggle(ctx, msg.Chat.ID, arg, true)
	case "disable":
		h.handleToggle(ctx, msg.Chat.ID, arg, false)
	case "run":
		h.handleRun(msg.Chat.ID, arg)
	default:
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	h.answer(cb.ID)
	if !cb.Message.Chat.IsPrivate() || !h.allowed(cb.From) {
		return
	}
	data := cb.Data
	switch {
	case data == "status":
		h.handleStatus(chatID)
	case data == "keys":
		h.handleKeys(chatID)
	case data == "refresh":
		h.handleRefresh(ctx, chatID)
	case strings.HasPrefix(data, "enable:"):
		h.handleToggle(ctx, chatID, strings.TrimPrefix(data, "enable:"), true)
	case strings.HasPrefix(data, "disable:"):
		h.handleToggle(ctx, chatID, strings.TrimPrefix(data, "disable:"), false)
	case strings.HasPrefix(data, "run:"):
		h.handleRun(chatID, strings.TrimPrefix(data, "run:"))
	}
}

func (h *Handler) handleStatus(chatID int64) {
	states := h.ctrl.Sources()
	if len(states) == 0 {
		h.reply(chatID, "Источники не настроены", nil)
		return
	}
	h.reply(chatID, FormatSources(states), h.sourcesKeyboard(states))
}

func (h *Handler) handleKeys(chatID int64) {
	snap, err := h.ctrl.Keys()
	if err != nil {
		h.reply(chatID, "Ключи социального источника не настроены", nil)
		return
	}
	h.reply(chatID, FormatKeys(snap), nil)
}

func (h *Handler) handleRefresh(ctx context.Context, chatID int64) {
	snap, err := h.ctrl.RefreshKeys(ctx)
	switch {
	case errors.Is(err, relay.ErrNoCredentials):
		h.reply(chatID, "Ключи социального источника не настроены", nil)
	case err != nil && !errors.Is(err, domain.ErrSourceExhausted):
		h.log.Error().Err(err).Msg("bot: проверка ключей не удалась")
		h.reply(chatID, "Не удалось проверить ключи. Попробуйте позже", nil)
	default:
		h.reply(chatID, FormatKeys(snap), nil)
	}
}

func (h *Handler) handleToggle(ctx context.Context, chatID int64, name string, enable bool) {
	if name == "" {
		h.reply(chatID, "Укажите источник: /enable social или /disable feeds", nil)
		return
	}
	var err error
	if enable {
		err = h.ctrl.Enable(ctx, name)
	} else {
		err = h.ctrl.Disable(name)
	}
	switch {
	case err == nil && enable:
		h.reply(chatID, fmt.Sprintf("Источник %s включён", name), nil)
	case err == nil:
		h.reply(chatID, fmt.Sprintf("Источник %s выключен", name), nil)
	case errors.Is(err, relay.ErrUnknownSource):
		h.reply(chatID, fmt.Sprintf("Источник %s не найден", name), nil)
	case errors.Is(err, relay.ErrNoCredentials):
		h.reply(chatID, "Для социального источника не задан ни один ключ", nil)
	case errors.Is(err, domain.ErrSourceExhausted):
		h.reply(chatID, "Все ключи исчерпаны, источник не включён", nil)
	default:
		h.log.Error().Err(err).Str("source", name).Msg("bot: не удалось переключить источник")
		h.reply(chatID, "Не удалось переключить источник. Попробуйте позже", nil)
	}
}

func (h *Handler) handleRun(chatID int64, name string) {
	if name == "" {
		h.reply(chatID, "Укажите источник: /run feeds", nil)
		return
	}
	err := h.ctrl.RunNow(name)
	switch {
	case err == nil:
		h.reply(chatID, fmt.Sprintf("Опрос %s запущен", name), nil)
	case errors.Is(err, relay.ErrUnknownSource):
		h.reply(chatID, fmt.Sprintf("Источник %s не найден", name), nil)
	case errors.Is(err, relay.ErrSourceDisabled):
		h.reply(chatID, fmt.Sprintf("Источник %s выключен, сначала /enable %s", name, name), nil)
	default:
		h.log.Error().Err(err).Str("source", name).Msg("bot: не удалось запустить опрос")
		h.reply(chatID, "Не удалось запустить опрос. Попробуйте позже", nil)
	}
}

const helpMessage = `Команды оператора:
/status — состояние источников
/keys — использование ключей
/refresh — принудительно проверить ключи
/enable <источник> — включить опрос
/disable <источник> — выключить опрос
/run <источник> — опросить сейчас`

// FormatSources собирает текст со статусом источников.
func FormatSources(states []relay.SourceState) string {
	var b strings.Builder
	b.WriteString("Источники:\n")
	for _, st := range states {
		mark := "⏸"
		if st.Enabled {
			mark = "▶️"
		}
		fmt.Fprintf(&b, "%s %s (%s), каждые %s", mark, st.Name, st.Type, st.Interval)
		if st.Enabled && st.Next != nil {
			fmt.Fprintf(&b, ", следующий тик %s", st.Next.Format("15:04"))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatKeys собирает текст с использованием ключей.
func FormatKeys(snap domain.UsageSnapshot) string {
	var b strings.Builder
	if snap.Exhausted {
		b.WriteString("⚠️ Все ключи исчерпаны\n")
	}
	for _, slot := range snap.Slots {
		mark := "  "
		if slot.Name == snap.Active {
			mark = "➡️"
		}
		fmt.Fprintf(&b, "%s %s: %s, %d/%d", mark, slot.Name, slot.Status, slot.UsageCount, slot.UsageLimit)
		if slot.ResetAt != nil {
			fmt.Fprintf(&b, ", сброс %s", slot.ResetAt.Format("02.01 15:04"))
		}
		b.WriteString("\n")
	}
	if !snap.TakenAt.IsZero() {
		fmt.Fprintf(&b, "Проверено: %s", snap.TakenAt.Format(time.RFC3339))
	}
	text := strings.TrimRight(b.String(), "\n")
	if text == "" {
		return "Ключи ещё не проверялись"
	}
	return text
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("bot: не удалось отправить сообщение")
			return
		}
	}
}

func (h *Handler) answer(callbackID string) {
	if _, err := h.bot.Request(tgbotapi.NewCallback(callbackID, "")); err != nil {
		h.log.Debug().Err(err).Msg("bot: не удалось ответить на callback")
	}
}

func (h *Handler) mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📡 Источники", "status"),
			tgbotapi.NewInlineKeyboardButtonData("🔑 Ключи", "keys"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Проверить ключи", "refresh"),
		),
	)
	return &buttons
}

func (h *Handler) sourcesKeyboard(states []relay.SourceState) *tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(states))
	for _, st := range states {
		if st.Enabled {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("⏸ Выключить "+st.Name, "disable:"+st.Name),
				tgbotapi.NewInlineKeyboardButtonData("⚡ Опросить", "run:"+st.Name),
			))
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("▶️ Включить "+st.Name, "enable:"+st.Name),
		))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}
