package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/relay/internal/types"
)

const (
	maxTelegramMessage = 4096
	telegramPrefix     = "telegram:"
)

// Telegram sends notifications to Telegram chats and answers a few
// read-only commands about cases.
type Telegram struct {
	bot   *tgbotapi.BotAPI
	cases types.CaseStore
}

// NewTelegram creates a Telegram bot. cases may be nil, which disables the
// case commands.
func NewTelegram(token string, cases types.CaseStore) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, tgbotapi.APIEndpoint, http.DefaultClient, cases)
}

// NewTelegramWithEndpoint is NewTelegram against a custom Bot API endpoint.
func NewTelegramWithEndpoint(token, endpoint string, client tgbotapi.HTTPClient, cases types.CaseStore) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot, cases: cases}, nil
}

// Deliver is a Handler for "telegram:<chat_id>" targets.
func (t *Telegram) Deliver(_ context.Context, target, message string) error {
	chatID, err := chatIDFromTarget(target)
	if err != nil {
		return err
	}
	return t.send(chatID, message)
}

// Start long-polls for commands until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			t.handleCommand(ctx, update.Message)
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}

func (t *Telegram) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		t.reply(chatID, fmt.Sprintf("Relay notifications. Add %s%d to telegram.chat_ids to receive case alerts here.", telegramPrefix, chatID))

	case "cases":
		if t.cases == nil {
			t.reply(chatID, "Case lookup is not available.")
			return
		}
		cases, err := t.cases.List(ctx)
		if err != nil {
			slog.Error("list cases for telegram failed", "error", err)
			t.reply(chatID, "Error fetching cases.")
			return
		}
		t.reply(chatID, formatActiveCases(cases))

	default:
		t.reply(chatID, "Unknown command. Available: /start, /cases")
	}
}

func (t *Telegram) reply(chatID int64, text string) {
	if err := t.send(chatID, text); err != nil {
		slog.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

func (t *Telegram) send(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

func formatActiveCases(cases []*types.Case) string {
	var b strings.Builder
	n := 0
	for _, c := range cases {
		if c.Status != types.CaseActive {
			continue
		}
		n++
		name := c.PatientName
		if name == "" {
			name = "unidentified"
		}
		fmt.Fprintf(&b, "%s  %s  core info: %v\n", c.ID, name, c.CoreInfoComplete)
	}
	if n == 0 {
		return "No active cases."
	}
	return fmt.Sprintf("Active cases (%d):\n%s", n, b.String())
}

func chatIDFromTarget(target string) (int64, error) {
	raw, ok := strings.CutPrefix(target, telegramPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram target: %s", target)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
	}
	return id, nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
