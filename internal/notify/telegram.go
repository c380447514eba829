package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"rsswatcher/internal/config"
	"rsswatcher/internal/model"
)

// telegramMaxMessageLength is the Bot API limit for message text.
const telegramMaxMessageLength = 4096

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetMe() (tgbotapi.User, error)
}

// Telegram sends entries to a Telegram chat or channel via the Bot API.
type Telegram struct {
	api     telegramAPI
	cfg     config.TelegramConfig
	chatID  int64
	channel string
	log     *slog.Logger
}

// NewTelegram creates a Telegram notifier on top of client, which
// carries the shared timeout and proxy settings. The configured chat_id
// may be a numeric chat ID or an @channel username.
func NewTelegram(cfg config.TelegramConfig, client *http.Client, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newTelegramWithAPI(api, cfg, log)
}

func newTelegramWithAPI(api telegramAPI, cfg config.TelegramConfig, log *slog.Logger) (*Telegram, error) {
	t := &Telegram{api: api, cfg: cfg, log: log}

	if strings.HasPrefix(cfg.ChatID, "@") {
		t.channel = cfg.ChatID
		return t, nil
	}
	id, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat_id %q: %w", cfg.ChatID, err)
	}
	t.chatID = id
	return t, nil
}

// Name implements Notifier.
func (t *Telegram) Name() string { return "telegram" }

// TestConnection verifies the bot token by calling getMe.
func (t *Telegram) TestConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	me, err := t.api.GetMe()
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	t.log.Info("connected to telegram", "bot", me.UserName)
	return nil
}

// SendEntry delivers one entry as an HTML-formatted message.
func (t *Telegram) SendEntry(ctx context.Context, entry model.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	text := t.formatEntry(entry)

	var msg tgbotapi.MessageConfig
	if t.channel != "" {
		msg = tgbotapi.NewMessageToChannel(t.channel, text)
	} else {
		msg = tgbotapi.NewMessage(t.chatID, text)
	}
	if t.cfg.ParseMode == config.ParseModeMarkdownV2 {
		msg.ParseMode = tgbotapi.ModeMarkdownV2
	} else {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	msg.DisableWebPagePreview = t.cfg.DisableWebPagePreview

	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Close implements Notifier. The Bot API client holds no connection
// state worth tearing down.
func (t *Telegram) Close() error { return nil }

// formatEntry renders an entry in the configured parse mode. Free-form
// feed text is escaped per the mode's markup dialect before embedding.
func (t *Telegram) formatEntry(entry model.Entry) string {
	if t.cfg.ParseMode == config.ParseModeMarkdownV2 {
		return t.formatMarkdown(entry)
	}
	return t.formatHTML(entry)
}

func (t *Telegram) formatHTML(entry model.Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<b>[%s]</b>", html.EscapeString(entry.FeedName))

	title := entry.Title
	if title == "" {
		title = "No title"
	}
	if entry.Link != "" {
		fmt.Fprintf(&b, "\n<b><a href=%q>%s</a></b>",
			html.EscapeString(entry.Link), html.EscapeString(title))
	} else {
		fmt.Fprintf(&b, "\n<b>%s</b>", html.EscapeString(title))
	}

	if entry.Author != "" {
		fmt.Fprintf(&b, "\n<i>by %s</i>", html.EscapeString(entry.Author))
	}
	if tags := hashTags(entry.Categories); tags != "" {
		fmt.Fprintf(&b, "\n%s", html.EscapeString(tags))
	}
	if summary := summarize(entry.Content); summary != "" {
		fmt.Fprintf(&b, "\n\n%s", html.EscapeString(summary))
	}

	return truncate(b.String(), telegramMaxMessageLength)
}

func (t *Telegram) formatMarkdown(entry model.Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "*[%s]*", escapeMarkdown(entry.FeedName))

	title := entry.Title
	if title == "" {
		title = "No title"
	}
	if entry.Link != "" {
		fmt.Fprintf(&b, "\n[%s](%s)", escapeMarkdown(title), entry.Link)
	} else {
		fmt.Fprintf(&b, "\n*%s*", escapeMarkdown(title))
	}

	if entry.Author != "" {
		fmt.Fprintf(&b, "\n_by %s_", escapeMarkdown(entry.Author))
	}
	if tags := hashTags(entry.Categories); tags != "" {
		fmt.Fprintf(&b, "\n%s", escapeMarkdown(tags))
	}
	if summary := summarize(entry.Content); summary != "" {
		fmt.Fprintf(&b, "\n\n%s", escapeMarkdown(summary))
	}

	return truncate(b.String(), telegramMaxMessageLength)
}

// markdownEscapeChars is the set MarkdownV2 requires escaping outside
// code and link entities.
const markdownEscapeChars = "_*[]()~`>#+-=|{}.!"

func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(markdownEscapeChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
