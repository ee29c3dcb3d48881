// Package telegram adapts the Telegram Bot API to the messaging transport and runs the
// long-polling update loop.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/onnwee/danmaku-relay/messaging"
)

// Options configure a Client.
type Options struct {
	// Proxy is an optional http(s) or socks5 proxy URL for all API calls.
	Proxy string
	// Endpoint overrides the API endpoint format; it must contain two %s verbs (token, method).
	Endpoint string
	// HTTPClient overrides the HTTP client; Proxy is ignored when set.
	HTTPClient *http.Client
}

// Client implements messaging.Transport on the Telegram Bot API.
type Client struct {
	api *tgbotapi.BotAPI
	log *slog.Logger
}

// New authenticates with token and returns a ready client.
func New(token string, opts Options) (*Client, error) {
	if token == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	hc := opts.HTTPClient
	if hc == nil {
		var err error
		if hc, err = newHTTPClient(opts.Proxy); err != nil {
			return nil, err
		}
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	_ = tgbotapi.SetLogger(slogLogger{})
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, hc)
	if err != nil {
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}
	c := &Client{api: api, log: slog.Default().With(slog.String("component", "telegram"))}
	c.log.Info("telegram session ready", slog.String("username", api.Self.UserName), slog.Int64("bot_id", api.Self.ID))
	return c, nil
}

func newHTTPClient(proxy string) (*http.Client, error) {
	hc := &http.Client{Timeout: 90 * time.Second}
	if proxy == "" {
		return hc, nil
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("telegram: invalid proxy %q", proxy)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = http.ProxyURL(u)
	hc.Transport = tr
	return hc, nil
}

// Self returns the bot's own identity.
func (c *Client) Self() messaging.User {
	return messaging.User{ID: c.api.Self.ID, Username: c.api.Self.UserName}
}

// SendMessage sends text to chatID. The Bot API client has no context support; ctx is
// only checked before the call.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts messaging.SendOptions) (messaging.Sent, error) {
	if err := ctx.Err(); err != nil {
		return messaging.Sent{}, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = string(opts.ParseMode)
	msg.DisableWebPagePreview = opts.DisablePreview
	msg.DisableNotification = opts.Silent
	msg.ReplyToMessageID = opts.ReplyTo
	if opts.ReplyTo != 0 {
		msg.AllowSendingWithoutReply = true
	}
	if len(opts.Keyboard) > 0 {
		msg.ReplyMarkup = keyboard(opts.Keyboard)
	}
	sent, err := c.api.Send(msg)
	if err != nil {
		return messaging.Sent{}, fmt.Errorf("sendMessage to %d: %w", chatID, err)
	}
	return messaging.Sent{ChatID: chatID, MessageID: sent.MessageID}, nil
}

// EditMessageText replaces the text (and keyboard, when given) of a sent message.
func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, opts messaging.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = string(opts.ParseMode)
	edit.DisableWebPagePreview = opts.DisablePreview
	if len(opts.Keyboard) > 0 {
		kb := keyboard(opts.Keyboard)
		edit.ReplyMarkup = &kb
	}
	if _, err := c.api.Request(edit); err != nil && !notModified(err) {
		return fmt.Errorf("editMessageText %d/%d: %w", chatID, messageID, err)
	}
	return nil
}

// EditMessageKeyboard replaces the inline keyboard of a sent message; an empty keyboard
// removes it.
func (c *Client) EditMessageKeyboard(ctx context.Context, chatID int64, messageID int, rows [][]messaging.Button) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, keyboard(rows))
	if _, err := c.api.Request(edit); err != nil && !notModified(err) {
		return fmt.Errorf("editMessageReplyMarkup %d/%d: %w", chatID, messageID, err)
	}
	return nil
}

// GetChat resolves a numeric chat id or an @username.
func (c *Client) GetChat(ctx context.Context, ref string) (messaging.ChatInfo, error) {
	if err := ctx.Err(); err != nil {
		return messaging.ChatInfo{}, err
	}
	var cfg tgbotapi.ChatInfoConfig
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		cfg.ChatID = id
	} else if strings.HasPrefix(ref, "@") && len(ref) > 1 {
		cfg.SuperGroupUsername = ref
	} else {
		return messaging.ChatInfo{}, fmt.Errorf("invalid chat reference %q", ref)
	}
	chat, err := c.api.GetChat(cfg)
	if err != nil {
		return messaging.ChatInfo{}, fmt.Errorf("getChat %s: %w", ref, err)
	}
	return messaging.ChatInfo{ID: chat.ID, Type: chat.Type, Title: chat.Title, Username: chat.UserName}, nil
}

// CanSendMessage reports whether the bot may post into chatID.
func (c *Client) CanSendMessage(ctx context.Context, chatID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	if err != nil {
		return false, fmt.Errorf("getChat %d: %w", chatID, err)
	}
	if chat.IsPrivate() {
		return true, nil
	}
	member, err := c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: c.api.Self.ID},
	})
	if err != nil {
		return false, fmt.Errorf("getChatMember %d: %w", chatID, err)
	}
	return memberCanPost(chat.Type, member), nil
}

func memberCanPost(chatType string, m tgbotapi.ChatMember) bool {
	switch {
	case m.IsCreator():
		return true
	case m.HasLeft(), m.WasKicked():
		return false
	case chatType == "channel":
		return m.IsAdministrator() && m.CanPostMessages
	case m.Status == "restricted":
		return m.CanSendMessages
	}
	return true
}

// AnswerCallback acknowledges an inline keyboard press, optionally with a notice.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := tgbotapi.NewCallback(callbackID, text)
	cfg.ShowAlert = alert
	if _, err := c.api.Request(cfg); err != nil {
		return fmt.Errorf("answerCallbackQuery: %w", err)
	}
	return nil
}

func keyboard(rows [][]messaging.Button) tgbotapi.InlineKeyboardMarkup {
	kb := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))}
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		kb.InlineKeyboard = append(kb.InlineKeyboard, buttons)
	}
	return kb
}

// notModified matches the error Telegram returns when an edit changes nothing.
func notModified(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "message is not modified")
}
