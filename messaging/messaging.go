// Package messaging defines the chat transport contract shared by the bot, the router and
// the Telegram adapter.
package messaging

import "context"

// ParseMode selects rich-text rendering of a message.
type ParseMode string

const (
	ParseModeNone ParseMode = ""
	ParseModeHTML ParseMode = "HTML"
)

// Button is an inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

// SendOptions tune a single send or edit.
type SendOptions struct {
	ParseMode      ParseMode
	ReplyTo        int
	Keyboard       [][]Button
	DisablePreview bool
	Silent         bool
}

// Sent identifies a delivered message so it can be edited later.
type Sent struct {
	ChatID    int64
	MessageID int
}

// ChatInfo is the chat metadata the bot needs for display and permission checks.
type ChatInfo struct {
	ID       int64
	Type     string
	Title    string
	Username string
}

// DisplayName renders the chat the way management menus show it.
func (c ChatInfo) DisplayName() string {
	switch {
	case c.Title != "" && c.Username != "":
		return c.Title + " (@" + c.Username + ")"
	case c.Title != "":
		return c.Title
	case c.Username != "":
		return "@" + c.Username
	}
	return formatID(c.ID)
}

// Transport sends and edits chat messages.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (Sent, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string, opts SendOptions) error
	EditMessageKeyboard(ctx context.Context, chatID int64, messageID int, keyboard [][]Button) error
	// GetChat resolves a numeric id or an @username.
	GetChat(ctx context.Context, ref string) (ChatInfo, error)
	CanSendMessage(ctx context.Context, chatID int64) (bool, error)
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
}

// User is the sender of an inbound message or callback.
type User struct {
	ID       int64
	Username string
}

// Entity is a formatting span of an inbound message. Offsets are in UTF-16 code units.
type Entity struct {
	Type   string
	Offset int
	Length int
	URL    string
}

// Message is an inbound text message.
type Message struct {
	ID       int
	ChatID   int64
	ChatType string
	From     User
	Text     string
	Entities []Entity
	// ForwardFromChatID is set when the message was forwarded from a channel or group.
	ForwardFromChatID int64
}

// Private reports whether the message was sent in a one-to-one chat with the bot.
func (m Message) Private() bool { return m.ChatType == "private" }

// Callback is an inline keyboard press.
type Callback struct {
	ID        string
	From      User
	ChatID    int64
	MessageID int
	Data      string
}
