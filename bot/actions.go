package bot

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/onnwee/danmaku-relay/apperrors"
	"github.com/onnwee/danmaku-relay/messaging"
	"github.com/onnwee/danmaku-relay/settings"
)

// Action is a parsed inline keyboard callback.
type Action interface {
	// Data encodes the action as callback data.
	Data() string
	run(ctx context.Context, b *Bot, cb messaging.Callback) (notice string, err error)
}

type manageChatAction struct{ ChatID int64 }
type manageChatsPageAction struct{ Page int }
type changeDanmakuSrcAction struct{ ChatID int64 }
type changePatternAction struct{ ChatID int64 }
type changeAdminAction struct{ ChatID int64 }
type changeBlockedUsersAction struct{ ChatID int64 }
type manageSchedulesAction struct{ ChatID int64 }
type toggleHideUsernameAction struct{ ChatID int64 }
type reconnectRoomAction struct{ ChatID int64 }
type unregisterChatAction struct{ ChatID int64 }
type confirmUnregisterChatAction struct{ ChatID int64 }
type blockUserAction struct {
	ChatID    int64
	SenderKey string
}
type noopAction struct{}

func (a manageChatAction) Data() string            { return chatData("manage_chat", a.ChatID) }
func (a manageChatsPageAction) Data() string       { return "manage_chats_pages:" + strconv.Itoa(a.Page) }
func (a changeDanmakuSrcAction) Data() string      { return chatData("change_danmaku_src", a.ChatID) }
func (a changePatternAction) Data() string         { return chatData("change_pattern", a.ChatID) }
func (a changeAdminAction) Data() string           { return chatData("change_admin", a.ChatID) }
func (a changeBlockedUsersAction) Data() string    { return chatData("change_blocked_users", a.ChatID) }
func (a manageSchedulesAction) Data() string       { return chatData("manage_schedules", a.ChatID) }
func (a toggleHideUsernameAction) Data() string    { return chatData("toggle_hide_username", a.ChatID) }
func (a reconnectRoomAction) Data() string         { return chatData("reconnect_room", a.ChatID) }
func (a unregisterChatAction) Data() string        { return chatData("unregister_chat", a.ChatID) }
func (a confirmUnregisterChatAction) Data() string { return chatData("confirm_unregister_chat", a.ChatID) }
func (a blockUserAction) Data() string {
	return chatData("block_user", a.ChatID) + ":" + a.SenderKey
}
func (noopAction) Data() string { return "noop" }

func chatData(name string, chatID int64) string {
	return name + ":" + strconv.FormatInt(chatID, 10)
}

// chatAction builds the parser of an action whose only argument is a chat id.
func chatAction(build func(chatID int64) Action) func(string) (Action, error) {
	return func(arg string) (Action, error) {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, apperrors.Validation("malformed chat id %q", arg)
		}
		return build(id), nil
	}
}

var actionTable = map[string]func(arg string) (Action, error){
	"manage_chat":             chatAction(func(id int64) Action { return manageChatAction{id} }),
	"change_danmaku_src":      chatAction(func(id int64) Action { return changeDanmakuSrcAction{id} }),
	"change_pattern":          chatAction(func(id int64) Action { return changePatternAction{id} }),
	"change_admin":            chatAction(func(id int64) Action { return changeAdminAction{id} }),
	"change_blocked_users":    chatAction(func(id int64) Action { return changeBlockedUsersAction{id} }),
	"manage_schedules":        chatAction(func(id int64) Action { return manageSchedulesAction{id} }),
	"toggle_hide_username":    chatAction(func(id int64) Action { return toggleHideUsernameAction{id} }),
	"reconnect_room":          chatAction(func(id int64) Action { return reconnectRoomAction{id} }),
	"unregister_chat":         chatAction(func(id int64) Action { return unregisterChatAction{id} }),
	"confirm_unregister_chat": chatAction(func(id int64) Action { return confirmUnregisterChatAction{id} }),
	"manage_chats_pages": func(arg string) (Action, error) {
		page, err := strconv.Atoi(arg)
		if err != nil {
			return nil, apperrors.Validation("malformed page %q", arg)
		}
		return manageChatsPageAction{page}, nil
	},
	"block_user": func(arg string) (Action, error) {
		chat, key, ok := strings.Cut(arg, ":")
		if !ok || !strings.Contains(key, "_") {
			return nil, apperrors.Validation("malformed block request")
		}
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil {
			return nil, apperrors.Validation("malformed chat id %q", chat)
		}
		return blockUserAction{ChatID: id, SenderKey: key}, nil
	},
	"noop": func(string) (Action, error) { return noopAction{}, nil },
}

// ParseAction decodes callback data into one of the known actions.
func ParseAction(data string) (Action, error) {
	name, arg, _ := strings.Cut(data, ":")
	parse, ok := actionTable[name]
	if !ok {
		return nil, apperrors.Validation("Unknown action.")
	}
	return parse(arg)
}

func (a manageChatAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	if _, err := b.requireManaged(cb.From.ID, a.ChatID); err != nil {
		return "", err
	}
	ok, err := b.transport.CanSendMessage(ctx, a.ChatID)
	if err != nil || !ok {
		return "", apperrors.Permission("The bot cannot send messages to chat %d. Please check its permissions.", a.ChatID)
	}
	return "", b.sendManageMenu(ctx, cb.ChatID, a.ChatID)
}

func (a manageChatsPageAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	pages := pageCount(len(b.managedChats(cb.From.ID)))
	if a.Page < 0 || a.Page >= pages {
		return "", apperrors.NotFound("Page %d does not exist.", a.Page+1)
	}
	kb := b.manageChatsKeyboard(ctx, cb.From.ID, a.Page)
	if err := b.transport.EditMessageKeyboard(ctx, cb.ChatID, cb.MessageID, kb); err != nil {
		return "", apperrors.Delivery(err, "edit chat list")
	}
	return "", nil
}

func (a changeDanmakuSrcAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	return "", b.enterSimpleState(ctx, cb, a.ChatID, settings.StateAwaitingDanmakuSource)
}

func (a changePatternAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	return "", b.enterSimpleState(ctx, cb, a.ChatID, settings.StateAwaitingPattern)
}

func (a changeAdminAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	if err := b.requireBotAdmin(cb.From.ID); err != nil {
		return "", err
	}
	return "", b.enterSimpleState(ctx, cb, a.ChatID, settings.StateAwaitingAdmin)
}

func (a changeBlockedUsersAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	return "", b.enterListState(ctx, cb, a.ChatID, settings.StateAwaitingBlockedUsers)
}

func (a manageSchedulesAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	return "", b.enterListState(ctx, cb, a.ChatID, settings.StateAwaitingSchedules)
}

func (a toggleHideUsernameAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	if _, err := b.requireManaged(cb.From.ID, a.ChatID); err != nil {
		return "", err
	}
	cfg, err := b.settings.UpdateExistingChat(ctx, a.ChatID, func(cfg *settings.ChatConfig) error {
		cfg.HideUsername = !cfg.HideUsername
		return nil
	})
	if err != nil {
		return "", err
	}
	b.access.Info("toggle hide username", userAttr(cb.From.ID), chatAttr(a.ChatID), slog.Bool("hide", cfg.HideUsername))
	return hideUsernameNotice(a.ChatID, cfg.HideUsername), nil
}

func (a reconnectRoomAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	cfg, err := b.requireManaged(cb.From.ID, a.ChatID)
	if err != nil {
		return "", err
	}
	if !cfg.Registered() {
		return "", apperrors.NotFound("Chat %d is not bound to a room.", a.ChatID)
	}
	key := roomKey(cfg)
	b.rooms.Reconnect(key)
	b.access.Info("reconnect room", userAttr(cb.From.ID), chatAttr(a.ChatID), slog.String("room", key.String()))
	b.replyHTML(ctx, cb.ChatID, reconnectingText(key), nil)
	return "", nil
}

func (a unregisterChatAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	if err := b.requireBotAdmin(cb.From.ID); err != nil {
		return "", err
	}
	b.requestUnregister(ctx, cb.ChatID, a.ChatID)
	return "", nil
}

func (a confirmUnregisterChatAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	if err := b.requireBotAdmin(cb.From.ID); err != nil {
		return "", err
	}
	if err := b.unregister(ctx, a.ChatID); err != nil {
		return "", err
	}
	b.access.Info("unregistered chat", userAttr(cb.From.ID), chatAttr(a.ChatID))
	b.replyHTML(ctx, cb.ChatID, unregisteredText(a.ChatID), nil)
	return "", nil
}

func (a blockUserAction) run(ctx context.Context, b *Bot, cb messaging.Callback) (string, error) {
	if _, err := b.requireManaged(cb.From.ID, a.ChatID); err != nil {
		return "", err
	}
	var blocked bool
	_, err := b.settings.UpdateExistingChat(ctx, a.ChatID, func(cfg *settings.ChatConfig) error {
		if !cfg.RemoveBlockedUser(a.SenderKey) {
			blocked = cfg.AddBlockedUser(a.SenderKey)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	b.access.Info("toggle blocked user", userAttr(cb.From.ID), chatAttr(a.ChatID), slog.String("sender", a.SenderKey), slog.Bool("blocked", blocked))
	return blockToggledNotice(a.SenderKey, a.ChatID, blocked), nil
}

func (noopAction) run(context.Context, *Bot, messaging.Callback) (string, error) { return "", nil }
