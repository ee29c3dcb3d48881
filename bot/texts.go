package bot

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/onnwee/danmaku-relay/danmaku"
	"github.com/onnwee/danmaku-relay/rooms"
	"github.com/onnwee/danmaku-relay/settings"
)

const (
	welcomeText     = "Welcome to the danmaku relay bot!"
	manageChatsText = "Choose the chat you want to manage:\nIf a chat is missing, your account may not have permission for it."
	cancelHint      = "Reply /cancel to leave this interactive operation."
)

func code(s string) string { return "<code>" + html.EscapeString(s) + "</code>" }

func helpText(admin bool) string {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, c := range commands {
		if c.botAdmin && !admin {
			continue
		}
		fmt.Fprintf(&sb, "/%s - %s", c.name, html.EscapeString(c.description))
		if c.usage != "" && strings.Contains(c.usage, " ") {
			sb.WriteString("\n    " + code(c.usage))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func sourcesText(sources []danmaku.Source) string {
	var sb strings.Builder
	sb.WriteString("Supported danmaku sources:\n")
	for _, s := range sources {
		fmt.Fprintf(&sb, "- %s: %s\n", code(s.ID), html.EscapeString(s.Description))
	}
	return sb.String()
}

func keyText(k rooms.Key) string { return code(k.Source + ":" + strconv.FormatInt(k.RoomID, 10)) }

func idsText(ids []int64) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

func registeredText(chatID int64, k rooms.Key) string {
	return fmt.Sprintf("Chat id=%d is registered to danmaku source %s.", chatID, keyText(k))
}

func confirmUnregisterText(chatID int64) string {
	return fmt.Sprintf("Do you really want to unregister chat id=%d? All of its settings will be deleted and cannot be restored.", chatID)
}

func unregisteredText(chatID int64) string {
	return fmt.Sprintf("Chat id=%d has been unregistered.", chatID)
}

func usernameMode(hide bool) string {
	if hide {
		return "hidden"
	}
	return "shown"
}

func manageChatText(name string, cfg settings.ChatConfig) string {
	return fmt.Sprintf("What do you want to change for chat “%s” (id: %d)?\nRoom/source: %s\nFilter: %s\nUsernames: %s",
		html.EscapeString(name), cfg.ChatID, keyText(roomKey(cfg)), code(cfg.Pattern), usernameMode(cfg.HideUsername))
}

func defaultAdminsText(ids []int64) string {
	return "Default administrators set to " + code(idsText(ids)) + "."
}

func defaultPatternText(p string) string { return "Default filter set to " + code(p) + "." }

func defaultSourceText(s string) string { return "Default danmaku source set to " + code(s) + "." }

func danmakuSourcePrompt(cfg settings.ChatConfig) string {
	return fmt.Sprintf("You are editing the room and danmaku source of chat id=%d.\n"+
		"To change only the room, reply with the room id. To change the source too, reply <code>[room] [source]</code>, "+
		"for example <code>10 douyu</code>.\n\nCurrent setting: room=%s, source=%s\n%s",
		cfg.ChatID, code(strconv.FormatInt(cfg.RoomID, 10)), code(cfg.DanmakuSource), cancelHint)
}

func patternPrompt(cfg settings.ChatConfig) string {
	return fmt.Sprintf("You are editing the filter of chat id=%d. Danmaku matching this regular expression are forwarded to the chat.\n\n"+
		"Current setting: %s\n%s", cfg.ChatID, code(cfg.Pattern), cancelHint)
}

func adminPrompt(cfg settings.ChatConfig) string {
	return fmt.Sprintf("You are editing the administrators of chat id=%d. Reply with their user ids separated by spaces.\n\n"+
		"Current setting: %s\n%s", cfg.ChatID, code(idsText(cfg.Admin)), cancelHint)
}

func roomBoundText(chatID int64, k rooms.Key) string {
	return fmt.Sprintf("Chat id=%d now forwards danmaku from %s.", chatID, keyText(k))
}

func patternSetText(chatID int64, p string) string {
	return fmt.Sprintf("Filter of chat id=%d set to %s.", chatID, code(p))
}

func adminsSetText(chatID int64, ids []int64) string {
	return fmt.Sprintf("Administrators of chat id=%d set to %s.", chatID, code(idsText(ids)))
}

func blockedUsersListText(cfg settings.ChatConfig) string {
	list := "empty"
	if len(cfg.BlockedUsers) > 0 {
		list = strings.Join(cfg.BlockedUsers, ", ")
	}
	return fmt.Sprintf("You are editing the blocked users of chat id=%d. Danmaku from blocked users are not forwarded.\n"+
		"Send <code>add [source] [uid]</code> to block a user and <code>del [source] [uid]</code> to unblock one, "+
		"for example <code>add bilibili 100</code>. Send <code>clear</code> to empty the list.\n\n"+
		"Blocked users:\n%s\nReply /cancel when you are done.", cfg.ChatID, code(list))
}

func schedulesListText(cfg settings.ChatConfig) string {
	list := "empty"
	if len(cfg.Schedules) > 0 {
		lines := make([]string, len(cfg.Schedules))
		for i, s := range cfg.Schedules {
			lines[i] = code(s.Expression + " " + s.Action)
		}
		list = strings.Join(lines, "\n")
	}
	return fmt.Sprintf("You are editing the schedules of chat id=%d. Times use 6-field crontab expressions (seconds first); "+
		"one task per expression.\n"+
		"Send <code>add [crontab] [action]</code> to add a task, <code>del [crontab]</code> to remove one, "+
		"<code>clear</code> to remove all of them.\n"+
		"Actions: <code>send_text [text]</code>, <code>set_pattern [regex]</code>, <code>set_hide_username on|off</code>, <code>reconnect_room</code>.\n\n"+
		"Scheduled tasks:\n%s\nReply /cancel when you are done.", cfg.ChatID, list)
}

func hideUsernameNotice(chatID int64, hide bool) string {
	return fmt.Sprintf("Usernames are now %s in chat %d.", usernameMode(hide), chatID)
}

func reconnectingText(k rooms.Key) string {
	return fmt.Sprintf("Reconnecting to live room %s. All chats forwarding this room share the connection and may miss danmaku meanwhile.", keyText(k))
}

func blockToggledNotice(key string, chatID int64, blocked bool) string {
	if blocked {
		return fmt.Sprintf("User %s is now blocked in chat %d.", key, chatID)
	}
	return fmt.Sprintf("User %s is no longer blocked in chat %d.", key, chatID)
}
