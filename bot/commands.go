package bot

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/onnwee/danmaku-relay/apperrors"
	"github.com/onnwee/danmaku-relay/messaging"
	"github.com/onnwee/danmaku-relay/router"
	"github.com/onnwee/danmaku-relay/settings"
)

const managePageSize = 4

type command struct {
	name        string
	usage       string
	description string
	botAdmin    bool
	run         func(b *Bot, ctx context.Context, msg messaging.Message, args []string) error
}

// commands is filled in init; the handlers refer back to the table through helpText.
var commands []command

func init() {
	commands = []command{
		{name: "start", description: "Show the welcome message", run: (*Bot).cmdStart},
		{name: "help", description: "List the available commands", run: (*Bot).cmdHelp},
		{name: "list_dm_src", usage: "/list_dm_src", description: "List the supported danmaku sources", run: (*Bot).cmdListSources},
		{name: "register_chat", usage: "/register_chat <chat> <room> [source]", description: "Forward a live room's danmaku to a chat", botAdmin: true, run: (*Bot).cmdRegisterChat},
		{name: "unregister_chat", usage: "/unregister_chat <chat>", description: "Stop forwarding danmaku to a chat", botAdmin: true, run: (*Bot).cmdUnregisterChat},
		{name: "manage_chats", usage: "/manage_chats", description: "List the chats you manage", run: (*Bot).cmdManageChats},
		{name: "manage_chat", usage: "/manage_chat <chat>", description: "Manage one registered chat", run: (*Bot).cmdManageChat},
		{name: "set_default_admins", usage: "/set_default_admins <id> [id...]", description: "Set the default chat administrators", botAdmin: true, run: (*Bot).cmdSetDefaultAdmins},
		{name: "set_default_pattern", usage: "/set_default_pattern <regex>", description: "Set the default filter", botAdmin: true, run: (*Bot).cmdSetDefaultPattern},
		{name: "set_default_source", usage: "/set_default_source <source>", description: "Set the default danmaku source", botAdmin: true, run: (*Bot).cmdSetDefaultSource},
		{name: "cancel", usage: "/cancel", description: "Leave the current interactive operation", run: func(b *Bot, ctx context.Context, msg messaging.Message, _ []string) error { return b.cancel(ctx, msg) }},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// splitCommand parses "/name@bot arg1 arg2" into the name and its arguments.
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.TrimPrefix(fields[0], "/")
	name, _, _ = strings.Cut(name, "@")
	return name, fields[1:]
}

// isCommand reports whether text invokes a known command. Other slash texts, such as a
// regular expression typed as a dialogue answer, are not commands.
func isCommand(text string) bool {
	if !strings.HasPrefix(text, "/") {
		return false
	}
	name, _ := splitCommand(text)
	_, ok := lookupCommand(name)
	return ok
}

func (b *Bot) dispatchCommand(ctx context.Context, msg messaging.Message) error {
	name, args := splitCommand(msg.Text)
	cmd, ok := lookupCommand(name)
	if !ok {
		return apperrors.StateMismatch("unknown command %q", name)
	}
	if cmd.botAdmin {
		if err := b.requireBotAdmin(msg.From.ID); err != nil {
			return err
		}
	}
	return cmd.run(b, ctx, msg, args)
}

func (b *Bot) cmdStart(ctx context.Context, msg messaging.Message, _ []string) error {
	b.replyHTML(ctx, msg.ChatID, welcomeText+"\n\n"+helpText(b.isBotAdmin(msg.From.ID)), nil)
	return nil
}

func (b *Bot) cmdHelp(ctx context.Context, msg messaging.Message, _ []string) error {
	b.replyHTML(ctx, msg.ChatID, helpText(b.isBotAdmin(msg.From.ID)), nil)
	return nil
}

func (b *Bot) cmdListSources(ctx context.Context, msg messaging.Message, _ []string) error {
	b.replyHTML(ctx, msg.ChatID, sourcesText(b.sources.Sources()), nil)
	return nil
}

// resolveChat resolves a chat reference (id or @username) through the transport.
func (b *Bot) resolveChat(ctx context.Context, ref string) (messaging.ChatInfo, error) {
	chat, err := b.transport.GetChat(ctx, ref)
	if err != nil {
		return chat, apperrors.NotFound("Cannot find chat %s.", ref)
	}
	return chat, nil
}

func (b *Bot) cmdRegisterChat(ctx context.Context, msg messaging.Message, args []string) error {
	if len(args) == 0 {
		return apperrors.Validation("Usage: /register_chat <chat> <room> [source]")
	}
	if len(args) < 2 {
		return apperrors.Validation("Please enter the room id.")
	}
	roomID, source, err := b.parseRoomAnswer(strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	chat, err := b.resolveChat(ctx, args[0])
	if err != nil {
		return err
	}
	if ok, err := b.transport.CanSendMessage(ctx, chat.ID); err != nil || !ok {
		return apperrors.Permission("The bot is not allowed to send messages to chat %d.", chat.ID)
	}
	cfg, err := b.settings.UpdateChat(ctx, chat.ID, func(cfg *settings.ChatConfig, _ bool) error {
		cfg.RoomID = roomID
		cfg.DanmakuSource = source
		return nil
	}, b.rebindHook())
	if err != nil {
		return err
	}
	key := roomKey(cfg.Effective(b.settings.Globals()))
	b.access.Info("registered chat", userAttr(msg.From.ID), chatAttr(chat.ID), slog.String("room", key.String()))
	b.replyHTML(ctx, msg.ChatID, registeredText(chat.ID, key), nil)
	return nil
}

func (b *Bot) cmdUnregisterChat(ctx context.Context, msg messaging.Message, args []string) error {
	if len(args) == 0 {
		return apperrors.Validation("Usage: /unregister_chat <chat>")
	}
	chat, err := b.resolveChat(ctx, args[0])
	if err != nil {
		return err
	}
	b.requestUnregister(ctx, msg.ChatID, chat.ID)
	return nil
}

func (b *Bot) requestUnregister(ctx context.Context, replyChat, chatID int64) {
	kb := [][]messaging.Button{{{Text: "Yes, unregister it", Data: confirmUnregisterChatAction{chatID}.Data()}}}
	b.replyHTML(ctx, replyChat, confirmUnregisterText(chatID), kb)
}

// unregister deletes chatID's configuration, leaves its room and drops its schedules.
func (b *Bot) unregister(ctx context.Context, chatID int64) error {
	cfg, ok := b.settings.Chat(chatID)
	if !ok || !cfg.Registered() {
		return apperrors.NotFound("Chat %d is not registered to any danmaku source.", chatID)
	}
	return b.settings.DeleteChat(ctx, chatID, func(removed settings.ChatConfig) {
		if key, bound := b.rooms.KeyOf(chatID); bound {
			b.rooms.Leave(chatID, key)
		} else {
			b.rooms.Leave(chatID, roomKey(removed.Effective(b.settings.Globals())))
		}
		b.schedules.Forget(chatID)
	})
}

// managedChats returns the chats userID may manage, ordered by id.
func (b *Bot) managedChats(userID int64) []settings.ChatConfig {
	all := b.settings.EffectiveChats()
	if b.isBotAdmin(userID) {
		return all
	}
	out := all[:0]
	for _, cfg := range all {
		if cfg.HasAdmin(userID) {
			out = append(out, cfg)
		}
	}
	return out
}

func pageCount(n int) int { return (n + managePageSize - 1) / managePageSize }

func (b *Bot) chatDisplayName(ctx context.Context, chatID int64) string {
	chat, err := b.transport.GetChat(ctx, strconv.FormatInt(chatID, 10))
	if err != nil {
		return strconv.FormatInt(chatID, 10)
	}
	return chat.DisplayName()
}

func (b *Bot) manageChatsKeyboard(ctx context.Context, userID int64, page int) [][]messaging.Button {
	chats := b.managedChats(userID)
	pages := pageCount(len(chats))
	start := min(page*managePageSize, len(chats))
	end := min(start+managePageSize, len(chats))

	var kb [][]messaging.Button
	for _, cfg := range chats[start:end] {
		kb = append(kb, []messaging.Button{{Text: b.chatDisplayName(ctx, cfg.ChatID), Data: manageChatAction{cfg.ChatID}.Data()}})
	}
	nav := []messaging.Button{{Text: "Page " + strconv.Itoa(page+1) + "/" + strconv.Itoa(pages), Data: noopAction{}.Data()}}
	if page > 0 {
		nav = append(nav, messaging.Button{Text: "Previous", Data: manageChatsPageAction{page - 1}.Data()})
	}
	if page < pages-1 {
		nav = append(nav, messaging.Button{Text: "Next", Data: manageChatsPageAction{page + 1}.Data()})
	}
	if len(nav) > 1 {
		kb = append(kb, nav)
	}
	return kb
}

func (b *Bot) cmdManageChats(ctx context.Context, msg messaging.Message, _ []string) error {
	if len(b.managedChats(msg.From.ID)) == 0 {
		return apperrors.NotFound("You do not manage any registered chat.")
	}
	b.replyHTML(ctx, msg.ChatID, manageChatsText, b.manageChatsKeyboard(ctx, msg.From.ID, 0))
	return nil
}

func (b *Bot) cmdManageChat(ctx context.Context, msg messaging.Message, args []string) error {
	if len(args) == 0 {
		return apperrors.Validation("Usage: /manage_chat <chat>")
	}
	chat, err := b.resolveChat(ctx, args[0])
	if err != nil {
		return err
	}
	if _, err := b.requireManaged(msg.From.ID, chat.ID); err != nil {
		return err
	}
	return b.sendManageMenu(ctx, msg.ChatID, chat.ID)
}

func (b *Bot) sendManageMenu(ctx context.Context, replyChat, chatID int64) error {
	cfg, ok := b.settings.EffectiveChat(chatID)
	if !ok {
		return apperrors.NotFound("Chat %d is not registered with the bot.", chatID)
	}
	kb := [][]messaging.Button{
		{
			{Text: "Room/source", Data: changeDanmakuSrcAction{chatID}.Data()},
			{Text: "Filter", Data: changePatternAction{chatID}.Data()},
			{Text: "Admins", Data: changeAdminAction{chatID}.Data()},
		},
		{
			{Text: "Blocked users", Data: changeBlockedUsersAction{chatID}.Data()},
			{Text: "Reconnect room", Data: reconnectRoomAction{chatID}.Data()},
		},
		{
			{Text: "Schedules", Data: manageSchedulesAction{chatID}.Data()},
			{Text: "Show/hide usernames", Data: toggleHideUsernameAction{chatID}.Data()},
		},
		{
			{Text: "Unregister", Data: unregisterChatAction{chatID}.Data()},
		},
	}
	b.replyHTML(ctx, replyChat, manageChatText(b.chatDisplayName(ctx, chatID), cfg), kb)
	return nil
}

func (b *Bot) cmdSetDefaultAdmins(ctx context.Context, msg messaging.Message, args []string) error {
	admins := parseUserIDs(args)
	if _, err := b.settings.UpdateGlobals(ctx, func(g *settings.GlobalDefaults) error {
		g.Admin = admins
		return nil
	}); err != nil {
		return err
	}
	b.access.Info("set default admins", userAttr(msg.From.ID), slog.Any("admins", admins))
	b.replyHTML(ctx, msg.ChatID, defaultAdminsText(admins), nil)
	return nil
}

func (b *Bot) cmdSetDefaultPattern(ctx context.Context, msg messaging.Message, args []string) error {
	if len(args) == 0 {
		return apperrors.Validation("Please enter the default filter.")
	}
	pattern := strings.Join(args, " ")
	if _, err := regexp.Compile(pattern); err != nil {
		return apperrors.Validation("Could not set the default filter: %v", err)
	}
	if _, err := b.settings.UpdateGlobals(ctx, func(g *settings.GlobalDefaults) error {
		g.Pattern = pattern
		return nil
	}); err != nil {
		return err
	}
	b.access.Info("set default pattern", userAttr(msg.From.ID), slog.String("pattern", pattern))
	b.replyHTML(ctx, msg.ChatID, defaultPatternText(pattern), nil)
	return nil
}

func (b *Bot) cmdSetDefaultSource(ctx context.Context, msg messaging.Message, args []string) error {
	if len(args) == 0 {
		return apperrors.Validation("Please enter a danmaku source id. Send /list_dm_src to see them.")
	}
	source := args[0]
	if _, ok := b.sources.Lookup(source); !ok {
		return apperrors.NotFound("Cannot find danmaku source %s.", source)
	}
	if _, err := b.settings.UpdateGlobals(ctx, func(g *settings.GlobalDefaults) error {
		g.DanmakuSource = source
		return nil
	}, func(before, after settings.GlobalDefaults) {
		if before.DanmakuSource != after.DanmakuSource {
			if n := b.SyncRooms(); n > 0 {
				b.log.Info("rebound chats to new default source", slog.Int("chats", n), slog.String("source", after.DanmakuSource))
			}
		}
	}); err != nil {
		return err
	}
	b.access.Info("set default source", userAttr(msg.From.ID), slog.String("source", source))
	b.replyHTML(ctx, msg.ChatID, defaultSourceText(source), nil)
	return nil
}

// onForward offers to block the sender of a forwarded danmaku.
func (b *Bot) onForward(ctx context.Context, msg messaging.Message) error {
	chatID := msg.ForwardFromChatID
	if msg.Text == "" {
		return apperrors.StateMismatch("forward without text")
	}
	if !b.canManage(msg.From.ID, chatID) {
		return apperrors.Permission("You have no permission to manage this chat.")
	}
	if _, ok := b.settings.Chat(chatID); !ok {
		return apperrors.NotFound("This chat is not registered with the bot.")
	}
	var username, key string
	if len(msg.Entities) == 1 && msg.Entities[0].Type == "text_link" {
		if k, ok := router.ParseSenderLink(msg.Entities[0].URL); ok {
			key = k
			username = messaging.EntityText(msg.Text, msg.Entities[0])
		}
	}
	if username == "" {
		return apperrors.Validation("Cannot find the danmaku sender in this message.")
	}
	label := "Block user: "
	if cfg, _ := b.settings.Chat(chatID); cfg.IsBlocked(key) {
		label = "Unblock user: "
	}
	kb := [][]messaging.Button{{{Text: label + username + " (" + key + ")", Data: blockUserAction{ChatID: chatID, SenderKey: key}.Data()}}}
	_, err := b.send(ctx, msg.ChatID, "What do you want to do with this danmaku?", messaging.SendOptions{ReplyTo: msg.ID, Keyboard: kb})
	return err
}
