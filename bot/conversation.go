package bot

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/onnwee/danmaku-relay/apperrors"
	"github.com/onnwee/danmaku-relay/messaging"
	"github.com/onnwee/danmaku-relay/rooms"
	"github.com/onnwee/danmaku-relay/scheduler"
	"github.com/onnwee/danmaku-relay/settings"
	"github.com/onnwee/danmaku-relay/telemetry"
)

// enterSimpleState starts a single-answer dialogue about chatID.
// Any prior state of the user is replaced.
func (b *Bot) enterSimpleState(ctx context.Context, cb messaging.Callback, chatID int64, state settings.StateCode) error {
	cfg, err := b.requireManaged(cb.From.ID, chatID)
	if err != nil {
		return err
	}
	if err := b.settings.SetUserState(ctx, cb.From.ID, settings.UserState{Code: state, ChatID: chatID}); err != nil {
		return err
	}
	var prompt string
	switch state {
	case settings.StateAwaitingDanmakuSource:
		prompt = danmakuSourcePrompt(cfg)
	case settings.StateAwaitingPattern:
		prompt = patternPrompt(cfg)
	case settings.StateAwaitingAdmin:
		prompt = adminPrompt(cfg)
	}
	b.replyHTML(ctx, cb.ChatID, prompt, nil)
	return nil
}

// enterListState sends the list message of chatID and starts a dialogue that edits it in
// place after every change.
func (b *Bot) enterListState(ctx context.Context, cb messaging.Callback, chatID int64, state settings.StateCode) error {
	cfg, err := b.requireManaged(cb.From.ID, chatID)
	if err != nil {
		return err
	}
	sent, err := b.send(ctx, cb.ChatID, listText(state, cfg), messaging.SendOptions{ParseMode: messaging.ParseModeHTML, DisablePreview: true})
	if err != nil {
		return err
	}
	return b.settings.SetUserState(ctx, cb.From.ID, settings.UserState{
		Code:           state,
		ChatID:         chatID,
		ReplyChatID:    sent.ChatID,
		ReplyMessageID: sent.MessageID,
	})
}

func listText(state settings.StateCode, cfg settings.ChatConfig) string {
	if state == settings.StateAwaitingSchedules {
		return schedulesListText(cfg)
	}
	return blockedUsersListText(cfg)
}

// onAnswer treats a plain message as the answer to the user's active dialogue.
func (b *Bot) onAnswer(ctx context.Context, msg messaging.Message) error {
	st, err := b.settings.UserState(ctx, msg.From.ID)
	if err != nil {
		return err
	}
	var answer func(context.Context, messaging.Message, settings.UserState) error
	switch st.Code {
	case settings.StateAwaitingDanmakuSource:
		answer = b.answerDanmakuSource
	case settings.StateAwaitingPattern:
		answer = b.answerPattern
	case settings.StateAwaitingAdmin:
		answer = b.answerAdmin
	case settings.StateAwaitingBlockedUsers:
		answer = b.answerBlockedUsers
	case settings.StateAwaitingSchedules:
		answer = b.answerSchedules
	default:
		return apperrors.StateMismatch("no active dialogue for user %d", msg.From.ID)
	}
	err = answer(ctx, msg, st)
	outcome := "applied"
	if err != nil {
		outcome = "rejected"
	}
	telemetry.IncConversationAnswer(st.Code.String(), outcome)
	return err
}

// parseRoomAnswer parses "<roomId> [source]".
func (b *Bot) parseRoomAnswer(text string) (int64, string, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0, "", apperrors.Validation("The room id you entered is not a valid number.")
	}
	roomID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || roomID <= 0 {
		return 0, "", apperrors.Validation("The room id you entered is not a valid number.")
	}
	var source string
	if len(fields) > 1 {
		source = fields[1]
		if _, ok := b.sources.Lookup(source); !ok {
			return 0, "", apperrors.Validation("%q is not a known danmaku source. Send /list_dm_src to see them.", source)
		}
	}
	return roomID, source, nil
}

func (b *Bot) answerDanmakuSource(ctx context.Context, msg messaging.Message, st settings.UserState) error {
	roomID, source, err := b.parseRoomAnswer(msg.Text)
	if err != nil {
		return err
	}
	cfg, err := b.settings.UpdateExistingChat(ctx, st.ChatID, func(cfg *settings.ChatConfig) error {
		cfg.RoomID = roomID
		cfg.DanmakuSource = source
		return nil
	}, b.rebindHook())
	if err != nil {
		return err
	}
	key := roomKey(cfg.Effective(b.settings.Globals()))
	b.access.Info("set danmaku source", userAttr(msg.From.ID), chatAttr(st.ChatID), slog.String("room", key.String()))
	b.replyHTML(ctx, msg.ChatID, roomBoundText(st.ChatID, key), nil)
	return b.settings.ClearUserState(ctx, msg.From.ID)
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return apperrors.Validation("Please send the filter as a regular expression.")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return apperrors.Validation("That is not a valid regular expression: %v", err)
	}
	return nil
}

func (b *Bot) answerPattern(ctx context.Context, msg messaging.Message, st settings.UserState) error {
	pattern := msg.Text
	if err := validatePattern(pattern); err != nil {
		return err
	}
	if _, err := b.settings.UpdateExistingChat(ctx, st.ChatID, func(cfg *settings.ChatConfig) error {
		cfg.Pattern = pattern
		return nil
	}); err != nil {
		return err
	}
	b.access.Info("set pattern", userAttr(msg.From.ID), chatAttr(st.ChatID), slog.String("pattern", pattern))
	b.replyHTML(ctx, msg.ChatID, patternSetText(st.ChatID, pattern), nil)
	return b.settings.ClearUserState(ctx, msg.From.ID)
}

// parseUserIDs keeps the tokens that are valid numeric user ids and drops the rest.
func parseUserIDs(fields []string) []int64 {
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (b *Bot) answerAdmin(ctx context.Context, msg messaging.Message, st settings.UserState) error {
	admins := parseUserIDs(strings.Fields(msg.Text))
	if _, err := b.settings.UpdateExistingChat(ctx, st.ChatID, func(cfg *settings.ChatConfig) error {
		cfg.Admin = admins
		return nil
	}); err != nil {
		return err
	}
	b.access.Info("set chat admins", userAttr(msg.From.ID), chatAttr(st.ChatID), slog.Any("admins", admins))
	b.replyHTML(ctx, msg.ChatID, adminsSetText(st.ChatID, admins), nil)
	return b.settings.ClearUserState(ctx, msg.From.ID)
}

func (b *Bot) answerBlockedUsers(ctx context.Context, msg messaging.Message, st settings.UserState) error {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return apperrors.Validation("Unsupported operation. Send /cancel to finish editing.")
	}
	var (
		mutate func(cfg *settings.ChatConfig) error
		notice string
	)
	switch op := fields[0]; op {
	case "add", "del":
		if len(fields) != 3 {
			return apperrors.Validation("Format: %s <source> <uid>", op)
		}
		uid, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return apperrors.Validation("The user id %q is not a number.", fields[2])
		}
		key := settings.SenderKey(fields[1], uid)
		if op == "add" {
			notice = "Blocked user " + key + "."
			mutate = func(cfg *settings.ChatConfig) error {
				if !cfg.AddBlockedUser(key) {
					return apperrors.Validation("%s is already blocked.", key)
				}
				return nil
			}
		} else {
			notice = "Unblocked user " + key + "."
			mutate = func(cfg *settings.ChatConfig) error {
				if !cfg.RemoveBlockedUser(key) {
					return apperrors.Validation("%s is not blocked.", key)
				}
				return nil
			}
		}
	case "clear":
		notice = "Cleared the block list."
		mutate = func(cfg *settings.ChatConfig) error {
			cfg.BlockedUsers = nil
			return nil
		}
	default:
		return apperrors.Validation("Unsupported operation. Send /cancel to finish editing.")
	}
	cfg, err := b.settings.UpdateExistingChat(ctx, st.ChatID, mutate)
	if err != nil {
		return err
	}
	b.access.Info("edit blocked users", userAttr(msg.From.ID), chatAttr(st.ChatID), slog.String("op", msg.Text))
	b.replyTo(ctx, msg, notice, messaging.SendOptions{ReplyTo: msg.ID})
	b.refreshList(ctx, st, blockedUsersListText(cfg))
	return nil
}

func (b *Bot) answerSchedules(ctx context.Context, msg messaging.Message, st settings.UserState) error {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return apperrors.Validation("Unsupported operation. Send /cancel to finish editing.")
	}
	var (
		err    error
		notice string
	)
	switch op := fields[0]; op {
	case "add":
		if len(fields) < 1+scheduler.ExpressionFields {
			return apperrors.Validation("That is not a valid cron expression.")
		}
		expr := strings.Join(fields[1:1+scheduler.ExpressionFields], " ")
		action := strings.Join(fields[1+scheduler.ExpressionFields:], " ")
		if action == "" {
			return apperrors.Validation("Please add the action the schedule should run.")
		}
		err = b.schedules.AddSchedule(ctx, st.ChatID, expr, action)
		notice = "Added schedule " + expr + "."
	case "del":
		if len(fields) != 1+scheduler.ExpressionFields {
			return apperrors.Validation("That is not a valid cron expression.")
		}
		expr := strings.Join(fields[1:], " ")
		err = b.schedules.RemoveSchedule(ctx, st.ChatID, expr)
		notice = "Removed schedule " + expr + "."
	case "clear":
		err = b.schedules.ClearSchedules(ctx, st.ChatID)
		notice = "Cleared all schedules."
	default:
		return apperrors.Validation("Unsupported operation. Send /cancel to finish editing.")
	}
	if err != nil {
		return err
	}
	b.access.Info("edit schedules", userAttr(msg.From.ID), chatAttr(st.ChatID), slog.String("op", msg.Text))
	b.replyTo(ctx, msg, notice, messaging.SendOptions{ReplyTo: msg.ID})
	if cfg, ok := b.settings.Chat(st.ChatID); ok {
		b.refreshList(ctx, st, schedulesListText(cfg))
	}
	return nil
}

// refreshList edits the dialogue's list message in place.
func (b *Bot) refreshList(ctx context.Context, st settings.UserState, text string) {
	if st.ReplyMessageID == 0 {
		return
	}
	err := b.transport.EditMessageText(ctx, st.ReplyChatID, st.ReplyMessageID, text, messaging.SendOptions{ParseMode: messaging.ParseModeHTML, DisablePreview: true})
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("edit list message", slog.Int64("chat_id", st.ReplyChatID), slog.Any("err", apperrors.Delivery(err, "edit message %d", st.ReplyMessageID)))
	}
}

// cancel returns the user to Idle without touching any configuration.
func (b *Bot) cancel(ctx context.Context, msg messaging.Message) error {
	st, err := b.settings.UserState(ctx, msg.From.ID)
	if err != nil {
		return err
	}
	if st.Code == settings.StateIdle {
		b.replyTo(ctx, msg, "Nothing to cancel.", messaging.SendOptions{})
		return nil
	}
	if err := b.settings.ClearUserState(ctx, msg.From.ID); err != nil {
		return err
	}
	b.replyTo(ctx, msg, "Interactive operation cancelled.", messaging.SendOptions{})
	return nil
}

// effectiveKey returns the room chatID forwards from, if any.
func (b *Bot) effectiveKey(chatID int64) (rooms.Key, bool) {
	cfg, ok := b.settings.EffectiveChat(chatID)
	if !ok || !cfg.Registered() {
		return rooms.Key{}, false
	}
	return roomKey(cfg), true
}

func userAttr(id int64) slog.Attr { return slog.Int64("user_id", id) }
func chatAttr(id int64) slog.Attr { return slog.Int64("chat_id", id) }
