// Package bot implements the chat commands, inline keyboard actions and the per-user
// configuration dialogue.
package bot

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/onnwee/danmaku-relay/apperrors"
	"github.com/onnwee/danmaku-relay/danmaku"
	"github.com/onnwee/danmaku-relay/messaging"
	"github.com/onnwee/danmaku-relay/rooms"
	"github.com/onnwee/danmaku-relay/settings"
	"github.com/onnwee/danmaku-relay/telemetry"
)

// RoomManager is the subscription table the bot drives.
type RoomManager interface {
	Join(chatID int64, key rooms.Key)
	Leave(chatID int64, key rooms.Key)
	Rebind(chatID int64, oldKey, newKey rooms.Key)
	Reconnect(key rooms.Key)
	KeyOf(chatID int64) (rooms.Key, bool)
}

// Schedules is the scheduler bridge.
type Schedules interface {
	AddSchedule(ctx context.Context, chatID int64, expr, action string) error
	RemoveSchedule(ctx context.Context, chatID int64, expr string) error
	ClearSchedules(ctx context.Context, chatID int64) error
	Forget(chatID int64)
}

// SourceCatalog lists the configured danmaku sources.
type SourceCatalog interface {
	Sources() []danmaku.Source
	Lookup(id string) (danmaku.Source, bool)
}

// Options configure a Bot.
type Options struct {
	// Admins are the bot-level administrators.
	Admins []int64
}

// Bot handles inbound messages and callbacks.
type Bot struct {
	settings  *settings.Settings
	rooms     RoomManager
	schedules Schedules
	transport messaging.Transport
	sources   SourceCatalog
	admins    []int64

	userLocks settings.KeyedMutex
	self      atomic.Pointer[messaging.User]

	log    *slog.Logger
	access *slog.Logger
}

// New wires a Bot.
func New(s *settings.Settings, rm RoomManager, sched Schedules, tr messaging.Transport, sources SourceCatalog, opts Options) *Bot {
	return &Bot{
		settings:  s,
		rooms:     rm,
		schedules: sched,
		transport: tr,
		sources:   sources,
		admins:    slices.Clone(opts.Admins),
		log:       slog.Default().With(slog.String("component", "bot")),
		access:    slog.Default().With(slog.String("component", "access")),
	}
}

// SetSelf records the bot's own identity once the session is established.
func (b *Bot) SetSelf(u messaging.User) { b.self.Store(&u) }

// Ready reports whether the bot identity is known.
func (b *Bot) Ready() bool { return b.self.Load() != nil }

// HandleMessage processes one inbound text message.
func (b *Bot) HandleMessage(ctx context.Context, msg messaging.Message) {
	ctx = withCorrelation(ctx)
	unlock := b.userLocks.Lock(msg.From.ID)
	defer unlock()

	var err error
	switch {
	case isCommand(msg.Text):
		err = b.dispatchCommand(ctx, msg)
	case msg.ForwardFromChatID != 0 && msg.Private():
		err = b.onForward(ctx, msg)
	default:
		err = b.onAnswer(ctx, msg)
	}
	b.reportMessageErr(ctx, msg, err)
}

// HandleCallback processes one inline keyboard press.
func (b *Bot) HandleCallback(ctx context.Context, cb messaging.Callback) {
	ctx = withCorrelation(ctx)
	unlock := b.userLocks.Lock(cb.From.ID)
	defer unlock()

	var notice string
	action, err := ParseAction(cb.Data)
	if err == nil {
		notice, err = action.run(ctx, b, cb)
	}
	if err == nil {
		b.answer(ctx, cb, notice, notice != "")
		return
	}
	if text, ok := apperrors.UserMessage(err); ok {
		b.answer(ctx, cb, text, true)
		return
	}
	telemetry.LoggerWithCorr(ctx).Error("callback failed", slog.String("data", cb.Data), slog.Int64("user_id", cb.From.ID), slog.Any("err", err))
	b.answer(ctx, cb, "Something went wrong, please try again later.", true)
}

func (b *Bot) reportMessageErr(ctx context.Context, msg messaging.Message, err error) {
	if err == nil {
		return
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindStateMismatch:
		return
	case apperrors.KindDelivery:
		telemetry.LoggerWithCorr(ctx).Warn("reply not delivered", slog.Int64("chat_id", msg.ChatID), slog.Any("err", err))
		return
	}
	if text, ok := apperrors.UserMessage(err); ok {
		b.replyTo(ctx, msg, text, messaging.SendOptions{ReplyTo: msg.ID})
		return
	}
	telemetry.LoggerWithCorr(ctx).Error("message handling failed", slog.Int64("user_id", msg.From.ID), slog.Any("err", err))
	b.replyTo(ctx, msg, "Something went wrong, please try again later.", messaging.SendOptions{ReplyTo: msg.ID})
}

// send delivers a message and classifies transport failures.
func (b *Bot) send(ctx context.Context, chatID int64, text string, opts messaging.SendOptions) (messaging.Sent, error) {
	sent, err := b.transport.SendMessage(ctx, chatID, text, opts)
	if err != nil {
		return sent, apperrors.Delivery(err, "send to %d", chatID)
	}
	return sent, nil
}

// replyTo answers in the chat msg came from; failures are logged only.
func (b *Bot) replyTo(ctx context.Context, msg messaging.Message, text string, opts messaging.SendOptions) {
	if _, err := b.send(ctx, msg.ChatID, text, opts); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("reply not delivered", slog.Int64("chat_id", msg.ChatID), slog.Any("err", err))
	}
}

func (b *Bot) replyHTML(ctx context.Context, chatID int64, text string, keyboard [][]messaging.Button) {
	if _, err := b.send(ctx, chatID, text, messaging.SendOptions{ParseMode: messaging.ParseModeHTML, Keyboard: keyboard, DisablePreview: true}); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("reply not delivered", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}
}

func (b *Bot) answer(ctx context.Context, cb messaging.Callback, text string, alert bool) {
	if err := b.transport.AnswerCallback(ctx, cb.ID, text, alert); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("answer callback", slog.String("callback_id", cb.ID), slog.Any("err", err))
	}
}

func (b *Bot) isBotAdmin(userID int64) bool { return slices.Contains(b.admins, userID) }

// canManage reports whether userID may configure chatID: bot admins always may, chat
// admins (falling back to the default admin list) may for their chats.
func (b *Bot) canManage(userID, chatID int64) bool {
	if b.isBotAdmin(userID) {
		return true
	}
	cfg, ok := b.settings.EffectiveChat(chatID)
	return ok && cfg.HasAdmin(userID)
}

func (b *Bot) requireBotAdmin(userID int64) error {
	if !b.isBotAdmin(userID) {
		return apperrors.Permission("Sorry, only bot administrators can do this.")
	}
	return nil
}

// requireManaged checks that chatID is registered and userID may manage it.
func (b *Bot) requireManaged(userID, chatID int64) (settings.ChatConfig, error) {
	cfg, ok := b.settings.EffectiveChat(chatID)
	if !ok {
		return cfg, apperrors.NotFound("Chat %d is not registered with the bot.", chatID)
	}
	if !b.canManage(userID, chatID) {
		return cfg, apperrors.Permission("You have no permission to manage chat %d.", chatID)
	}
	return cfg, nil
}

func roomKey(cfg settings.ChatConfig) rooms.Key {
	return rooms.Key{Source: cfg.DanmakuSource, RoomID: cfg.RoomID}
}

// rebindHook keeps the room subscription of a chat in line with its effective key.
// It runs under the chat lock, after the new config is committed. A default source change
// racing with it is corrected by SyncRooms, which takes the same lock after the new
// globals are visible.
func (b *Bot) rebindHook() settings.CommitHook {
	return func(before, after settings.ChatConfig, existed bool) {
		g := b.settings.Globals()
		newKey := roomKey(after.Effective(g))
		oldKey, bound := b.rooms.KeyOf(after.ChatID)
		if !bound && existed {
			oldKey = roomKey(before.Effective(g))
		}
		if bound && oldKey == newKey {
			return
		}
		b.rooms.Rebind(after.ChatID, oldKey, newKey)
	}
}

// SyncRooms subscribes every registered chat to its effective room and moves chats whose
// effective room changed. It returns the number of chats rebound.
// Each chat is re-read and rebound under its chat lock.
func (b *Bot) SyncRooms() int {
	n := 0
	for _, c := range b.settings.Chats() {
		chatID := c.ChatID
		b.settings.WithChatLock(chatID, func() {
			cfg, ok := b.settings.EffectiveChat(chatID)
			if !ok {
				return
			}
			want := roomKey(cfg)
			cur, bound := b.rooms.KeyOf(chatID)
			if bound && cur == want {
				return
			}
			if !cfg.Registered() && !bound {
				return
			}
			b.rooms.Rebind(chatID, cur, want)
			n++
		})
	}
	return n
}

func withCorrelation(ctx context.Context) context.Context {
	if telemetry.GetCorrelation(ctx) != "" {
		return ctx
	}
	return telemetry.WithCorrelation(ctx, uuid.NewString())
}
