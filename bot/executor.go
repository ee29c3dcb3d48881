package bot

import (
	"context"

	"github.com/onnwee/danmaku-relay/apperrors"
	"github.com/onnwee/danmaku-relay/messaging"
	"github.com/onnwee/danmaku-relay/settings"
)

// SendText posts a plain message to chatID on behalf of a schedule.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := b.send(ctx, chatID, text, messaging.SendOptions{DisablePreview: true})
	return err
}

// SetPattern replaces the filter of chatID.
func (b *Bot) SetPattern(ctx context.Context, chatID int64, pattern string) error {
	if err := validatePattern(pattern); err != nil {
		return err
	}
	_, err := b.settings.UpdateExistingChat(ctx, chatID, func(cfg *settings.ChatConfig) error {
		cfg.Pattern = pattern
		return nil
	})
	return err
}

// SetHideUsername switches sender rendering of chatID.
func (b *Bot) SetHideUsername(ctx context.Context, chatID int64, hide bool) error {
	_, err := b.settings.UpdateExistingChat(ctx, chatID, func(cfg *settings.ChatConfig) error {
		cfg.HideUsername = hide
		return nil
	})
	return err
}

// ReconnectRoom reconnects the room chatID forwards from.
func (b *Bot) ReconnectRoom(_ context.Context, chatID int64) error {
	key, ok := b.effectiveKey(chatID)
	if !ok {
		return apperrors.NotFound("chat %d is not bound to a room", chatID)
	}
	b.rooms.Reconnect(key)
	return nil
}
