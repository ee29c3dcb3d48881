// Package scheduler runs chat-scoped cron actions and keeps them in sync with the stored
// chat configurations.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/danmaku-relay/apperrors"
	"github.com/onnwee/danmaku-relay/settings"
	"github.com/onnwee/danmaku-relay/telemetry"
)

const actionTimeout = 30 * time.Second

// Scheduler is the cron side of the bridge.
type Scheduler interface {
	ValidateExpression(expr string) error
	Add(chatID int64, expr string, a Action) error
	Remove(chatID int64, expr string)
	Clear(chatID int64)
}

// Executor performs scheduled actions against a chat.
type Executor interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SetPattern(ctx context.Context, chatID int64, pattern string) error
	SetHideUsername(ctx context.Context, chatID int64, hide bool) error
	ReconnectRoom(ctx context.Context, chatID int64) error
}

// Bridge validates schedule changes, persists them and forwards them to the scheduler.
type Bridge struct {
	settings *settings.Settings
	sched    Scheduler
	exec     Executor
	log      *slog.Logger
}

// NewBridge wires a bridge. exec may be set later with SetExecutor.
func NewBridge(s *settings.Settings, sched Scheduler) *Bridge {
	return &Bridge{
		settings: s,
		sched:    sched,
		log:      slog.Default().With(slog.String("component", "scheduler")),
	}
}

// SetExecutor sets the target of fired actions.
func (b *Bridge) SetExecutor(e Executor) { b.exec = e }

// AddSchedule validates and stores a new schedule for chatID.
func (b *Bridge) AddSchedule(ctx context.Context, chatID int64, expr, action string) error {
	if err := b.sched.ValidateExpression(expr); err != nil {
		return err
	}
	a, err := ParseAction(action)
	if err != nil {
		return err
	}
	_, err = b.settings.UpdateExistingChat(ctx, chatID, func(cfg *settings.ChatConfig) error {
		if cfg.FindSchedule(expr) >= 0 {
			return apperrors.Validation("a schedule at %q already exists", expr)
		}
		cfg.Schedules = append(cfg.Schedules, settings.Schedule{Expression: expr, Action: a.String()})
		return nil
	}, func(_, _ settings.ChatConfig, _ bool) {
		if err := b.sched.Add(chatID, expr, a); err != nil {
			b.log.Error("register schedule", slog.Int64("chat_id", chatID), slog.String("expression", expr), slog.Any("err", err))
		}
	})
	return err
}

// RemoveSchedule deletes the schedule of chatID with expr.
func (b *Bridge) RemoveSchedule(ctx context.Context, chatID int64, expr string) error {
	_, err := b.settings.UpdateExistingChat(ctx, chatID, func(cfg *settings.ChatConfig) error {
		i := cfg.FindSchedule(expr)
		if i < 0 {
			return apperrors.NotFound("no schedule at %q", expr)
		}
		cfg.Schedules = append(cfg.Schedules[:i], cfg.Schedules[i+1:]...)
		return nil
	}, func(_, _ settings.ChatConfig, _ bool) {
		b.sched.Remove(chatID, expr)
	})
	return err
}

// ClearSchedules empties the schedule list of chatID and drops its cron entries.
func (b *Bridge) ClearSchedules(ctx context.Context, chatID int64) error {
	_, err := b.settings.UpdateExistingChat(ctx, chatID, func(cfg *settings.ChatConfig) error {
		cfg.Schedules = nil
		return nil
	}, func(_, _ settings.ChatConfig, _ bool) {
		b.sched.Clear(chatID)
	})
	if apperrors.Is(err, apperrors.KindNotFound) {
		b.sched.Clear(chatID)
		return nil
	}
	return err
}

// Forget drops the cron entries of chatID without touching its stored schedules.
func (b *Bridge) Forget(chatID int64) { b.sched.Clear(chatID) }

// Restore registers every stored schedule with the scheduler. Entries whose action no
// longer parses are skipped and logged.
func (b *Bridge) Restore(ctx context.Context) int {
	n := 0
	for _, cfg := range b.settings.Chats() {
		for _, s := range cfg.Schedules {
			a, err := ParseAction(s.Action)
			if err == nil {
				err = b.sched.Add(cfg.ChatID, s.Expression, a)
			}
			if err != nil {
				b.log.Warn("skip stored schedule", slog.Int64("chat_id", cfg.ChatID), slog.String("expression", s.Expression), slog.Any("err", err))
				continue
			}
			n++
		}
	}
	b.log.Info("schedules restored", slog.Int("count", n))
	return n
}

// Run executes a fired action. It is the RunFunc given to NewCron.
func (b *Bridge) Run(chatID int64, expr string, a Action) {
	if b.exec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "scheduler", "run_action", telemetry.ChatAttr(chatID))
	defer span.End()

	var err error
	switch a.Kind {
	case ActionSendText:
		err = b.exec.SendText(ctx, chatID, a.Text)
	case ActionSetPattern:
		err = b.exec.SetPattern(ctx, chatID, a.Pattern)
	case ActionSetHideUsername:
		err = b.exec.SetHideUsername(ctx, chatID, a.Hide)
	case ActionReconnectRoom:
		err = b.exec.ReconnectRoom(ctx, chatID)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.IncScheduledAction(a.Kind.String(), "error")
		b.log.Error("scheduled action failed", slog.Int64("chat_id", chatID), slog.String("expression", expr), slog.String("action", a.String()), slog.Any("err", err))
		return
	}
	telemetry.SetSpanSuccess(span)
	telemetry.IncScheduledAction(a.Kind.String(), "ok")
}
