package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/onnwee/danmaku-relay/messaging"
)

const (
	pollTimeoutSeconds = 30
	workerCount        = 8
	workerQueueSize    = 64
)

// Handler consumes inbound messages and callbacks.
type Handler interface {
	HandleMessage(ctx context.Context, msg messaging.Message)
	HandleCallback(ctx context.Context, cb messaging.Callback)
}

// Run long-polls updates until ctx is cancelled. Updates from one user are handled in
// arrival order; different users are handled concurrently.
func (c *Client) Run(ctx context.Context, h Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := c.api.GetUpdatesChan(u)
	c.log.Info("polling updates")

	d := newDispatcher(ctx, h, workerCount)
	defer d.close()
	for {
		select {
		case <-ctx.Done():
			c.api.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			d.dispatch(upd)
		}
	}
}

// dispatcher shards updates by user onto a fixed set of workers.
type dispatcher struct {
	ctx     context.Context
	h       Handler
	workers []chan tgbotapi.Update
	wg      sync.WaitGroup
	log     *slog.Logger
}

func newDispatcher(ctx context.Context, h Handler, n int) *dispatcher {
	d := &dispatcher{
		ctx:     ctx,
		h:       h,
		workers: make([]chan tgbotapi.Update, n),
		log:     slog.Default().With(slog.String("component", "telegram")),
	}
	for i := range d.workers {
		ch := make(chan tgbotapi.Update, workerQueueSize)
		d.workers[i] = ch
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for upd := range ch {
				d.handle(upd)
			}
		}()
	}
	return d
}

func (d *dispatcher) dispatch(upd tgbotapi.Update) {
	uid, ok := senderOf(upd)
	if !ok {
		return
	}
	idx := uint64(uid) % uint64(len(d.workers))
	select {
	case d.workers[idx] <- upd:
	case <-d.ctx.Done():
	}
}

func (d *dispatcher) handle(upd tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("update handler panic", slog.Int("update_id", upd.UpdateID), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	switch {
	case upd.Message != nil:
		d.h.HandleMessage(d.ctx, toMessage(upd.Message))
	case upd.CallbackQuery != nil:
		if cb, ok := toCallback(upd.CallbackQuery); ok {
			d.h.HandleCallback(d.ctx, cb)
		}
	}
}

func (d *dispatcher) close() {
	for _, ch := range d.workers {
		close(ch)
	}
	d.wg.Wait()
}

func senderOf(upd tgbotapi.Update) (int64, bool) {
	switch {
	case upd.Message != nil && upd.Message.From != nil:
		return upd.Message.From.ID, true
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		return upd.CallbackQuery.From.ID, true
	}
	return 0, false
}

func toMessage(m *tgbotapi.Message) messaging.Message {
	msg := messaging.Message{ID: m.MessageID, Text: m.Text}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
		msg.ChatType = m.Chat.Type
	}
	if m.From != nil {
		msg.From = messaging.User{ID: m.From.ID, Username: m.From.UserName}
	}
	if m.ForwardFromChat != nil {
		msg.ForwardFromChatID = m.ForwardFromChat.ID
	}
	for _, e := range m.Entities {
		msg.Entities = append(msg.Entities, messaging.Entity{Type: e.Type, Offset: e.Offset, Length: e.Length, URL: e.URL})
	}
	return msg
}

func toCallback(q *tgbotapi.CallbackQuery) (messaging.Callback, bool) {
	if q.From == nil || q.Message == nil || q.Message.Chat == nil {
		return messaging.Callback{}, false
	}
	return messaging.Callback{
		ID:        q.ID,
		From:      messaging.User{ID: q.From.ID, Username: q.From.UserName},
		ChatID:    q.Message.Chat.ID,
		MessageID: q.Message.MessageID,
		Data:      q.Data,
	}, true
}

// slogLogger routes the Bot API library's log output through slog.
type slogLogger struct{}

func (slogLogger) Println(v ...interface{}) {
	slog.Debug(fmt.Sprint(v...), slog.String("component", "telegram_api"))
}

func (slogLogger) Printf(format string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(format, v...), slog.String("component", "telegram_api"))
}
