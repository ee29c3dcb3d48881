// Package router matches incoming danmaku against chat configurations and delivers
// the matching ones through per-chat ordered queues.
package router

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/danmaku-relay/danmaku"
	"github.com/onnwee/danmaku-relay/messaging"
	"github.com/onnwee/danmaku-relay/settings"
	"github.com/onnwee/danmaku-relay/telemetry"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 15 * time.Second
)

// ChatSource lists chat configurations with global defaults applied.
type ChatSource interface {
	EffectiveChats() []settings.ChatConfig
}

// Options configure a Router.
type Options struct {
	// Ready reports whether the bot session is established. Events are dropped until it is.
	Ready func() bool
	// QueueSize bounds each chat's pending deliveries; overflow is dropped.
	QueueSize int
	// ChatRate limits sends per chat per second; zero means unlimited. ChatBurst defaults to 1.
	ChatRate  float64
	ChatBurst int
}

type delivery struct {
	source string
	text   string
}

// Router fans danmaku events out to chats.
type Router struct {
	chats     ChatSource
	transport messaging.Transport
	ready     func() bool
	queueSize int
	chatRate  rate.Limit
	chatBurst int
	log       *slog.Logger

	// stop aborts rate-limit waits once the router is closed.
	stop       context.Context
	cancelStop context.CancelFunc

	mu     sync.Mutex
	queues map[int64]chan delivery
	closed bool
	wg     sync.WaitGroup

	patMu    sync.Mutex
	patterns map[string]*regexp.Regexp
}

// New returns a Router delivering through transport.
func New(chats ChatSource, transport messaging.Transport, opts Options) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	if opts.ChatBurst <= 0 {
		opts.ChatBurst = 1
	}
	stop, cancel := context.WithCancel(context.Background())
	return &Router{
		chats:      chats,
		transport:  transport,
		ready:      opts.Ready,
		queueSize:  opts.QueueSize,
		chatRate:   rate.Limit(opts.ChatRate),
		chatBurst:  opts.ChatBurst,
		log:        slog.Default().With(slog.String("component", "router")),
		stop:       stop,
		cancelStop: cancel,
		queues:     make(map[int64]chan delivery),
		patterns:   make(map[string]*regexp.Regexp),
	}
}

// Handle routes one event. It never blocks on the transport; it returns the number of
// chats the event was queued for.
func (r *Router) Handle(ev danmaku.Event) int {
	if !r.ready() {
		return 0
	}
	telemetry.IncReceived(ev.SourceID)
	senderKey := settings.SenderKey(ev.SourceID, ev.Sender.UID)
	n := 0
	for _, cfg := range r.chats.EffectiveChats() {
		if !r.matches(cfg, ev, senderKey) {
			continue
		}
		if r.enqueue(cfg.ChatID, delivery{source: ev.SourceID, text: Render(ev, cfg.HideUsername)}) {
			n++
		}
	}
	return n
}

func (r *Router) matches(cfg settings.ChatConfig, ev danmaku.Event, senderKey string) bool {
	if !cfg.Registered() || cfg.RoomID != ev.RoomID || cfg.DanmakuSource != ev.SourceID {
		return false
	}
	if cfg.IsBlocked(senderKey) {
		return false
	}
	re, err := r.compile(cfg.Pattern)
	if err != nil {
		r.log.Warn("invalid chat pattern", slog.Int64("chat_id", cfg.ChatID), slog.String("pattern", cfg.Pattern), slog.Any("err", err))
		return false
	}
	return re.MatchString(ev.Text)
}

func (r *Router) compile(pattern string) (*regexp.Regexp, error) {
	r.patMu.Lock()
	defer r.patMu.Unlock()
	if re, ok := r.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	r.patterns[pattern] = re
	return re, nil
}

func (r *Router) enqueue(chatID int64, d delivery) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	q, ok := r.queues[chatID]
	if !ok {
		q = make(chan delivery, r.queueSize)
		r.queues[chatID] = q
		r.wg.Add(1)
		go r.drain(chatID, q)
	}
	select {
	case q <- d:
		return true
	default:
		telemetry.IncDeliveryDropped()
		r.log.Warn("delivery queue full, dropping danmaku", slog.Int64("chat_id", chatID))
		return false
	}
}

func (r *Router) drain(chatID int64, q <-chan delivery) {
	defer r.wg.Done()
	var lim *rate.Limiter
	if r.chatRate > 0 {
		lim = rate.NewLimiter(r.chatRate, r.chatBurst)
	}
	for d := range q {
		if lim != nil {
			if err := lim.Wait(r.stop); err != nil {
				telemetry.IncDeliveryDropped()
				continue
			}
		}
		r.deliver(chatID, d)
	}
}

func (r *Router) deliver(chatID int64, d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "router", "deliver_danmaku", telemetry.ChatAttr(chatID))
	defer span.End()

	var err error
	telemetry.TimeFunc(telemetry.DeliveryDuration, func() {
		_, err = r.transport.SendMessage(ctx, chatID, d.text, messaging.SendOptions{
			ParseMode:      messaging.ParseModeHTML,
			DisablePreview: true,
			Silent:         true,
		})
	})
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.IncDeliveryFailure()
		r.log.Error("deliver danmaku", slog.Int64("chat_id", chatID), slog.Any("err", err))
		return
	}
	telemetry.SetSpanSuccess(span)
	telemetry.IncDelivered(d.source)
}

// Close stops accepting events and waits for queued deliveries to finish. Deliveries
// still waiting on the chat rate limit are dropped.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, q := range r.queues {
		close(q)
		delete(r.queues, id)
	}
	r.mu.Unlock()
	r.cancelStop()
	r.wg.Wait()
}

// Render formats ev as an HTML message. The sender link fragment carries "source_uid" so a
// forwarded copy can be traced back to the sender.
func Render(ev danmaku.Event, hideUsername bool) string {
	if hideUsername {
		return html.EscapeString(ev.Text)
	}
	link := fmt.Sprintf("%s#%s", ev.Sender.URL, settings.SenderKey(ev.SourceID, ev.Sender.UID))
	return fmt.Sprintf(`<a href="%s">%s</a>: %s`,
		html.EscapeString(link), html.EscapeString(ev.Sender.Username), html.EscapeString(ev.Text))
}

// ParseSenderLink extracts the "source_uid" key from a rendered sender link.
func ParseSenderLink(url string) (string, bool) {
	_, frag, ok := strings.Cut(url, "#")
	if !ok {
		return "", false
	}
	i := strings.LastIndex(frag, "_")
	if i <= 0 || i == len(frag)-1 {
		return "", false
	}
	return frag, true
}
