package danmaku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/danmaku-relay/telemetry"
)

const resolveTimeout = 10 * time.Second

// ircClient is the subset of *twitch.Client the driver uses.
type ircClient interface {
	OnConnect(func())
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Depart(channel string)
	Connect() error
	Disconnect() error
}

// twitchDriver reads Twitch chat anonymously. A room id is the broadcaster's numeric user
// id; it is resolved to the channel login before joining.
type twitchDriver struct {
	src       Source
	h         Handlers
	opts      Options
	ops       *opQueue
	log       *slog.Logger
	newClient func() ircClient

	mu     sync.Mutex
	logins map[int64]string
}

func newTwitchDriver(src Source, h Handlers, opts Options, newClient func() ircClient) (*twitchDriver, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", src.ID, err)
	}
	if newClient == nil {
		addr, tls := u.Host, u.Query().Get("tls") != "false"
		newClient = func() ircClient {
			c := twitch.NewAnonymousClient()
			if addr != "" {
				c.IrcAddress = addr
				c.TLS = tls
			}
			return c
		}
	}
	return &twitchDriver{
		src:       src,
		h:         h,
		opts:      opts,
		ops:       newOpQueue(),
		log:       slog.Default().With(slog.String("component", "danmaku"), slog.String("source", src.ID)),
		newClient: newClient,
		logins:    make(map[int64]string),
	}, nil
}

func (d *twitchDriver) queue() *opQueue { return d.ops }

// Run keeps an IRC client running until ctx is cancelled. The client reconnects on its own
// after network errors; a new client is created with backoff when Connect gives up.
func (d *twitchDriver) Run(ctx context.Context) error {
	bo := newBackoff(d.opts)
	for {
		connected, err := d.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		d.log.Warn("twitch client stopped", slog.Any("err", err), slog.Duration("retry_in", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

func (d *twitchDriver) session(ctx context.Context) (bool, error) {
	client := d.newClient()
	var (
		connMu    sync.Mutex
		connected bool
	)
	client.OnConnect(func() {
		connMu.Lock()
		connected = true
		connMu.Unlock()
		telemetry.IncSourceConnect(d.src.ID, "ok")
		d.log.Info("twitch connected")
		d.h.OnConnected(d.src.ID)
	})
	client.OnPrivateMessage(d.onMessage)

	d.mu.Lock()
	clear(d.logins)
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- client.Connect() }()
	wasConnected := func() bool {
		connMu.Lock()
		defer connMu.Unlock()
		return connected
	}

	for {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
			return wasConnected(), nil
		case err := <-done:
			if !wasConnected() {
				telemetry.IncSourceConnect(d.src.ID, "error")
			}
			if errors.Is(err, twitch.ErrClientDisconnected) {
				err = nil
			}
			return wasConnected(), err
		case <-d.ops.ready():
			for _, op := range d.ops.drain() {
				d.apply(ctx, client, op)
			}
		}
	}
}

func (d *twitchDriver) apply(ctx context.Context, client ircClient, op roomOp) {
	switch op.kind {
	case opJoin:
		login, err := d.resolve(ctx, op.roomID)
		if err != nil {
			d.log.Error("resolve twitch channel", slog.Int64("room_id", op.roomID), slog.Any("err", err))
			return
		}
		client.Join(login)
	case opLeave:
		d.mu.Lock()
		login, ok := d.logins[op.roomID]
		delete(d.logins, op.roomID)
		d.mu.Unlock()
		if ok {
			client.Depart(login)
		}
	case opReconnect:
		d.mu.Lock()
		login, ok := d.logins[op.roomID]
		d.mu.Unlock()
		if !ok {
			return
		}
		client.Depart(login)
		client.Join(login)
	}
	d.log.Debug("twitch room op", slog.String("op", op.kind.String()), slog.Int64("room_id", op.roomID))
}

func (d *twitchDriver) resolve(ctx context.Context, roomID int64) (string, error) {
	d.mu.Lock()
	login, ok := d.logins[roomID]
	d.mu.Unlock()
	if ok {
		return login, nil
	}
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	login, err := d.opts.Resolver.ChannelLogin(rctx, roomID)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.logins[roomID] = login
	d.mu.Unlock()
	return login, nil
}

func (d *twitchDriver) onMessage(msg twitch.PrivateMessage) {
	roomID, err := strconv.ParseInt(msg.RoomID, 10, 64)
	if err != nil {
		return
	}
	d.mu.Lock()
	_, joined := d.logins[roomID]
	d.mu.Unlock()
	if !joined {
		return
	}
	uid, _ := strconv.ParseInt(msg.User.ID, 10, 64)
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	d.h.OnDanmaku(Event{
		SourceID:  d.src.ID,
		RoomID:    roomID,
		Sender:    Sender{UID: uid, Username: name, URL: "https://www.twitch.tv/" + msg.User.Name},
		Text:      msg.Message,
		Timestamp: ts,
	})
}
