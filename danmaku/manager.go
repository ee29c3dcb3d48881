package danmaku

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Handlers receive feed events. Both run on driver goroutines and must not block for long.
type Handlers struct {
	// OnDanmaku is called for every danmaku received from a joined room.
	OnDanmaku func(Event)
	// OnConnected is called each time a source (re)connects. Rooms joined before the
	// connection dropped are not restored by the driver.
	OnConnected func(sourceID string)
}

// ChannelResolver maps a numeric Twitch room id to the channel login to join.
type ChannelResolver interface {
	ChannelLogin(ctx context.Context, roomID int64) (string, error)
}

// Options configure a Manager.
type Options struct {
	// Resolver is required when the catalog has a twitch source.
	Resolver ChannelResolver
	// Dialer is used by relay sources; nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// MinBackoff and MaxBackoff bound the reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type driver interface {
	Run(ctx context.Context) error
	queue() *opQueue
}

// Manager owns one driver per configured source and implements the room adapter used by
// the subscription table. Its room methods only enqueue and never block on the network.
type Manager struct {
	catalog Catalog
	drivers map[string]driver
	log     *slog.Logger
}

// NewManager builds the drivers of every source in catalog.
func NewManager(catalog Catalog, h Handlers, opts Options) (*Manager, error) {
	if h.OnDanmaku == nil {
		h.OnDanmaku = func(Event) {}
	}
	if h.OnConnected == nil {
		h.OnConnected = func(string) {}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = time.Minute
	}
	m := &Manager{
		catalog: catalog,
		drivers: make(map[string]driver, len(catalog)),
		log:     slog.Default().With(slog.String("component", "danmaku")),
	}
	for _, src := range catalog {
		if _, dup := m.drivers[src.ID]; dup {
			return nil, fmt.Errorf("duplicate danmaku source %q", src.ID)
		}
		kind, err := src.Kind()
		if err != nil {
			return nil, err
		}
		switch kind {
		case KindRelay:
			m.drivers[src.ID] = newRelayDriver(src, h, opts)
		case KindTwitch:
			if opts.Resolver == nil {
				return nil, fmt.Errorf("source %s: twitch sources need Twitch API credentials", src.ID)
			}
			d, err := newTwitchDriver(src, h, opts, nil)
			if err != nil {
				return nil, err
			}
			m.drivers[src.ID] = d
		}
	}
	return m, nil
}

// Sources returns the configured catalog.
func (m *Manager) Sources() []Source { return m.catalog.Sources() }

// Lookup finds a configured source by id.
func (m *Manager) Lookup(id string) (Source, bool) { return m.catalog.Lookup(id) }

// JoinRoom asks the source to start streaming roomID.
func (m *Manager) JoinRoom(source string, roomID int64) error {
	return m.enqueue(source, roomOp{opJoin, roomID})
}

// LeaveRoom asks the source to stop streaming roomID.
func (m *Manager) LeaveRoom(source string, roomID int64) error {
	return m.enqueue(source, roomOp{opLeave, roomID})
}

// ReconnectRoom asks the source to re-establish roomID.
func (m *Manager) ReconnectRoom(source string, roomID int64) error {
	return m.enqueue(source, roomOp{opReconnect, roomID})
}

func (m *Manager) enqueue(source string, op roomOp) error {
	d, ok := m.drivers[source]
	if !ok {
		return fmt.Errorf("unknown danmaku source %q", source)
	}
	d.queue().push(op)
	return nil
}

// Run runs every driver until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for id, d := range m.drivers {
		g.Go(func() error {
			if err := d.Run(gctx); err != nil {
				return fmt.Errorf("source %s: %w", id, err)
			}
			return nil
		})
	}
	m.log.Info("danmaku sources started", slog.Int("count", len(m.drivers)))
	return g.Wait()
}

func newBackoff(opts Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.MinBackoff
	b.MaxInterval = opts.MaxBackoff
	b.Reset()
	return b
}

// sleepCtx waits d or until ctx is done, reporting whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
