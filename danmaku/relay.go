package danmaku

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/danmaku-relay/telemetry"
)

const (
	relayWriteWait    = 10 * time.Second
	relayPingInterval = 30 * time.Second
	relayPongWait     = 2 * relayPingInterval
)

// relayCommand is sent to the relay to manage room subscriptions.
type relayCommand struct {
	Action string `json:"action"`
	RoomID int64  `json:"roomId"`
}

// relayMessage is one frame from the relay. Only type "danmaku" is handled.
type relayMessage struct {
	Type      string `json:"type"`
	RoomID    int64  `json:"roomId"`
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// relayDriver speaks the JSON relay protocol over one websocket per source. Rooms are
// multiplexed over the connection with join/leave/reconnect commands.
type relayDriver struct {
	src    Source
	h      Handlers
	opts   Options
	ops    *opQueue
	log    *slog.Logger
	header http.Header
}

func newRelayDriver(src Source, h Handlers, opts Options) *relayDriver {
	header := make(http.Header)
	header.Set("User-Agent", "danmaku-relay/1.0")
	return &relayDriver{
		src:    src,
		h:      h,
		opts:   opts,
		ops:    newOpQueue(),
		log:    slog.Default().With(slog.String("component", "danmaku"), slog.String("source", src.ID)),
		header: header,
	}
}

func (d *relayDriver) queue() *opQueue { return d.ops }

// Run keeps a connection open until ctx is cancelled, reconnecting with backoff.
func (d *relayDriver) Run(ctx context.Context) error {
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
		d.log.Warn("relay connection lost", slog.Any("err", err), slog.Duration("retry_in", wait))
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
}

// session runs one connection. connected reports whether the handshake succeeded.
func (d *relayDriver) session(ctx context.Context) (connected bool, err error) {
	conn, resp, err := d.opts.Dialer.DialContext(ctx, d.src.URL, d.header)
	if err != nil {
		telemetry.IncSourceConnect(d.src.ID, "error")
		if resp != nil {
			return false, fmt.Errorf("dial relay (http=%d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	telemetry.IncSourceConnect(d.src.ID, "ok")
	d.log.Info("relay connected")

	_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	d.ops.reset()
	d.h.OnConnected(d.src.ID)

	readErr := make(chan error, 1)
	go func() { readErr <- d.readLoop(conn) }()

	ping := time.NewTicker(relayPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(relayWriteWait))
			return true, nil
		case err := <-readErr:
			return true, err
		case <-d.ops.ready():
			for _, op := range d.ops.drain() {
				_ = conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
				if err := conn.WriteJSON(relayCommand{Action: op.kind.String(), RoomID: op.roomID}); err != nil {
					return true, fmt.Errorf("send %s %d: %w", op.kind, op.roomID, err)
				}
				d.log.Debug("relay command sent", slog.String("op", op.kind.String()), slog.Int64("room_id", op.roomID))
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteWait)); err != nil {
				return true, fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (d *relayDriver) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("relay closed the connection: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))
		var msg relayMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			d.log.Debug("skip malformed relay frame", slog.Any("err", err))
			continue
		}
		if msg.Type != "danmaku" || msg.RoomID == 0 {
			continue
		}
		d.h.OnDanmaku(msg.event(d.src.ID))
	}
}

func (m relayMessage) event(sourceID string) Event {
	ts := time.Now()
	if m.Timestamp > 0 {
		ts = time.UnixMilli(m.Timestamp)
	}
	return Event{
		SourceID:  sourceID,
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Text:      m.Text,
		Timestamp: ts,
	}
}
