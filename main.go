// Command danmaku-relay is the entrypoint of the danmaku relay bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the chat configuration store (Postgres with migrations, or memory) and the
//     conversation state store (Redis, Postgres, or memory).
//   - Connects to Telegram and to every configured danmaku source.
//   - Restores rooms and cron schedules, then relays danmaku until shutdown.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/danmaku-relay/bot"
	"github.com/onnwee/danmaku-relay/config"
	"github.com/onnwee/danmaku-relay/danmaku"
	"github.com/onnwee/danmaku-relay/db"
	"github.com/onnwee/danmaku-relay/redisstate"
	"github.com/onnwee/danmaku-relay/rooms"
	"github.com/onnwee/danmaku-relay/router"
	"github.com/onnwee/danmaku-relay/scheduler"
	"github.com/onnwee/danmaku-relay/server"
	"github.com/onnwee/danmaku-relay/settings"
	"github.com/onnwee/danmaku-relay/telegram"
	"github.com/onnwee/danmaku-relay/telemetry"
	"github.com/onnwee/danmaku-relay/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("danmaku-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("relay stopped with error", slog.Any("err", err))
		stop()
		shutdownTracing()
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

func setupLogging() {
	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// stores picks the chat configuration backend and the conversation state store.
type stores struct {
	backend settings.Backend
	states  settings.StateStore
	checks  []server.Check
	closers []func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	st := &stores{}
	if cfg.DBDsn != "" {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, database.Close)
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			return st, err
		}
		store := db.NewStore(database)
		st.backend, st.states = store, store
		st.checks = append(st.checks, server.Check{Name: "database", Fn: db.CheckSchema(database)})
	} else {
		slog.Warn("DB_DSN not set, chat configurations are kept in memory only", slog.String("component", "settings"))
		st.backend, st.states = settings.NewMemoryBackend(), settings.NewMemoryStateStore()
	}

	if cfg.RedisURL != "" {
		rdb, err := redisstate.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return st, err
		}
		st.closers = append(st.closers, rdb.Close)
		st.states = redisstate.New(rdb, cfg.RedisStateTTL)
		st.checks = append(st.checks, server.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		slog.Info("conversation states stored in redis", slog.Duration("ttl", cfg.RedisStateTTL), slog.String("component", "settings"))
	}
	return st, nil
}

func (st *stores) close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if st != nil {
		defer st.close()
	}
	if err != nil {
		return err
	}

	s, err := settings.New(ctx, st.backend, st.states, settings.GlobalDefaults{
		Pattern:       cfg.DefaultPattern,
		DanmakuSource: cfg.DefaultDanmakuSource,
	})
	if err != nil {
		return err
	}

	tg, err := backoff.Retry(ctx, func() (*telegram.Client, error) {
		return telegram.New(cfg.BotToken, telegram.Options{Proxy: cfg.BotProxy})
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("telegram connect failed", slog.Any("err", err), slog.Duration("retry_in", next), slog.String("component", "telegram"))
		}),
	)
	if err != nil {
		return err
	}

	// The feed handlers run only once dm.Run starts, after rm and rt are assigned.
	var (
		rm *rooms.Manager
		rt *router.Router
	)
	dmOpts := danmaku.Options{}
	if cfg.TwitchReady() {
		dmOpts.Resolver = &twitchapi.HelixClient{
			ClientID: cfg.TwitchClientID,
			Tokens:   twitchapi.NewAppTokenSource(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, ""),
		}
	}
	dm, err := danmaku.NewManager(cfg.Sources, danmaku.Handlers{
		OnDanmaku: func(ev danmaku.Event) { rt.Handle(ev) },
		OnConnected: func(sourceID string) {
			n := rm.Rejoin(sourceID)
			slog.Info("rooms rejoined", slog.String("source", sourceID), slog.Int("rooms", n), slog.String("component", "rooms"))
		},
	}, dmOpts)
	if err != nil {
		return err
	}
	rm = rooms.NewManager(dm)

	var bridge *scheduler.Bridge
	cron := scheduler.NewCron(func(chatID int64, expr string, a scheduler.Action) { bridge.Run(chatID, expr, a) })
	bridge = scheduler.NewBridge(s, cron)

	b := bot.New(s, rm, bridge, tg, dm, bot.Options{Admins: cfg.BotAdmins})
	bridge.SetExecutor(b)
	rt = router.New(s, tg, router.Options{
		Ready:     b.Ready,
		QueueSize: cfg.DeliveryQueueSize,
		ChatRate:  cfg.DeliveryChatRate,
		ChatBurst: cfg.DeliveryChatBurst,
	})
	defer rt.Close()

	bridge.Restore(ctx)
	cron.Start()
	defer func() { <-cron.Stop().Done() }()

	b.SetSelf(tg.Self())
	slog.Info("rooms synced", slog.Int("chats", b.SyncRooms()), slog.String("component", "rooms"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dm.Run(gctx) })
	g.Go(func() error { return tg.Run(gctx, b) })
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, server.Options{
			Ready:     b.Ready,
			Checks:    st.checks,
			Rooms:     rm,
			Sources:   dm.Sources(),
			ChatCount: func() int { return len(s.Chats()) },
		})
	})
	err = g.Wait()
	slog.Info("shutting down")
	return err
}
