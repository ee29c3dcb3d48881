// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with only a bot token: without
// DB_DSN chat configurations live in memory, without REDIS_URL conversation states do too.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/danmaku-relay/danmaku"
)

const (
	DefaultPattern           = ".*"
	DefaultHTTPAddr          = ":8080"
	DefaultDeliveryQueueSize = 256
	DefaultDeliveryChatRate  = 1.0
	DefaultDeliveryChatBurst = 20
)

type Config struct {
	// Telegram
	BotToken  string
	BotProxy  string
	BotAdmins []int64

	// Danmaku sources and global defaults
	Sources              danmaku.Catalog
	DefaultDanmakuSource string
	DefaultPattern       string

	// Storage
	DBDsn         string
	RedisURL      string
	RedisStateTTL time.Duration

	// Twitch Helix (required only for twitch:// sources)
	TwitchClientID     string
	TwitchClientSecret string

	// HTTP / delivery
	HTTPAddr          string
	DeliveryQueueSize int
	// DeliveryChatRate is the per-chat send rate in messages per second; 0 disables it.
	DeliveryChatRate  float64
	DeliveryChatBurst int
}

// Load reads environment variables and applies defaults. It fails on malformed values and
// when DMQ_BOT_TOKEN is missing.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.BotToken = os.Getenv("DMQ_BOT_TOKEN")
	if cfg.BotToken == "" {
		return nil, errors.New("missing DMQ_BOT_TOKEN")
	}
	cfg.BotProxy = os.Getenv("DMQ_BOT_PROXY")
	admins, err := ParseIDs(os.Getenv("DMQ_BOT_ADMINS"))
	if err != nil {
		return nil, fmt.Errorf("invalid DMQ_BOT_ADMINS: %w", err)
	}
	cfg.BotAdmins = admins

	// Sources
	cfg.Sources, err = ParseSources(os.Getenv("DANMAKU_SOURCES"))
	if err != nil {
		return nil, fmt.Errorf("invalid DANMAKU_SOURCES: %w", err)
	}
	cfg.DefaultDanmakuSource = os.Getenv("DEFAULT_DANMAKU_SOURCE")
	if cfg.DefaultDanmakuSource == "" && len(cfg.Sources) > 0 {
		cfg.DefaultDanmakuSource = cfg.Sources[0].ID
	}
	if cfg.DefaultDanmakuSource != "" {
		if _, ok := cfg.Sources.Lookup(cfg.DefaultDanmakuSource); !ok {
			return nil, fmt.Errorf("DEFAULT_DANMAKU_SOURCE %q is not in DANMAKU_SOURCES", cfg.DefaultDanmakuSource)
		}
	}
	cfg.DefaultPattern = os.Getenv("DEFAULT_PATTERN")
	if cfg.DefaultPattern == "" {
		cfg.DefaultPattern = DefaultPattern
	}

	// Storage
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if v := os.Getenv("REDIS_STATE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid REDIS_STATE_TTL %q", v)
		}
		cfg.RedisStateTTL = d
	}

	// Twitch
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	// HTTP / delivery
	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	cfg.DeliveryQueueSize = DefaultDeliveryQueueSize
	if v := os.Getenv("DELIVERY_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DELIVERY_QUEUE_SIZE %q", v)
		}
		cfg.DeliveryQueueSize = n
	}
	cfg.DeliveryChatRate = DefaultDeliveryChatRate
	if v := os.Getenv("DELIVERY_CHAT_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid DELIVERY_CHAT_RATE %q", v)
		}
		cfg.DeliveryChatRate = f
	}
	cfg.DeliveryChatBurst = DefaultDeliveryChatBurst
	if v := os.Getenv("DELIVERY_CHAT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DELIVERY_CHAT_BURST %q", v)
		}
		cfg.DeliveryChatBurst = n
	}

	return cfg, nil
}

// TwitchReady reports whether Helix credentials are configured.
func (c *Config) TwitchReady() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

// ParseIDs parses a comma separated list of numeric user ids. Blank entries are skipped.
func ParseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a numeric id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseSources parses "id|url|description" entries separated by commas. The description
// is optional; every URL must select a known driver.
func ParseSources(s string) (danmaku.Catalog, error) {
	var out danmaku.Catalog
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.SplitN(entry, "|", 3)
		if len(fields) < 2 || strings.TrimSpace(fields[0]) == "" || strings.TrimSpace(fields[1]) == "" {
			return nil, fmt.Errorf("entry %q: want id|url|description", entry)
		}
		src := danmaku.Source{ID: strings.TrimSpace(fields[0]), URL: strings.TrimSpace(fields[1])}
		if len(fields) == 3 {
			src.Description = strings.TrimSpace(fields[2])
		}
		if _, err := src.Kind(); err != nil {
			return nil, err
		}
		if _, dup := out.Lookup(src.ID); dup {
			return nil, fmt.Errorf("duplicate source id %q", src.ID)
		}
		out = append(out, src)
	}
	return out, nil
}
