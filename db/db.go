// Package db provides the Postgres connection helper, schema migration, and the durable
// store behind chat configurations, global defaults and user conversation states.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/danmaku-relay/settings"
)

const globalsKey = "global_defaults"

// Connect opens a Postgres connection pool for dsn and verifies it is reachable.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Store implements settings.Backend and settings.StateStore on Postgres.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// ListChats returns every stored chat configuration.
func (s *Store) ListChats(ctx context.Context) ([]settings.ChatConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, room_id, danmaku_source, pattern, admins, blocked_users, hide_username, schedules
		FROM chat_configs ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []settings.ChatConfig
	for rows.Next() {
		var (
			c                          settings.ChatConfig
			admins, blocked, schedules []byte
		)
		if err := rows.Scan(&c.ChatID, &c.RoomID, &c.DanmakuSource, &c.Pattern, &admins, &blocked, &c.HideUsername, &schedules); err != nil {
			return nil, err
		}
		if err := decodeJSON(admins, &c.Admin); err != nil {
			return nil, fmt.Errorf("chat %d admins: %w", c.ChatID, err)
		}
		if err := decodeJSON(blocked, &c.BlockedUsers); err != nil {
			return nil, fmt.Errorf("chat %d blocked users: %w", c.ChatID, err)
		}
		if err := decodeJSON(schedules, &c.Schedules); err != nil {
			return nil, fmt.Errorf("chat %d schedules: %w", c.ChatID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveChat upserts a chat configuration.
func (s *Store) SaveChat(ctx context.Context, c settings.ChatConfig) error {
	admins, err := json.Marshal(c.Admin)
	if err != nil {
		return err
	}
	blocked, err := json.Marshal(nonNil(c.BlockedUsers))
	if err != nil {
		return err
	}
	schedules, err := json.Marshal(nonNil(c.Schedules))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO chat_configs (chat_id, room_id, danmaku_source, pattern, admins, blocked_users, hide_username, schedules, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8::jsonb, NOW())
		ON CONFLICT (chat_id) DO UPDATE SET room_id=EXCLUDED.room_id, danmaku_source=EXCLUDED.danmaku_source,
			pattern=EXCLUDED.pattern, admins=EXCLUDED.admins, blocked_users=EXCLUDED.blocked_users,
			hide_username=EXCLUDED.hide_username, schedules=EXCLUDED.schedules, updated_at=NOW()`,
		c.ChatID, c.RoomID, c.DanmakuSource, c.Pattern, string(admins), string(blocked), c.HideUsername, string(schedules))
	return err
}

// DeleteChat removes a chat configuration; deleting a missing chat is not an error.
func (s *Store) DeleteChat(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_configs WHERE chat_id=$1`, chatID)
	return err
}

// LoadGlobals reads the global defaults from the kv table.
func (s *Store) LoadGlobals(ctx context.Context) (settings.GlobalDefaults, bool, error) {
	var g settings.GlobalDefaults
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, globalsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return g, false, nil
	}
	if err != nil {
		return g, false, err
	}
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return g, false, fmt.Errorf("decode global defaults: %w", err)
	}
	return g, true, nil
}

// SaveGlobals writes the global defaults to the kv table.
func (s *Store) SaveGlobals(ctx context.Context, g settings.GlobalDefaults) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, globalsKey, string(raw))
	return err
}

// GetUserState returns the stored conversation state of a user.
func (s *Store) GetUserState(ctx context.Context, userID int64) (settings.UserState, bool, error) {
	var st settings.UserState
	err := s.db.QueryRowContext(ctx, `SELECT state, chat_id, reply_chat_id, reply_message_id FROM user_states WHERE user_id=$1`, userID).
		Scan(&st.Code, &st.ChatID, &st.ReplyChatID, &st.ReplyMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	return st, true, nil
}

// SetUserState replaces the conversation state of a user.
func (s *Store) SetUserState(ctx context.Context, userID int64, st settings.UserState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_states (user_id, state, chat_id, reply_chat_id, reply_message_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET state=EXCLUDED.state, chat_id=EXCLUDED.chat_id,
			reply_chat_id=EXCLUDED.reply_chat_id, reply_message_id=EXCLUDED.reply_message_id, updated_at=NOW()`,
		userID, int(st.Code), st.ChatID, st.ReplyChatID, st.ReplyMessageID)
	return err
}

// ClearUserState removes the conversation state of a user.
func (s *Store) ClearUserState(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_states WHERE user_id=$1`, userID)
	return err
}

func decodeJSON[T any](raw []byte, dst *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
