package settings

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/onnwee/danmaku-relay/apperrors"
	"github.com/onnwee/danmaku-relay/telemetry"
)

// Backend persists chat configurations and global defaults.
type Backend interface {
	ListChats(ctx context.Context) ([]ChatConfig, error)
	SaveChat(ctx context.Context, cfg ChatConfig) error
	DeleteChat(ctx context.Context, chatID int64) error
	// LoadGlobals returns ok=false when no defaults were ever saved.
	LoadGlobals(ctx context.Context) (g GlobalDefaults, ok bool, err error)
	SaveGlobals(ctx context.Context, g GlobalDefaults) error
}

// StateStore persists per-user conversation state.
type StateStore interface {
	GetUserState(ctx context.Context, userID int64) (UserState, bool, error)
	SetUserState(ctx context.Context, userID int64, st UserState) error
	ClearUserState(ctx context.Context, userID int64) error
}

// UpdateFunc mutates cfg in place. exists is false when the chat has no config yet;
// returning an error aborts the update without any write.
type UpdateFunc func(cfg *ChatConfig, exists bool) error

// CommitHook runs after a successful write while the chat lock is still held.
type CommitHook func(before, after ChatConfig, existed bool)

// Settings is the facade over chat configurations, global defaults and user states.
type Settings struct {
	backend Backend
	states  StateStore

	mu      sync.RWMutex
	chats   map[int64]ChatConfig
	globals GlobalDefaults

	chatLocks KeyedMutex
	globalsMu sync.Mutex
}

// New loads every chat configuration and the global defaults from backend.
// defaults seeds the global defaults on first start.
func New(ctx context.Context, backend Backend, states StateStore, defaults GlobalDefaults) (*Settings, error) {
	s := &Settings{
		backend: backend,
		states:  states,
		chats:   make(map[int64]ChatConfig),
	}
	chats, err := backend.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chat configs: %w", err)
	}
	for _, c := range chats {
		s.chats[c.ChatID] = c
	}
	g, ok, err := backend.LoadGlobals(ctx)
	if err != nil {
		return nil, fmt.Errorf("load global defaults: %w", err)
	}
	if !ok {
		g = defaults
		if err := backend.SaveGlobals(ctx, g); err != nil {
			return nil, fmt.Errorf("seed global defaults: %w", err)
		}
	}
	s.globals = g
	telemetry.SetChatsRegistered(len(s.chats))
	slog.Info("settings loaded", slog.Int("chats", len(s.chats)), slog.String("component", "settings"))
	return s, nil
}

// Chat returns the stored (not effective) configuration of a chat.
func (s *Settings) Chat(chatID int64) (ChatConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	return c, ok
}

// EffectiveChat returns the chat configuration with global defaults applied.
func (s *Settings) EffectiveChat(chatID int64) (ChatConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return ChatConfig{}, false
	}
	return c.Effective(s.globals), true
}

// Chats returns every stored chat configuration ordered by chat id.
func (s *Settings) Chats() []ChatConfig {
	s.mu.RLock()
	out := make([]ChatConfig, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// EffectiveChats returns every chat configuration with global defaults applied, ordered by chat id.
func (s *Settings) EffectiveChats() []ChatConfig {
	g := s.Globals()
	out := s.Chats()
	for i := range out {
		out[i] = out[i].Effective(g)
	}
	return out
}

// Globals returns the current global defaults.
func (s *Settings) Globals() GlobalDefaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globals
}

// UpdateChat performs a read-modify-write of one chat under that chat's lock.
// When the chat does not exist fn receives a fresh config with exists=false; fn may return
// a NotFound error to refuse creating it.
func (s *Settings) UpdateChat(ctx context.Context, chatID int64, fn UpdateFunc, hooks ...CommitHook) (ChatConfig, error) {
	unlock := s.chatLocks.Lock(chatID)
	defer unlock()

	before, existed := s.Chat(chatID)
	next := before.Clone()
	if !existed {
		next = ChatConfig{ChatID: chatID}
	}
	if err := fn(&next, existed); err != nil {
		return before, err
	}
	next.ChatID = chatID
	if err := s.backend.SaveChat(ctx, next); err != nil {
		return before, fmt.Errorf("save chat %d: %w", chatID, err)
	}
	s.mu.Lock()
	s.chats[chatID] = next
	n := len(s.chats)
	s.mu.Unlock()
	telemetry.SetChatsRegistered(n)
	for _, h := range hooks {
		h(before, next, existed)
	}
	return next, nil
}

// WithChatLock runs fn holding chatID's lock, serializing it with UpdateChat and DeleteChat
// of the same chat. fn must not call those for chatID.
func (s *Settings) WithChatLock(chatID int64, fn func()) {
	unlock := s.chatLocks.Lock(chatID)
	defer unlock()
	fn()
}

// UpdateExistingChat is UpdateChat that refuses to create missing chats.
func (s *Settings) UpdateExistingChat(ctx context.Context, chatID int64, fn func(cfg *ChatConfig) error, hooks ...CommitHook) (ChatConfig, error) {
	return s.UpdateChat(ctx, chatID, func(cfg *ChatConfig, exists bool) error {
		if !exists {
			return apperrors.NotFound("chat %d is not registered", chatID)
		}
		return fn(cfg)
	}, hooks...)
}

// DeleteChat removes a chat configuration. hooks run with the removed config while the
// chat lock is held.
func (s *Settings) DeleteChat(ctx context.Context, chatID int64, hooks ...func(removed ChatConfig)) error {
	unlock := s.chatLocks.Lock(chatID)
	defer unlock()

	removed, ok := s.Chat(chatID)
	if !ok {
		return apperrors.NotFound("chat %d is not registered", chatID)
	}
	if err := s.backend.DeleteChat(ctx, chatID); err != nil {
		return fmt.Errorf("delete chat %d: %w", chatID, err)
	}
	s.mu.Lock()
	delete(s.chats, chatID)
	n := len(s.chats)
	s.mu.Unlock()
	telemetry.SetChatsRegistered(n)
	for _, h := range hooks {
		h(removed)
	}
	return nil
}

// UpdateGlobals performs a serialized read-modify-write of the global defaults.
func (s *Settings) UpdateGlobals(ctx context.Context, fn func(g *GlobalDefaults) error, hooks ...func(before, after GlobalDefaults)) (GlobalDefaults, error) {
	s.globalsMu.Lock()
	defer s.globalsMu.Unlock()

	before := s.Globals()
	next := before
	next.Admin = slices.Clone(before.Admin)
	if err := fn(&next); err != nil {
		return before, err
	}
	if err := s.backend.SaveGlobals(ctx, next); err != nil {
		return before, fmt.Errorf("save global defaults: %w", err)
	}
	s.mu.Lock()
	s.globals = next
	s.mu.Unlock()
	for _, h := range hooks {
		h(before, next)
	}
	return next, nil
}

// UserState returns the user's active conversation state; Idle when none.
func (s *Settings) UserState(ctx context.Context, userID int64) (UserState, error) {
	st, ok, err := s.states.GetUserState(ctx, userID)
	if err != nil {
		return UserState{}, fmt.Errorf("get user state %d: %w", userID, err)
	}
	if !ok {
		return UserState{Code: StateIdle}, nil
	}
	return st, nil
}

// SetUserState replaces any prior state of the user.
func (s *Settings) SetUserState(ctx context.Context, userID int64, st UserState) error {
	if st.Code == StateIdle {
		return s.ClearUserState(ctx, userID)
	}
	if err := s.states.SetUserState(ctx, userID, st); err != nil {
		return fmt.Errorf("set user state %d: %w", userID, err)
	}
	return nil
}

// ClearUserState returns the user to Idle.
func (s *Settings) ClearUserState(ctx context.Context, userID int64) error {
	if err := s.states.ClearUserState(ctx, userID); err != nil {
		return fmt.Errorf("clear user state %d: %w", userID, err)
	}
	return nil
}

// KeyedMutex hands out one mutex per int64 key and forgets it when unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex of key and returns its unlock function.
func (k *KeyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
