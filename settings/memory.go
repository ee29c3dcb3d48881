package settings

import (
	"context"
	"sync"
)

// MemoryBackend keeps configurations in process memory. It is used when no database is
// configured and by tests.
type MemoryBackend struct {
	mu         sync.Mutex
	chats      map[int64]ChatConfig
	globals    GlobalDefaults
	hasGlobals bool

	// SaveErr, when set, is returned by every save/delete.
	SaveErr error
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{chats: make(map[int64]ChatConfig)}
}

func (m *MemoryBackend) ListChats(context.Context) ([]ChatConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatConfig, 0, len(m.chats))
	for _, c := range m.chats {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (m *MemoryBackend) SaveChat(_ context.Context, cfg ChatConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.chats[cfg.ChatID] = cfg.Clone()
	return nil
}

func (m *MemoryBackend) DeleteChat(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	delete(m.chats, chatID)
	return nil
}

func (m *MemoryBackend) LoadGlobals(context.Context) (GlobalDefaults, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globals, m.hasGlobals, nil
}

func (m *MemoryBackend) SaveGlobals(_ context.Context, g GlobalDefaults) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.globals = g
	m.hasGlobals = true
	return nil
}

// Stored returns the persisted copy of a chat, for tests.
func (m *MemoryBackend) Stored(chatID int64) (ChatConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	return c, ok
}

// MemoryStateStore keeps user conversation states in process memory.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[int64]UserState
}

// NewMemoryStateStore returns an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[int64]UserState)}
}

func (m *MemoryStateStore) GetUserState(_ context.Context, userID int64) (UserState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[userID]
	return st, ok, nil
}

func (m *MemoryStateStore) SetUserState(_ context.Context, userID int64, st UserState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[userID] = st
	return nil
}

func (m *MemoryStateStore) ClearUserState(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, userID)
	return nil
}
