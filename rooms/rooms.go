// Package rooms tracks which chats are subscribed to which danmaku rooms and keeps
// exactly one feed connection open per room that has subscribers.
package rooms

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/onnwee/danmaku-relay/telemetry"
)

// Key identifies one live room connection.
type Key struct {
	Source string
	RoomID int64
}

// Valid reports whether the key names a room.
func (k Key) Valid() bool { return k.Source != "" && k.RoomID != 0 }

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Source, k.RoomID) }

// Adapter opens and closes room connections on the feed side.
// Implementations must not block; they are called with the subscription table locked.
type Adapter interface {
	JoinRoom(source string, roomID int64) error
	LeaveRoom(source string, roomID int64) error
	ReconnectRoom(source string, roomID int64) error
}

// Manager reference-counts room subscriptions.
type Manager struct {
	adapter Adapter
	log     *slog.Logger

	mu     sync.Mutex
	subs   map[Key]map[int64]struct{}
	byChat map[int64]Key
}

// NewManager returns an empty subscription table driving adapter.
func NewManager(adapter Adapter) *Manager {
	return &Manager{
		adapter: adapter,
		log:     slog.Default().With(slog.String("component", "rooms")),
		subs:    make(map[Key]map[int64]struct{}),
		byChat:  make(map[int64]Key),
	}
}

// Join subscribes chatID to key, opening the room if it had no subscribers.
// A chat already subscribed to another key is moved, as with Rebind.
func (m *Manager) Join(chatID int64, key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byChat[chatID]; ok && cur != key {
		m.leaveLocked(chatID, cur)
	}
	m.joinLocked(chatID, key)
	m.recordLocked()
}

// Leave unsubscribes chatID from key, closing the room when it was the last subscriber.
// Leaving a room the chat is not subscribed to does nothing.
func (m *Manager) Leave(chatID int64, key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(chatID, key)
	m.recordLocked()
}

// LeaveChat unsubscribes chatID from whatever room it is bound to.
func (m *Manager) LeaveChat(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byChat[chatID]; ok {
		m.leaveLocked(chatID, cur)
	}
	m.recordLocked()
}

// Rebind moves chatID from oldKey to newKey. The leave is issued to the adapter before
// the join, so a room losing its last subscriber is closed before the new one opens.
func (m *Manager) Rebind(chatID int64, oldKey, newKey Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(chatID, oldKey)
	if cur, ok := m.byChat[chatID]; ok && cur != newKey {
		// stale binding that oldKey did not describe
		m.leaveLocked(chatID, cur)
	}
	m.joinLocked(chatID, newKey)
	m.recordLocked()
}

// Reconnect asks the adapter to reconnect key. Subscribers are unchanged.
func (m *Manager) Reconnect(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	telemetry.IncRoomOperation("reconnect")
	if err := m.adapter.ReconnectRoom(key.Source, key.RoomID); err != nil {
		m.log.Error("reconnect room", slog.String("room", key.String()), slog.Any("err", err))
	}
}

// Rejoin re-issues JoinRoom for every subscribed room of source, typically after the
// source connection came back.
func (m *Manager) Rejoin(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, set := range m.subs {
		if key.Source != source || len(set) == 0 {
			continue
		}
		m.openLocked(key)
		n++
	}
	return n
}

// KeyOf returns the room chatID is subscribed to.
func (m *Manager) KeyOf(chatID int64) (Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byChat[chatID]
	return k, ok
}

// Subscribers returns the chats subscribed to key in ascending order.
func (m *Manager) Subscribers(key Key) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedIDs(m.subs[key])
}

// Snapshot returns a copy of the whole subscription table.
func (m *Manager) Snapshot() map[Key][]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Key][]int64, len(m.subs))
	for k, set := range m.subs {
		out[k] = sortedIDs(set)
	}
	return out
}

func (m *Manager) joinLocked(chatID int64, key Key) {
	if !key.Valid() {
		return
	}
	set, ok := m.subs[key]
	if !ok {
		set = make(map[int64]struct{})
		m.subs[key] = set
	}
	if _, dup := set[chatID]; dup {
		return
	}
	set[chatID] = struct{}{}
	m.byChat[chatID] = key
	if len(set) == 1 {
		m.openLocked(key)
	}
}

func (m *Manager) leaveLocked(chatID int64, key Key) {
	set, ok := m.subs[key]
	if !ok {
		return
	}
	if _, member := set[chatID]; !member {
		return
	}
	delete(set, chatID)
	if m.byChat[chatID] == key {
		delete(m.byChat, chatID)
	}
	if len(set) > 0 {
		return
	}
	delete(m.subs, key)
	telemetry.IncRoomOperation("leave")
	if err := m.adapter.LeaveRoom(key.Source, key.RoomID); err != nil {
		m.log.Error("leave room", slog.String("room", key.String()), slog.Any("err", err))
	}
}

func (m *Manager) openLocked(key Key) {
	telemetry.IncRoomOperation("join")
	if err := m.adapter.JoinRoom(key.Source, key.RoomID); err != nil {
		m.log.Error("join room", slog.String("room", key.String()), slog.Any("err", err))
	}
}

func (m *Manager) recordLocked() {
	telemetry.SetRoomStats(len(m.subs), len(m.byChat))
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
