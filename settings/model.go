package settings

import (
	"fmt"
	"slices"
)

// Schedule is a chat-scoped cron entry. Expressions are unique per chat.
type Schedule struct {
	Expression string `json:"expression"`
	Action     string `json:"action"`
}

// ChatConfig is the forwarding configuration of one chat.
// Zero values of RoomID, DanmakuSource, Pattern and a nil Admin mean "unset";
// the global defaults apply to unset fields.
type ChatConfig struct {
	ChatID        int64      `json:"chatId"`
	RoomID        int64      `json:"roomId,omitempty"`
	DanmakuSource string     `json:"danmakuSource,omitempty"`
	Pattern       string     `json:"pattern,omitempty"`
	Admin         []int64    `json:"admin,omitempty"`
	BlockedUsers  []string   `json:"blockedUsers,omitempty"`
	HideUsername  bool       `json:"hideUsername,omitempty"`
	Schedules     []Schedule `json:"schedules,omitempty"`
}

// GlobalDefaults are the process-wide fallbacks for unset chat fields.
type GlobalDefaults struct {
	Admin         []int64 `json:"admin"`
	Pattern       string  `json:"pattern"`
	DanmakuSource string  `json:"danmakuSource"`
}

// Clone returns a deep copy of c.
func (c ChatConfig) Clone() ChatConfig {
	out := c
	out.Admin = slices.Clone(c.Admin)
	out.BlockedUsers = slices.Clone(c.BlockedUsers)
	out.Schedules = slices.Clone(c.Schedules)
	return out
}

// Effective returns c with unset fields filled from g.
func (c ChatConfig) Effective(g GlobalDefaults) ChatConfig {
	if c.DanmakuSource == "" {
		c.DanmakuSource = g.DanmakuSource
	}
	if c.Pattern == "" {
		c.Pattern = g.Pattern
	}
	if c.Admin == nil {
		c.Admin = g.Admin
	}
	return c
}

// Registered reports whether the chat is bound to a room.
func (c ChatConfig) Registered() bool { return c.RoomID != 0 }

// HasAdmin reports whether userID is in the chat's admin set.
func (c ChatConfig) HasAdmin(userID int64) bool { return slices.Contains(c.Admin, userID) }

// IsBlocked reports whether the sender key ("source_uid") is blocked for this chat.
func (c ChatConfig) IsBlocked(senderKey string) bool { return slices.Contains(c.BlockedUsers, senderKey) }

// AddBlockedUser adds senderKey if absent and reports whether it was added.
func (c *ChatConfig) AddBlockedUser(senderKey string) bool {
	if c.IsBlocked(senderKey) {
		return false
	}
	c.BlockedUsers = append(c.BlockedUsers, senderKey)
	return true
}

// RemoveBlockedUser removes senderKey and reports whether it was present.
func (c *ChatConfig) RemoveBlockedUser(senderKey string) bool {
	i := slices.Index(c.BlockedUsers, senderKey)
	if i < 0 {
		return false
	}
	c.BlockedUsers = slices.Delete(c.BlockedUsers, i, i+1)
	return true
}

// FindSchedule returns the index of the schedule with the expression, or -1.
func (c ChatConfig) FindSchedule(expression string) int {
	return slices.IndexFunc(c.Schedules, func(s Schedule) bool { return s.Expression == expression })
}

// SenderKey builds the "source_uid" key used by block lists and sender links.
func SenderKey(source string, uid int64) string {
	return fmt.Sprintf("%s_%d", source, uid)
}

// StateCode identifies a conversation state.
type StateCode int

const (
	StateIdle StateCode = iota
	StateAwaitingDanmakuSource
	StateAwaitingPattern
	StateAwaitingAdmin
	StateAwaitingBlockedUsers
	StateAwaitingSchedules
)

func (s StateCode) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingDanmakuSource:
		return "awaiting_danmaku_source"
	case StateAwaitingPattern:
		return "awaiting_pattern"
	case StateAwaitingAdmin:
		return "awaiting_admin"
	case StateAwaitingBlockedUsers:
		return "awaiting_blocked_users"
	case StateAwaitingSchedules:
		return "awaiting_schedules"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// UserState is the active conversation state of one user.
// ReplyChatID/ReplyMessageID identify the message edited in place by the list-editing states.
type UserState struct {
	Code           StateCode `json:"code"`
	ChatID         int64     `json:"chatId"`
	ReplyChatID    int64     `json:"replyChatId,omitempty"`
	ReplyMessageID int       `json:"replyMessageId,omitempty"`
}
