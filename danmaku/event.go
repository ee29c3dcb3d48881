// Package danmaku connects to live-stream comment feeds and emits their events.
package danmaku

import "time"

// Sender is the viewer that posted a danmaku.
type Sender struct {
	UID      int64  `json:"uid"`
	Username string `json:"username"`
	URL      string `json:"url"`
}

// Event is one danmaku received from a room.
type Event struct {
	SourceID  string    `json:"sourceId"`
	RoomID    int64     `json:"roomId"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
