package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/onnwee/danmaku-relay/danmaku"
	"github.com/onnwee/danmaku-relay/rooms"
)

// Check is a named readiness probe, such as a database ping.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// RoomTable exposes the live subscription table.
type RoomTable interface {
	Snapshot() map[rooms.Key][]int64
}

// Options carry the collaborators the handlers report on.
type Options struct {
	// Ready reports whether the bot session is established.
	Ready   func() bool
	Checks  []Check
	Rooms   RoomTable
	Sources []danmaku.Source
	// ChatCount returns the number of stored chat configurations.
	ChatCount func() int
}

// Handlers serve health, readiness and status.
type Handlers struct {
	opts Options
}

// NewHandlers fills unset options with no-op defaults.
func NewHandlers(opts Options) *Handlers {
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	if opts.ChatCount == nil {
		opts.ChatCount = func() int { return 0 }
	}
	return &Handlers{opts: opts}
}

// HandleHealthz is the liveness probe; it only reports that the process serves HTTP.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with the bot session and every
// configured dependency check.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := append([]Check{{Name: "bot_session", Fn: func(context.Context) error {
		if !h.opts.Ready() {
			return errNotReady
		}
		return nil
	}}}, h.opts.Checks...)

	for _, check := range checks {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type roomStatus struct {
	Source string  `json:"source"`
	RoomID int64   `json:"room_id"`
	Chats  []int64 `json:"chats"`
}

type sourceStatus struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

type statusResponse struct {
	BotReady        bool           `json:"bot_ready"`
	ChatsRegistered int            `json:"chats_registered"`
	RoomsOpen       int            `json:"rooms_open"`
	Rooms           []roomStatus   `json:"rooms"`
	Sources         []sourceStatus `json:"sources"`
}

// HandleStatus returns the subscription table and configured sources.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		BotReady:        h.opts.Ready(),
		ChatsRegistered: h.opts.ChatCount(),
		Rooms:           []roomStatus{},
		Sources:         []sourceStatus{},
	}
	if h.opts.Rooms != nil {
		for key, chats := range h.opts.Rooms.Snapshot() {
			resp.Rooms = append(resp.Rooms, roomStatus{Source: key.Source, RoomID: key.RoomID, Chats: chats})
		}
		sort.Slice(resp.Rooms, func(i, j int) bool {
			if resp.Rooms[i].Source != resp.Rooms[j].Source {
				return resp.Rooms[i].Source < resp.Rooms[j].Source
			}
			return resp.Rooms[i].RoomID < resp.Rooms[j].RoomID
		})
	}
	resp.RoomsOpen = len(resp.Rooms)
	for _, src := range h.opts.Sources {
		kind, _ := src.Kind()
		resp.Sources = append(resp.Sources, sourceStatus{ID: src.ID, Kind: string(kind), Description: src.Description})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
