package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/onnwee/danmaku-relay/danmaku"
	"github.com/onnwee/danmaku-relay/messaging"
	"github.com/onnwee/danmaku-relay/rooms"
	"github.com/onnwee/danmaku-relay/scheduler"
	"github.com/onnwee/danmaku-relay/settings"
)

const (
	botAdminID  int64 = 1
	chatAdminID int64 = 2
	strangerID  int64 = 3
	privateChat int64 = 500
)

type sentMessage struct {
	chatID int64
	id     int
	text   string
	opts   messaging.SendOptions
}

type editedMessage struct {
	chatID int64
	id     int
	text   string
}

type answered struct {
	text  string
	alert bool
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentMessage
	edits     []editedMessage
	keyboards int
	answers   []answered
	noSend    map[int64]bool
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID int64, text string, opts messaging.SendOptions) (messaging.Sent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := len(f.sent) + 100
	f.sent = append(f.sent, sentMessage{chatID, id, text, opts})
	return messaging.Sent{ChatID: chatID, MessageID: id}, nil
}

func (f *fakeTransport) EditMessageText(_ context.Context, chatID int64, messageID int, text string, _ messaging.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editedMessage{chatID, messageID, text})
	return nil
}

func (f *fakeTransport) EditMessageKeyboard(context.Context, int64, int, [][]messaging.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyboards++
	return nil
}

func (f *fakeTransport) GetChat(_ context.Context, ref string) (messaging.ChatInfo, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return messaging.ChatInfo{}, errors.New("chat not found")
	}
	return messaging.ChatInfo{ID: id, Type: "channel", Title: "chat " + ref}, nil
}

func (f *fakeTransport) CanSendMessage(_ context.Context, chatID int64) (bool, error) {
	return !f.noSend[chatID], nil
}

func (f *fakeTransport) AnswerCallback(_ context.Context, _ string, text string, alert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answered{text, alert})
	return nil
}

func (f *fakeTransport) lastSent(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no message sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) lastAnswer(t *testing.T) answered {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		t.Fatal("callback not answered")
	}
	return f.answers[len(f.answers)-1]
}

type roomCall struct {
	op  string
	key rooms.Key
}

type fakeAdapter struct {
	mu    sync.Mutex
	calls []roomCall
}

func (f *fakeAdapter) record(op, source string, roomID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, roomCall{op, rooms.Key{Source: source, RoomID: roomID}})
	return nil
}

func (f *fakeAdapter) JoinRoom(source string, roomID int64) error {
	return f.record("join", source, roomID)
}
func (f *fakeAdapter) LeaveRoom(source string, roomID int64) error {
	return f.record("leave", source, roomID)
}
func (f *fakeAdapter) ReconnectRoom(source string, roomID int64) error {
	return f.record("reconnect", source, roomID)
}

func (f *fakeAdapter) count(op string, k rooms.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op && c.key == k {
			n++
		}
	}
	return n
}

func (f *fakeAdapter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	bot       *Bot
	settings  *settings.Settings
	rooms     *rooms.Manager
	adapter   *fakeAdapter
	transport *fakeTransport
	cron      *scheduler.Cron
	nextMsg   int
}

var testSources = danmaku.Catalog{
	{ID: "bilibili", URL: "wss://relay.example/bilibili", Description: "Bilibili live"},
	{ID: "douyu", URL: "wss://relay.example/douyu", Description: "Douyu live"},
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets wrap interpose on the room manager the bot drives.
func newHarnessWith(t *testing.T, wrap func(*rooms.Manager) RoomManager) *harness {
	t.Helper()
	s, err := settings.New(context.Background(), settings.NewMemoryBackend(), settings.NewMemoryStateStore(),
		settings.GlobalDefaults{Pattern: ".*", DanmakuSource: "bilibili"})
	if err != nil {
		t.Fatalf("settings.New: %v", err)
	}
	fa := &fakeAdapter{}
	rm := rooms.NewManager(fa)
	var bridge *scheduler.Bridge
	c := scheduler.NewCron(func(chatID int64, expr string, a scheduler.Action) { bridge.Run(chatID, expr, a) })
	bridge = scheduler.NewBridge(s, c)
	ft := &fakeTransport{noSend: map[int64]bool{}}
	var drive RoomManager = rm
	if wrap != nil {
		drive = wrap(rm)
	}
	b := New(s, drive, bridge, ft, testSources, Options{Admins: []int64{botAdminID}})
	bridge.SetExecutor(b)
	b.SetSelf(messaging.User{ID: 999, Username: "relay_bot"})
	return &harness{bot: b, settings: s, rooms: rm, adapter: fa, transport: ft, cron: c}
}

func (h *harness) say(userID int64, text string) {
	h.nextMsg++
	h.bot.HandleMessage(context.Background(), messaging.Message{
		ID:       h.nextMsg,
		ChatID:   privateChat + userID,
		ChatType: "private",
		From:     messaging.User{ID: userID},
		Text:     text,
	})
}

// message builds a private message without touching harness state, for concurrent use.
func message(id int, userID int64, text string) messaging.Message {
	return messaging.Message{ID: id, ChatID: privateChat + userID, ChatType: "private", From: messaging.User{ID: userID}, Text: text}
}

// pausingRooms blocks the first KeyOf call after arm until release is closed.
type pausingRooms struct {
	*rooms.Manager
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func newPausingRooms(rm *rooms.Manager) *pausingRooms {
	return &pausingRooms{Manager: rm, reached: make(chan struct{}), release: make(chan struct{})}
}

func (p *pausingRooms) KeyOf(chatID int64) (rooms.Key, bool) {
	if p.armed.CompareAndSwap(true, false) {
		close(p.reached)
		<-p.release
	}
	return p.Manager.KeyOf(chatID)
}

func (h *harness) press(userID int64, data string) {
	h.nextMsg++
	h.bot.HandleCallback(context.Background(), messaging.Callback{
		ID:        "cb" + strconv.Itoa(h.nextMsg),
		From:      messaging.User{ID: userID},
		ChatID:    privateChat + userID,
		MessageID: 42,
		Data:      data,
	})
}

func (h *harness) state(t *testing.T, userID int64) settings.UserState {
	t.Helper()
	st, err := h.settings.UserState(context.Background(), userID)
	if err != nil {
		t.Fatalf("UserState: %v", err)
	}
	return st
}

// register binds chatID to room 123 of the default source, with chatAdminID as its admin.
func (h *harness) register(t *testing.T, chatID int64, room string) {
	t.Helper()
	h.say(botAdminID, "/register_chat "+strconv.FormatInt(chatID, 10)+" "+room)
	if _, ok := h.settings.Chat(chatID); !ok {
		t.Fatalf("chat %d not registered: %q", chatID, h.transport.lastSent(t).text)
	}
	if _, err := h.settings.UpdateExistingChat(context.Background(), chatID, func(cfg *settings.ChatConfig) error {
		cfg.Admin = []int64{chatAdminID}
		return nil
	}); err != nil {
		t.Fatalf("set admin: %v", err)
	}
}

func contains(s, sub string) bool { return strings.Contains(s, sub) }
