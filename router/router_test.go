package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/danmaku-relay/danmaku"
	"github.com/onnwee/danmaku-relay/messaging"
	"github.com/onnwee/danmaku-relay/settings"
)

type sentMsg struct {
	chatID int64
	text   string
	opts   messaging.SendOptions
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentMsg
	failFor map[int64]bool
	block   chan struct{}
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID int64, text string, opts messaging.SendOptions) (messaging.Sent, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[chatID] {
		return messaging.Sent{}, errors.New("chat not found")
	}
	f.sent = append(f.sent, sentMsg{chatID, text, opts})
	return messaging.Sent{ChatID: chatID, MessageID: len(f.sent)}, nil
}

func (f *fakeTransport) EditMessageText(context.Context, int64, int, string, messaging.SendOptions) error {
	return nil
}
func (f *fakeTransport) EditMessageKeyboard(context.Context, int64, int, [][]messaging.Button) error {
	return nil
}
func (f *fakeTransport) GetChat(context.Context, string) (messaging.ChatInfo, error) {
	return messaging.ChatInfo{}, nil
}
func (f *fakeTransport) CanSendMessage(context.Context, int64) (bool, error) { return true, nil }
func (f *fakeTransport) AnswerCallback(context.Context, string, string, bool) error {
	return nil
}

func (f *fakeTransport) textsFor(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.chatID == chatID {
			out = append(out, s.text)
		}
	}
	return out
}

func newSettings(t *testing.T, chats ...settings.ChatConfig) *settings.Settings {
	t.Helper()
	ctx := context.Background()
	s, err := settings.New(ctx, settings.NewMemoryBackend(), settings.NewMemoryStateStore(),
		settings.GlobalDefaults{Pattern: ".*", DanmakuSource: "bilibili"})
	if err != nil {
		t.Fatalf("settings.New: %v", err)
	}
	for _, c := range chats {
		if _, err := s.UpdateChat(ctx, c.ChatID, func(cfg *settings.ChatConfig, _ bool) error {
			*cfg = c
			return nil
		}); err != nil {
			t.Fatalf("UpdateChat(%d): %v", c.ChatID, err)
		}
	}
	return s
}

func helloEvent() danmaku.Event {
	return danmaku.Event{
		SourceID: "bilibili",
		RoomID:   123,
		Sender:   danmaku.Sender{UID: 77, Username: "viewer", URL: "https://space.bilibili.com/77"},
		Text:     "hello",
	}
}

func TestPatternFiltering(t *testing.T) {
	s := newSettings(t,
		settings.ChatConfig{ChatID: -1002, RoomID: 123, Pattern: ".*"},
		settings.ChatConfig{ChatID: -1003, RoomID: 123, Pattern: "^foo"},
	)
	ft := &fakeTransport{}
	r := New(s, ft, Options{})

	if n := r.Handle(helloEvent()); n != 1 {
		t.Fatalf("Handle queued %d, want 1", n)
	}
	r.Close()

	if got := ft.textsFor(-1002); len(got) != 1 {
		t.Fatalf("chat -1002 got %v, want one message", got)
	}
	if got := ft.textsFor(-1003); len(got) != 0 {
		t.Fatalf("chat -1003 got %v, want nothing", got)
	}
}

func TestBlockedSenderSkipsOnlyThatChat(t *testing.T) {
	s := newSettings(t,
		settings.ChatConfig{ChatID: -1002, RoomID: 123, Pattern: ".*", BlockedUsers: []string{"bilibili_77"}},
		settings.ChatConfig{ChatID: -1004, RoomID: 123},
	)
	ft := &fakeTransport{}
	r := New(s, ft, Options{})
	r.Handle(helloEvent())
	r.Close()

	if got := ft.textsFor(-1002); len(got) != 0 {
		t.Fatalf("blocked chat got %v", got)
	}
	if got := ft.textsFor(-1004); len(got) != 1 {
		t.Fatalf("unblocked chat got %v, want one message", got)
	}
}

func TestRoutingPredicate(t *testing.T) {
	s := newSettings(t,
		settings.ChatConfig{ChatID: -1, RoomID: 123},                          // default source and pattern
		settings.ChatConfig{ChatID: -2, RoomID: 123, DanmakuSource: "douyu"},  // other source
		settings.ChatConfig{ChatID: -3, RoomID: 124},                          // other room
		settings.ChatConfig{ChatID: -4},                                       // not bound to a room
		settings.ChatConfig{ChatID: -5, RoomID: 123, Pattern: "hel+o"},        // pattern match
		settings.ChatConfig{ChatID: -6, RoomID: 123, BlockedUsers: []string{"douyu_77"}}, // block on other source
	)
	ft := &fakeTransport{}
	r := New(s, ft, Options{})
	r.Handle(helloEvent())
	r.Close()

	want := map[int64]bool{-1: true, -5: true, -6: true}
	for _, id := range []int64{-1, -2, -3, -4, -5, -6} {
		got := len(ft.textsFor(id)) == 1
		if got != want[id] {
			t.Errorf("chat %d delivered=%v, want %v", id, got, want[id])
		}
	}
}

func TestNotReadyDropsEvents(t *testing.T) {
	s := newSettings(t, settings.ChatConfig{ChatID: -1002, RoomID: 123})
	ft := &fakeTransport{}
	r := New(s, ft, Options{Ready: func() bool { return false }})
	if n := r.Handle(helloEvent()); n != 0 {
		t.Fatalf("Handle queued %d before ready", n)
	}
	r.Close()
	if len(ft.sent) != 0 {
		t.Fatalf("sent %v before ready", ft.sent)
	}
}

func TestPerChatOrderPreserved(t *testing.T) {
	s := newSettings(t,
		settings.ChatConfig{ChatID: -1, RoomID: 123},
		settings.ChatConfig{ChatID: -2, RoomID: 123},
	)
	ft := &fakeTransport{}
	r := New(s, ft, Options{QueueSize: 500})
	for i := 0; i < 200; i++ {
		ev := helloEvent()
		ev.Text = fmt.Sprintf("m%03d", i)
		r.Handle(ev)
	}
	r.Close()

	for _, id := range []int64{-1, -2} {
		got := ft.textsFor(id)
		if len(got) != 200 {
			t.Fatalf("chat %d got %d messages, want 200", id, len(got))
		}
		for i, text := range got {
			if !strings.HasSuffix(text, fmt.Sprintf("m%03d", i)) {
				t.Fatalf("chat %d message %d = %q, out of order", id, i, text)
			}
		}
	}
}

func TestDeliveryFailureDoesNotAbortOthers(t *testing.T) {
	s := newSettings(t,
		settings.ChatConfig{ChatID: -1, RoomID: 123},
		settings.ChatConfig{ChatID: -2, RoomID: 123},
	)
	ft := &fakeTransport{failFor: map[int64]bool{-1: true}}
	r := New(s, ft, Options{})
	r.Handle(helloEvent())
	r.Handle(helloEvent())
	r.Close()

	if got := ft.textsFor(-2); len(got) != 2 {
		t.Fatalf("healthy chat got %d messages, want 2", len(got))
	}
}

func TestQueueOverflowDrops(t *testing.T) {
	s := newSettings(t, settings.ChatConfig{ChatID: -1, RoomID: 123})
	ft := &fakeTransport{block: make(chan struct{})}
	r := New(s, ft, Options{QueueSize: 1})

	queued := 0
	for i := 0; i < 5; i++ {
		queued += r.Handle(helloEvent())
	}
	// one in flight, one buffered
	if queued > 2 {
		t.Fatalf("queued %d with queue size 1", queued)
	}
	close(ft.block)
	r.Close()
	if got := len(ft.textsFor(-1)); got != queued {
		t.Fatalf("delivered %d, queued %d", got, queued)
	}
}

func TestChatRateLimit(t *testing.T) {
	s := newSettings(t, settings.ChatConfig{ChatID: -1, RoomID: 123})
	ft := &fakeTransport{}
	r := New(s, ft, Options{ChatRate: 0.001, ChatBurst: 1})
	for i := 0; i < 3; i++ {
		r.Handle(helloEvent())
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(ft.textsFor(-1)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first message not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The rest wait on the limiter and are dropped on Close.
	r.Close()
	if got := len(ft.textsFor(-1)); got != 1 {
		t.Fatalf("delivered %d, want 1", got)
	}
}

func TestRender(t *testing.T) {
	ev := helloEvent()
	ev.Sender.Username = "a<b>"
	ev.Text = "1 & 2"

	got := Render(ev, false)
	want := `<a href="https://space.bilibili.com/77#bilibili_77">a&lt;b&gt;</a>: 1 &amp; 2`
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
	if got := Render(ev, true); got != "1 &amp; 2" {
		t.Errorf("Render hidden = %q", got)
	}
}

func TestParseSenderLink(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://space.bilibili.com/77#bilibili_77", "bilibili_77", true},
		{"https://www.twitch.tv/foo#twitch_123", "twitch_123", true},
		{"https://example.com/", "", false},
		{"https://example.com/#nounderscore", "", false},
		{"https://example.com/#_77", "", false},
		{"https://example.com/#src_", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseSenderLink(tt.url)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseSenderLink(%q) = %q,%v want %q,%v", tt.url, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRenderRoundTripsThroughParse(t *testing.T) {
	ev := helloEvent()
	key, ok := ParseSenderLink(ev.Sender.URL + "#" + settings.SenderKey(ev.SourceID, ev.Sender.UID))
	if !ok || key != "bilibili_77" {
		t.Fatalf("ParseSenderLink = %q,%v", key, ok)
	}
}
