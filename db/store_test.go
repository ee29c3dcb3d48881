package db_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/onnwee/danmaku-relay/db"
	"github.com/onnwee/danmaku-relay/settings"
	"github.com/onnwee/danmaku-relay/testutil"
)

func TestStoreChats(t *testing.T) {
	database := testutil.SetupTestDB(t)
	s := db.NewStore(database)
	ctx := context.Background()

	chats := []settings.ChatConfig{
		{ChatID: -1001, RoomID: 123},
		{
			ChatID:        -1002,
			RoomID:        456,
			DanmakuSource: "douyu",
			Pattern:       "^foo",
			Admin:         []int64{1, 2},
			BlockedUsers:  []string{"douyu_7"},
			HideUsername:  true,
			Schedules:     []settings.Schedule{{Expression: "0 0 20 * * *", Action: "send_text hi"}},
		},
		{ChatID: -1003, RoomID: 1, Admin: []int64{}},
	}
	for _, c := range chats {
		if err := s.SaveChat(ctx, c); err != nil {
			t.Fatalf("SaveChat(%d): %v", c.ChatID, err)
		}
	}
	got, err := s.ListChats(ctx)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListChats returned %d chats", len(got))
	}
	if got[0].Admin != nil {
		t.Errorf("unset admins came back as %v", got[0].Admin)
	}
	if got[2].Admin == nil || len(got[2].Admin) != 0 {
		t.Errorf("empty admin list came back as %#v", got[2].Admin)
	}
	if !reflect.DeepEqual(got[1], chats[1]) {
		t.Errorf("chat = %+v, want %+v", got[1], chats[1])
	}

	chats[1].Pattern = "^bar"
	if err := s.SaveChat(ctx, chats[1]); err != nil {
		t.Fatalf("SaveChat update: %v", err)
	}
	if err := s.DeleteChat(ctx, -1001); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if err := s.DeleteChat(ctx, -9999); err != nil {
		t.Fatalf("DeleteChat missing: %v", err)
	}
	got, _ = s.ListChats(ctx)
	if len(got) != 2 || got[0].ChatID != -1002 || got[0].Pattern != "^bar" {
		t.Fatalf("after update/delete: %+v", got)
	}
}

func TestStoreGlobals(t *testing.T) {
	s := db.NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	if _, ok, err := s.LoadGlobals(ctx); err != nil || ok {
		t.Fatalf("LoadGlobals on empty db = ok %v, err %v", ok, err)
	}
	want := settings.GlobalDefaults{Admin: []int64{9}, Pattern: ".*", DanmakuSource: "bilibili"}
	if err := s.SaveGlobals(ctx, want); err != nil {
		t.Fatalf("SaveGlobals: %v", err)
	}
	want.Pattern = "^x"
	if err := s.SaveGlobals(ctx, want); err != nil {
		t.Fatalf("SaveGlobals overwrite: %v", err)
	}
	got, ok, err := s.LoadGlobals(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadGlobals = ok %v, err %v", ok, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("globals = %+v, want %+v", got, want)
	}
}

func TestStoreUserStates(t *testing.T) {
	s := db.NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	if _, ok, err := s.GetUserState(ctx, 1); err != nil || ok {
		t.Fatalf("GetUserState on empty db = ok %v, err %v", ok, err)
	}
	st := settings.UserState{Code: settings.StateAwaitingBlockedUsers, ChatID: -1002, ReplyChatID: 501, ReplyMessageID: 77}
	if err := s.SetUserState(ctx, 1, st); err != nil {
		t.Fatalf("SetUserState: %v", err)
	}
	st.Code = settings.StateAwaitingPattern
	if err := s.SetUserState(ctx, 1, st); err != nil {
		t.Fatalf("SetUserState overwrite: %v", err)
	}
	got, ok, err := s.GetUserState(ctx, 1)
	if err != nil || !ok || got != st {
		t.Fatalf("GetUserState = %+v, %v, %v; want %+v", got, ok, err, st)
	}
	if err := s.ClearUserState(ctx, 1); err != nil {
		t.Fatalf("ClearUserState: %v", err)
	}
	if _, ok, _ := s.GetUserState(ctx, 1); ok {
		t.Fatal("state survived ClearUserState")
	}
}

func TestSettingsOverStore(t *testing.T) {
	store := db.NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()
	defaults := settings.GlobalDefaults{Pattern: ".*", DanmakuSource: "bilibili"}

	s, err := settings.New(ctx, store, store, defaults)
	if err != nil {
		t.Fatalf("settings.New: %v", err)
	}
	if _, err := s.UpdateChat(ctx, -1002, func(c *settings.ChatConfig, _ bool) error {
		c.RoomID = 123
		return nil
	}); err != nil {
		t.Fatalf("UpdateChat: %v", err)
	}

	// A restart sees the same chats and seeded defaults.
	s2, err := settings.New(ctx, store, store, settings.GlobalDefaults{Pattern: "ignored"})
	if err != nil {
		t.Fatalf("settings.New after restart: %v", err)
	}
	if c, ok := s2.EffectiveChat(-1002); !ok || c.RoomID != 123 || c.DanmakuSource != "bilibili" {
		t.Fatalf("EffectiveChat after restart = %+v, %v", c, ok)
	}
	if g := s2.Globals(); g.Pattern != ".*" {
		t.Fatalf("defaults reseeded: %+v", g)
	}
}
