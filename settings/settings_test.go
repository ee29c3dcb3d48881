package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/danmaku-relay/apperrors"
)

func newTestSettings(t *testing.T) (*Settings, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	s, err := New(context.Background(), backend, NewMemoryStateStore(), GlobalDefaults{
		Admin:         []int64{1},
		Pattern:       ".*",
		DanmakuSource: "bilibili",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s, backend
}

func TestNewSeedsGlobalsOnce(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	if _, err := New(ctx, backend, NewMemoryStateStore(), GlobalDefaults{Pattern: "first"}); err != nil {
		t.Fatalf("New() error: %v", err)
	}
	s, err := New(ctx, backend, NewMemoryStateStore(), GlobalDefaults{Pattern: "second"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if got := s.Globals().Pattern; got != "first" {
		t.Errorf("Globals().Pattern = %q, want persisted %q", got, "first")
	}
}

func TestNewLoadsStoredChats(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	_ = backend.SaveChat(ctx, ChatConfig{ChatID: -1001, RoomID: 123})
	s, err := New(ctx, backend, NewMemoryStateStore(), GlobalDefaults{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	c, ok := s.Chat(-1001)
	if !ok || c.RoomID != 123 {
		t.Fatalf("Chat(-1001) = %+v, %v", c, ok)
	}
}

func TestEffectiveFallsBackToGlobals(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()
	_, err := s.UpdateChat(ctx, -1001, func(cfg *ChatConfig, _ bool) error {
		cfg.RoomID = 123
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateChat error: %v", err)
	}
	eff, ok := s.EffectiveChat(-1001)
	if !ok {
		t.Fatal("expected chat to exist")
	}
	if eff.Pattern != ".*" || eff.DanmakuSource != "bilibili" || !eff.HasAdmin(1) {
		t.Errorf("effective config = %+v, want global fallbacks", eff)
	}
	raw, _ := s.Chat(-1001)
	if raw.Pattern != "" || raw.DanmakuSource != "" || raw.Admin != nil {
		t.Errorf("stored config = %+v, want unset fields kept unset", raw)
	}
}

func TestUpdateExistingChatNotFound(t *testing.T) {
	s, backend := newTestSettings(t)
	_, err := s.UpdateExistingChat(context.Background(), -42, func(cfg *ChatConfig) error {
		cfg.Pattern = "x"
		return nil
	})
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if _, ok := backend.Stored(-42); ok {
		t.Error("missing chat must not be created")
	}
}

func TestUpdateChatValidationErrorLeavesConfig(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()
	_, _ = s.UpdateChat(ctx, -1002, func(cfg *ChatConfig, _ bool) error {
		cfg.Pattern = "^foo"
		return nil
	})
	_, err := s.UpdateExistingChat(ctx, -1002, func(cfg *ChatConfig) error {
		cfg.Pattern = "changed"
		return apperrors.Validation("bad")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if c, _ := s.Chat(-1002); c.Pattern != "^foo" {
		t.Errorf("Pattern = %q, want unchanged", c.Pattern)
	}
}

func TestUpdateChatBackendFailureLeavesCache(t *testing.T) {
	s, backend := newTestSettings(t)
	ctx := context.Background()
	_, _ = s.UpdateChat(ctx, -1002, func(cfg *ChatConfig, _ bool) error {
		cfg.Pattern = "^foo"
		return nil
	})
	backend.SaveErr = errors.New("disk full")
	hookRan := false
	_, err := s.UpdateExistingChat(ctx, -1002, func(cfg *ChatConfig) error {
		cfg.Pattern = "^bar"
		return nil
	}, func(before, after ChatConfig, existed bool) { hookRan = true })
	if err == nil {
		t.Fatal("expected backend error")
	}
	if hookRan {
		t.Error("commit hook must not run when the write fails")
	}
	if c, _ := s.Chat(-1002); c.Pattern != "^foo" {
		t.Errorf("Pattern = %q, want unchanged", c.Pattern)
	}
}

func TestUpdateChatDoesNotAliasPreviousValue(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()
	before, _ := s.UpdateChat(ctx, -1, func(cfg *ChatConfig, _ bool) error {
		cfg.BlockedUsers = []string{"bilibili_1"}
		return nil
	})
	_, _ = s.UpdateExistingChat(ctx, -1, func(cfg *ChatConfig) error {
		cfg.BlockedUsers[0] = "bilibili_2"
		return nil
	})
	if before.BlockedUsers[0] != "bilibili_1" {
		t.Errorf("earlier snapshot mutated: %v", before.BlockedUsers)
	}
}

func TestCommitHookSeesBeforeAndAfter(t *testing.T) {
	s, _ := newTestSettings(t)
	var gotBefore, gotAfter ChatConfig
	var gotExisted bool
	_, err := s.UpdateChat(context.Background(), -7, func(cfg *ChatConfig, _ bool) error {
		cfg.RoomID = 5
		return nil
	}, func(before, after ChatConfig, existed bool) {
		gotBefore, gotAfter, gotExisted = before, after, existed
	})
	if err != nil {
		t.Fatalf("UpdateChat error: %v", err)
	}
	if gotExisted || gotBefore.RoomID != 0 || gotAfter.RoomID != 5 || gotAfter.ChatID != -7 {
		t.Errorf("hook got before=%+v after=%+v existed=%v", gotBefore, gotAfter, gotExisted)
	}
}

func TestConcurrentUpdatesOfOneChatDoNotInterleave(t *testing.T) {
	s, backend := newTestSettings(t)
	ctx := context.Background()
	_, _ = s.UpdateChat(ctx, -1, func(cfg *ChatConfig, _ bool) error { return nil })

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpdateExistingChat(ctx, -1, func(cfg *ChatConfig) error {
				cfg.AddBlockedUser(fmt.Sprintf("bilibili_%d", i))
				return nil
			})
			if err != nil {
				t.Errorf("UpdateExistingChat error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	c, _ := s.Chat(-1)
	if len(c.BlockedUsers) != n {
		t.Errorf("len(BlockedUsers) = %d, want %d", len(c.BlockedUsers), n)
	}
	stored, _ := backend.Stored(-1)
	if len(stored.BlockedUsers) != n {
		t.Errorf("persisted len(BlockedUsers) = %d, want %d", len(stored.BlockedUsers), n)
	}
}

func TestWithChatLockExcludesUpdates(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()
	_, _ = s.UpdateChat(ctx, -1, func(cfg *ChatConfig, _ bool) error { cfg.RoomID = 1; return nil })

	inside := make(chan struct{})
	leave := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.WithChatLock(-1, func() {
			close(inside)
			<-leave
		})
	}()
	<-inside
	go func() {
		_, _ = s.UpdateExistingChat(ctx, -1, func(cfg *ChatConfig) error { cfg.RoomID = 2; return nil })
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("update ran while the chat lock was held")
	case <-time.After(30 * time.Millisecond):
	}
	if c, _ := s.Chat(-1); c.RoomID != 1 {
		t.Fatalf("RoomID = %d while locked", c.RoomID)
	}
	close(leave)
	<-done
	if c, _ := s.Chat(-1); c.RoomID != 2 {
		t.Fatalf("RoomID = %d, want 2", c.RoomID)
	}

	// Other chats are not blocked.
	s.WithChatLock(-1, func() {
		if _, err := s.UpdateChat(ctx, -2, func(cfg *ChatConfig, _ bool) error { return nil }); err != nil {
			t.Errorf("UpdateChat(-2) error: %v", err)
		}
	})
}

func TestDeleteChat(t *testing.T) {
	s, backend := newTestSettings(t)
	ctx := context.Background()
	_, _ = s.UpdateChat(ctx, -1001, func(cfg *ChatConfig, _ bool) error {
		cfg.RoomID = 123
		return nil
	})
	var removed ChatConfig
	if err := s.DeleteChat(ctx, -1001, func(c ChatConfig) { removed = c }); err != nil {
		t.Fatalf("DeleteChat error: %v", err)
	}
	if removed.RoomID != 123 {
		t.Errorf("hook removed = %+v", removed)
	}
	if _, ok := s.Chat(-1001); ok {
		t.Error("chat still present after delete")
	}
	if _, ok := backend.Stored(-1001); ok {
		t.Error("chat still persisted after delete")
	}
	if err := s.DeleteChat(ctx, -1001); !apperrors.Is(err, apperrors.KindNotFound) {
		t.Errorf("second delete err = %v, want not found", err)
	}
}

func TestUpdateGlobals(t *testing.T) {
	s, backend := newTestSettings(t)
	ctx := context.Background()
	var before, after GlobalDefaults
	_, err := s.UpdateGlobals(ctx, func(g *GlobalDefaults) error {
		g.DanmakuSource = "douyu"
		return nil
	}, func(b, a GlobalDefaults) { before, after = b, a })
	if err != nil {
		t.Fatalf("UpdateGlobals error: %v", err)
	}
	if before.DanmakuSource != "bilibili" || after.DanmakuSource != "douyu" {
		t.Errorf("hook before=%+v after=%+v", before, after)
	}
	g, ok, _ := backend.LoadGlobals(ctx)
	if !ok || g.DanmakuSource != "douyu" {
		t.Errorf("persisted globals = %+v", g)
	}
}

func TestUserStateLifecycle(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()

	st, err := s.UserState(ctx, 10)
	if err != nil || st.Code != StateIdle {
		t.Fatalf("initial state = %+v, %v; want idle", st, err)
	}
	_ = s.SetUserState(ctx, 10, UserState{Code: StateAwaitingPattern, ChatID: -1})
	_ = s.SetUserState(ctx, 10, UserState{Code: StateAwaitingAdmin, ChatID: -2})
	st, _ = s.UserState(ctx, 10)
	if st.Code != StateAwaitingAdmin || st.ChatID != -2 {
		t.Errorf("state = %+v, want the later state to replace the earlier one", st)
	}
	_ = s.ClearUserState(ctx, 10)
	st, _ = s.UserState(ctx, 10)
	if st.Code != StateIdle {
		t.Errorf("state after clear = %v, want idle", st.Code)
	}
}

func TestChatsOrderedByID(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()
	for _, id := range []int64{5, -3, 2} {
		_, _ = s.UpdateChat(ctx, id, func(cfg *ChatConfig, _ bool) error { return nil })
	}
	chats := s.Chats()
	if len(chats) != 3 || chats[0].ChatID != -3 || chats[1].ChatID != 2 || chats[2].ChatID != 5 {
		t.Errorf("Chats() order = %+v", chats)
	}
}

func TestBlockedUserHelpers(t *testing.T) {
	var c ChatConfig
	key := SenderKey("bilibili", 77)
	if key != "bilibili_77" {
		t.Fatalf("SenderKey = %q", key)
	}
	if !c.AddBlockedUser(key) || c.AddBlockedUser(key) {
		t.Error("AddBlockedUser should add once")
	}
	if !c.IsBlocked(key) {
		t.Error("expected blocked")
	}
	if !c.RemoveBlockedUser(key) || c.RemoveBlockedUser(key) {
		t.Error("RemoveBlockedUser should remove once")
	}
}

func TestStateCodeString(t *testing.T) {
	if StateAwaitingSchedules.String() != "awaiting_schedules" {
		t.Errorf("String() = %q", StateAwaitingSchedules.String())
	}
	if StateCode(42).String() != "state(42)" {
		t.Errorf("String() = %q", StateCode(42).String())
	}
}
