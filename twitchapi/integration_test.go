package twitchapi_test

import (
	"context"
	"testing"

	"github.com/onnwee/danmaku-relay/testutil"
	"github.com/onnwee/danmaku-relay/twitchapi"
)

func TestChannelLoginWithAppToken(t *testing.T) {
	srv := testutil.NewFakeHelix(t, "client", "app-token")
	srv.AddUser("4242", "streamer")
	srv.AddUser("7", "other")

	ctx := context.Background()
	hc := &twitchapi.HelixClient{
		ClientID: "client",
		Tokens:   twitchapi.NewAppTokenSource(ctx, "client", "secret", srv.URL+"/oauth2/token"),
		BaseURL:  srv.URL + "/helix",
	}
	login, err := hc.ChannelLogin(ctx, 4242)
	if err != nil {
		t.Fatalf("ChannelLogin: %v", err)
	}
	if login != "streamer" {
		t.Fatalf("login = %s, want streamer", login)
	}
	if login, err := hc.ChannelLogin(ctx, 7); err != nil || login != "other" {
		t.Fatalf("ChannelLogin(7) = %q, %v", login, err)
	}
	if _, err := hc.ChannelLogin(ctx, 1); err == nil {
		t.Fatal("expected error for unknown room")
	}
	if n := srv.TokensIssued(); n != 1 {
		t.Errorf("tokens issued = %d, want 1", n)
	}
}

func TestChannelLoginRejectsWrongClient(t *testing.T) {
	srv := testutil.NewFakeHelix(t, "client", "app-token")
	srv.AddUser("4242", "streamer")

	ctx := context.Background()
	hc := &twitchapi.HelixClient{
		ClientID: "someone-else",
		Tokens:   twitchapi.NewAppTokenSource(ctx, "someone-else", "secret", srv.URL+"/oauth2/token"),
		BaseURL:  srv.URL + "/helix",
	}
	if _, err := hc.ChannelLogin(ctx, 4242); err == nil {
		t.Fatal("expected error for rejected client id")
	}
}
