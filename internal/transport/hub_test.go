package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ringlink/internal/signal"
)

// newHubServer runs a Hub behind an httptest server that trusts the user
// query param. Auth is the HTTP layer's job and is tested there.
func newHubServer(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if user == "" {
			http.Error(w, "user required", http.StatusBadRequest)
			return
		}
		_ = hub.HandleWS(user, w, r)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL, user string) *Client {
	t.Helper()
	c := NewClient(wsURL+"?user="+user, "", nil)
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubRoutesSignalsBetweenClients(t *testing.T) {
	hub, wsURL := newHubServer(t)
	ctx := context.Background()

	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	got := make(chan signal.Signal, 8)
	bob.OnSignal(func(s signal.Signal) { got <- s })

	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	defer alice.Close()
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	defer bob.Close()

	waitFor(t, func() bool { return hub.IsOnline("alice") && hub.IsOnline("bob") }, "both online")

	err := alice.Send(ctx, "bob", signal.Signal{
		Type: signal.TypeRequest, CallID: "c1", Kind: signal.KindAudio,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case s := <-got:
		if s.Type != signal.TypeRequest || s.CallID != "c1" {
			t.Fatalf("unexpected signal: %+v", s)
		}
		// The hub, not the client, decides the sender identity.
		if s.FromID != "alice" {
			t.Fatalf("FromID = %s, want alice", s.FromID)
		}
		if s.Timestamp.IsZero() {
			t.Fatalf("timestamp should be stamped")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("signal never arrived")
	}
}

func TestHubBroadcastsPresence(t *testing.T) {
	hub, wsURL := newHubServer(t)
	ctx := context.Background()

	alice := dial(t, wsURL, "alice")
	ups := make(chan string, 8)
	downs := make(chan string, 8)
	alice.OnPeerConnected(func(id string) { ups <- id })
	alice.OnPeerDisconnected(func(id string) { downs <- id })

	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	defer alice.Close()
	waitFor(t, func() bool { return hub.IsOnline("alice") }, "alice online")

	bob := dial(t, wsURL, "bob")
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}

	select {
	case id := <-ups:
		if id != "bob" {
			t.Fatalf("connected peer = %s, want bob", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("peer-connected never arrived")
	}

	bob.Close()
	select {
	case id := <-downs:
		if id != "bob" {
			t.Fatalf("disconnected peer = %s, want bob", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("peer-disconnected never arrived")
	}
}

func TestHubDropsSignalToOfflinePeer(t *testing.T) {
	hub, wsURL := newHubServer(t)
	ctx := context.Background()

	alice := dial(t, wsURL, "alice")
	if err := alice.Connect(ctx); err != nil {
		t.Fatalf("alice connect: %v", err)
	}
	defer alice.Close()
	waitFor(t, func() bool { return hub.IsOnline("alice") }, "alice online")

	// No error surfaces; the wake path is the fallback for offline peers.
	err := alice.Send(ctx, "ghost", signal.Signal{Type: signal.TypeEnd, CallID: "c1"})
	if err != nil {
		t.Fatalf("send to offline peer: %v", err)
	}
	if hub.IsOnline("ghost") {
		t.Fatalf("ghost should not be online")
	}
}

func TestHubNewestConnectionWins(t *testing.T) {
	hub, wsURL := newHubServer(t)
	ctx := context.Background()

	first := dial(t, wsURL, "alice")
	if err := first.Connect(ctx); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	waitFor(t, func() bool { return hub.IsOnline("alice") }, "first online")

	second := dial(t, wsURL, "alice")
	got := make(chan signal.Signal, 1)
	second.OnSignal(func(s signal.Signal) { got <- s })
	if err := second.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	defer second.Close()

	bob := dial(t, wsURL, "bob")
	if err := bob.Connect(ctx); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	defer bob.Close()
	waitFor(t, func() bool { return hub.IsOnline("bob") }, "bob online")

	if err := bob.Send(ctx, "alice", signal.Signal{Type: signal.TypeEnd, CallID: "c1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case s := <-got:
		if s.CallID != "c1" {
			t.Fatalf("unexpected signal: %+v", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("newest connection never received the signal")
	}
}
