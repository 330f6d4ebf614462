package presence

import (
	"testing"
	"time"
)

func TestOnlineSetFollowsTransportEvents(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	if tr.IsOnline("bob") {
		t.Fatalf("bob should start offline")
	}
	tr.PeerConnected("bob")
	if !tr.IsOnline("bob") {
		t.Fatalf("bob should be online")
	}
	tr.PeerDisconnected("bob")
	if tr.IsOnline("bob") {
		t.Fatalf("bob should be offline again")
	}
}

func TestTypingExpiresAfterIdleWindow(t *testing.T) {
	tr := NewTracker().WithTypingIdle(30 * time.Millisecond)
	defer tr.Close()

	tr.Typing("bob")
	if !tr.IsTyping("bob") {
		t.Fatalf("typing hint should be fresh")
	}

	deadline := time.Now().Add(time.Second)
	for tr.IsTyping("bob") {
		if time.Now().After(deadline) {
			t.Fatalf("typing hint never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTypingRefreshExtendsWindow(t *testing.T) {
	tr := NewTracker().WithTypingIdle(50 * time.Millisecond)
	defer tr.Close()

	tr.Typing("bob")
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		tr.Typing("bob")
	}
	// 80ms elapsed, but the hint was refreshed 20ms ago.
	if !tr.IsTyping("bob") {
		t.Fatalf("refreshed typing hint should still be fresh")
	}
}

func TestDisconnectClearsTyping(t *testing.T) {
	tr := NewTracker()
	defer tr.Close()

	tr.PeerConnected("bob")
	tr.Typing("bob")
	tr.PeerDisconnected("bob")
	if tr.IsTyping("bob") {
		t.Fatalf("disconnect should clear typing state")
	}
}
