package awareness

import (
	"encoding/json"
	"testing"
	"time"
)

func TestApplyRemoteAddsAndRemovesPeers(t *testing.T) {
	c := NewChannel("me", State{Name: "alice", Color: "#30bced"}, time.Minute)

	joined, _ := json.Marshal(Payload{ClientID: "peer1", State: &State{Name: "bob", Cursor: &Cursor{Anchor: 3, Head: 3}}})
	if err := c.ApplyRemote(joined); err != nil {
		t.Fatalf("apply join: %v", err)
	}
	peers := c.Peers()
	if len(peers) != 1 || peers["peer1"].Name != "bob" {
		t.Fatalf("unexpected peers %+v", peers)
	}
	if peers["peer1"].Cursor == nil || peers["peer1"].Cursor.Anchor != 3 {
		t.Errorf("cursor not mirrored: %+v", peers["peer1"].Cursor)
	}

	departed, _ := json.Marshal(Payload{ClientID: "peer1"})
	if err := c.ApplyRemote(departed); err != nil {
		t.Fatalf("apply departure: %v", err)
	}
	if len(c.Peers()) != 0 {
		t.Error("peer not removed on departure")
	}
}

func TestLocalStateIsExclusivelyOwned(t *testing.T) {
	c := NewChannel("me", State{Name: "alice"}, time.Minute)

	hijack, _ := json.Marshal(Payload{ClientID: "me", State: &State{Name: "mallory"}})
	if err := c.ApplyRemote(hijack); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(c.Peers()) != 0 {
		t.Error("echo of local state must not create a peer")
	}

	var payload Payload
	if err := json.Unmarshal(c.LocalPayload(), &payload); err != nil {
		t.Fatalf("decode local payload: %v", err)
	}
	if payload.State == nil || payload.State.Name != "alice" {
		t.Errorf("local state was overwritten: %+v", payload.State)
	}
}

func TestStalePeersExpire(t *testing.T) {
	c := NewChannel("me", State{Name: "alice"}, 10*time.Second)
	current := time.Now()
	c.now = func() time.Time { return current }

	joined, _ := json.Marshal(Payload{ClientID: "peer1", State: &State{Name: "bob"}})
	if err := c.ApplyRemote(joined); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(c.Peers()) != 1 {
		t.Fatal("peer missing")
	}

	current = current.Add(11 * time.Second)
	if len(c.Peers()) != 0 {
		t.Error("stale peer not expired")
	}
}

func TestSetLocalCursorNotifiesAndEncodes(t *testing.T) {
	c := NewChannel("me", State{Name: "alice"}, time.Minute)
	fired := 0
	c.OnChange(func() { fired++ })

	raw := c.SetLocalCursor(&Cursor{Anchor: 5, Head: 9})
	if fired != 1 {
		t.Errorf("expected 1 change notification, got %d", fired)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.State.Cursor == nil || payload.State.Cursor.Head != 9 {
		t.Errorf("cursor not encoded: %+v", payload.State)
	}
}

func TestResetClearsPeers(t *testing.T) {
	c := NewChannel("me", State{Name: "alice"}, time.Minute)
	joined, _ := json.Marshal(Payload{ClientID: "peer1", State: &State{Name: "bob"}})
	_ = c.ApplyRemote(joined)

	c.Reset()
	if len(c.Peers()) != 0 {
		t.Error("reset left peers behind")
	}
}
