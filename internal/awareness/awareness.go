// Package awareness tracks ephemeral per-participant presence: display name,
// cursor color, and current selection. Nothing here is persisted; a state
// lives exactly as long as its participant's connection.
package awareness

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Cursor is a selection in the shared document, rune offsets.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// State is one participant's presence payload. It is writable only by its
// originating participant; peers hold read-only copies.
type State struct {
	Name       string  `json:"name"`
	Color      string  `json:"color"`
	ColorLight string  `json:"colorLight"`
	Cursor     *Cursor `json:"cursor,omitempty"`
}

// Payload is the wire frame: a nil State announces departure.
type Payload struct {
	ClientID string `json:"clientId"`
	State    *State `json:"state"`
}

type peer struct {
	state  State
	seenAt time.Time
}

// Channel owns the local participant's state and mirrors remote ones.
type Channel struct {
	mu        sync.Mutex
	localID   string
	local     State
	peers     map[string]peer
	listeners []func()
	timeout   time.Duration
	now       func() time.Time
}

func NewChannel(localID string, local State, timeout time.Duration) *Channel {
	return &Channel{
		localID: localID,
		local:   local,
		peers:   make(map[string]peer),
		timeout: timeout,
		now:     time.Now,
	}
}

// SetLocalCursor updates the local selection and returns the frame to send.
func (c *Channel) SetLocalCursor(cursor *Cursor) []byte {
	c.mu.Lock()
	c.local.Cursor = cursor
	payload := c.encodeLocalLocked()
	c.mu.Unlock()
	c.fire()
	return payload
}

// LocalPayload returns the current local state frame, sent on connect and
// whenever a peer joins.
func (c *Channel) LocalPayload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encodeLocalLocked()
}

// DeparturePayload is sent on orderly disconnect.
func (c *Channel) DeparturePayload() []byte {
	raw, _ := json.Marshal(Payload{ClientID: c.localID})
	return raw
}

func (c *Channel) encodeLocalLocked() []byte {
	state := c.local
	raw, _ := json.Marshal(Payload{ClientID: c.localID, State: &state})
	return raw
}

// ApplyRemote merges a peer frame. Frames for the local id are ignored, the
// local state stays exclusively locally owned.
func (c *Channel) ApplyRemote(raw []byte) error {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode awareness payload: %w", err)
	}
	if payload.ClientID == "" || payload.ClientID == c.localID {
		return nil
	}
	c.mu.Lock()
	if payload.State == nil {
		delete(c.peers, payload.ClientID)
	} else {
		c.peers[payload.ClientID] = peer{state: *payload.State, seenAt: c.now()}
	}
	c.mu.Unlock()
	c.fire()
	return nil
}

// Peers returns a snapshot of live remote states, dropping any that have
// gone silent past the timeout.
func (c *Channel) Peers() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.timeout)
	out := make(map[string]State, len(c.peers))
	for id, p := range c.peers {
		if c.timeout > 0 && p.seenAt.Before(cutoff) {
			delete(c.peers, id)
			continue
		}
		out[id] = p.state
	}
	return out
}

// Reset drops every remote state, used when the transport disconnects.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.peers = make(map[string]peer)
	c.mu.Unlock()
	c.fire()
}

// OnChange registers a listener fired after every presence change.
func (c *Channel) OnChange(fn func()) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Channel) fire() {
	c.mu.Lock()
	listeners := append([]func(){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
