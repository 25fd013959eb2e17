package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"draftroom/collab/internal/awareness"
	"draftroom/collab/internal/replica"
)

// ClientConfig wires one replica to one room on a hub.
type ClientConfig struct {
	// URL is the websocket endpoint, e.g. ws://host/socket.
	URL     string
	RoomKey string

	Replica   *replica.Replica
	Awareness *awareness.Channel

	// OnSynced fires exactly once per (re)connect, after the replica has
	// caught up with the room's state. Until then the local buffer may be
	// missing remote history and must not drive autosave comparisons.
	OnSynced func()
	// OnConnectionChange reports transport liveness for the
	// "connecting…" indicator. Never an error dialog: reconnection is
	// automatic and no local edit is ever lost to a disconnect.
	OnConnectionChange func(connected bool)

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Dialer       *websocket.Dialer
}

// Client maintains the websocket to a room, resyncing the replica after
// every reconnect.
type Client struct {
	cfg ClientConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	syncState *automerge.SyncState
	synced    bool
	received  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" || cfg.RoomKey == "" || cfg.Replica == nil {
		return nil, fmt.Errorf("realtime client needs url, room key, and replica")
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 250 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	c := &Client{
		cfg:  cfg,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	// Local edits nudge the sender; the listener runs under the replica
	// lock so it only signals.
	cfg.Replica.OnChange(func(change replica.Change) {
		if change.Origin != replica.OriginLocal {
			return
		}
		select {
		case c.wake <- struct{}{}:
		default:
		}
	})
	return c, nil
}

// Connect starts the connection manager. It returns immediately; sync
// progress is reported through the configured callbacks.
func (c *Client) Connect(ctx context.Context) {
	c.wg.Add(2)
	go c.run(ctx)
	go c.pump()
}

// Disconnect announces departure, drops the connection, and stops
// reconnecting. Safe to call more than once.
func (c *Client) Disconnect() {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		if c.cfg.Awareness != nil {
			c.write(conn, websocket.TextMessage, c.cfg.Awareness.DeparturePayload())
		}
		_ = conn.Close()
	}
	c.wg.Wait()
}

// SendAwareness ships the local presence frame, dropped silently while
// disconnected (presence is ephemeral, there is nothing to retry).
func (c *Client) SendAwareness(payload []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.write(conn, websocket.TextMessage, payload)
	}
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	backoff := c.cfg.ReconnectMin
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL+"?room="+c.cfg.RoomKey, nil)
		if err != nil {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.ReconnectMax {
				backoff = c.cfg.ReconnectMax
			}
			continue
		}
		backoff = c.cfg.ReconnectMin

		c.mu.Lock()
		c.conn = conn
		c.syncState = c.cfg.Replica.NewSyncState()
		c.synced = false
		c.received = false
		c.mu.Unlock()

		if c.cfg.OnConnectionChange != nil {
			c.cfg.OnConnectionChange(true)
		}

		// Open the conversation and announce presence.
		c.kick()
		if c.cfg.Awareness != nil {
			c.write(conn, websocket.TextMessage, c.cfg.Awareness.LocalPayload())
		}

		c.readUntilClosed(conn)

		c.mu.Lock()
		c.conn = nil
		c.syncState = nil
		c.mu.Unlock()
		if c.cfg.Awareness != nil {
			c.cfg.Awareness.Reset()
		}
		if c.cfg.OnConnectionChange != nil {
			c.cfg.OnConnectionChange(false)
		}
	}
}

func (c *Client) readUntilClosed(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			c.mu.Lock()
			state := c.syncState
			c.mu.Unlock()
			if state == nil {
				return
			}
			if err := c.cfg.Replica.ReceiveSyncMessage(state, data); err != nil {
				log.Printf("realtime: client %s: %v", c.cfg.RoomKey, err)
				_ = conn.Close()
				return
			}
			c.mu.Lock()
			c.received = true
			c.mu.Unlock()
			c.kick()
		case websocket.TextMessage:
			if c.cfg.Awareness != nil {
				if err := c.cfg.Awareness.ApplyRemote(data); err != nil {
					log.Printf("realtime: client %s: %v", c.cfg.RoomKey, err)
				}
			}
		}
	}
}

// pump forwards local-edit wakeups to the active connection.
func (c *Client) pump() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			c.kick()
		}
	}
}

// kick drains pending outbound sync messages. When the conversation
// quiesces right after inbound traffic, the replica has caught up and the
// synced transition fires.
func (c *Client) kick() {
	c.mu.Lock()
	conn := c.conn
	state := c.syncState
	c.mu.Unlock()
	if conn == nil || state == nil {
		return
	}

	sent := false
	for {
		msg, ok := c.cfg.Replica.GenerateSyncMessage(state)
		if !ok {
			break
		}
		sent = true
		c.write(conn, websocket.BinaryMessage, msg)
	}

	c.mu.Lock()
	fire := !sent && c.received && !c.synced
	if fire {
		c.synced = true
	}
	c.mu.Unlock()
	if fire && c.cfg.OnSynced != nil {
		c.cfg.OnSynced()
	}
}

// Synced reports whether the current connection has completed its initial
// exchange.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Connected reports transport liveness.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(messageType, data); err != nil {
		_ = conn.Close()
	}
}
