// Package realtime synchronizes document replicas over websockets. Binary
// frames carry automerge sync messages; text frames carry awareness JSON.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"draftroom/collab/internal/awareness"
	"draftroom/collab/internal/replica"
	"draftroom/collab/internal/util"
)

// RoomStore backs rooms with the revision store: the page's current revision
// body seeds a fresh room, and the room's document snapshot is persisted
// across hub restarts.
type RoomStore interface {
	CurrentRevisionBody(ctx context.Context, pageID string) (string, error)
	GetDocState(ctx context.Context, pageID string) ([]byte, time.Time, error)
	SaveDocState(ctx context.Context, pageID string, state []byte) error
}

// Hub owns one Room per document and upgrades websocket requests into room
// memberships.
type Hub struct {
	prefix   string
	store    RoomStore
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewHub(prefix string, store RoomStore) *Hub {
	return &Hub{
		prefix: prefix,
		store:  store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 14,
			WriteBufferSize: 1 << 14,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*Room),
	}
}

// ServeHTTP upgrades the request and joins the room named by ?room=.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomKey := r.URL.Query().Get("room")
	pageID, ok := replica.PageIDFromRoomKey(h.prefix, roomKey)
	if !ok {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	for {
		room, err := h.room(roomKey, pageID)
		if err != nil {
			log.Printf("realtime: open room %s: %v", roomKey, err)
			_ = ws.Close()
			return
		}
		if room.join(ws) {
			return
		}
		// Lost the race with a concurrent last-leave; the next lookup
		// recreates the room from the snapshot that leave persisted.
	}
}

// room returns the live room, loading the persisted snapshot on first join.
// A room created with no snapshot is seeded with the page's current revision
// body; the room is the single origin of the document content, so clients
// never race to insert it themselves.
func (h *Hub) room(roomKey, pageID string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[roomKey]; ok {
		return room, nil
	}

	var rep *replica.Replica
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if h.store != nil {
		state, _, err := h.store.GetDocState(ctx, pageID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			rep, err = replica.Load(state, util.NewID(""))
			if err != nil {
				return nil, err
			}
		}
	}
	if rep == nil {
		var err error
		rep, err = replica.New(util.NewID(""))
		if err != nil {
			return nil, err
		}
		if err := rep.EnsureContent(); err != nil {
			return nil, err
		}
		if h.store != nil {
			body, err := h.store.CurrentRevisionBody(ctx, pageID)
			if err != nil {
				return nil, err
			}
			if body != "" {
				if err := rep.ApplyLocalEdit(0, 0, body); err != nil {
					return nil, err
				}
			}
		}
	} else if err := rep.EnsureContent(); err != nil {
		return nil, err
	}

	room := &Room{
		key:     roomKey,
		pageID:  pageID,
		hub:     h,
		replica: rep,
		conns:   make(map[*roomConn]struct{}),
	}
	h.rooms[roomKey] = room
	return room, nil
}

// dropRoom persists the snapshot and forgets the room once it is empty. The
// closed flag is set in the same critical section that decides emptiness, so
// a joiner racing the last leave sees it and retries against a fresh room.
func (h *Hub) dropRoom(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room.mu.Lock()
	if len(room.conns) > 0 || room.closed {
		room.mu.Unlock()
		return
	}
	room.closed = true
	room.mu.Unlock()
	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.SaveDocState(ctx, room.pageID, room.replica.Save()); err != nil {
			log.Printf("realtime: persist room %s: %v", room.key, err)
		}
	}
	delete(h.rooms, room.key)
}

// RoomText exposes the live body of an open room. ok is false when nobody
// has the page open.
func (h *Hub) RoomText(roomKey string) (string, bool) {
	h.mu.Lock()
	room, ok := h.rooms[roomKey]
	h.mu.Unlock()
	if !ok {
		return "", false
	}
	return room.replica.Text(), true
}

// Room is one shared document with its connected participants.
type Room struct {
	key     string
	pageID  string
	hub     *Hub
	replica *replica.Replica

	mu     sync.Mutex
	conns  map[*roomConn]struct{}
	closed bool
}

type frame struct {
	messageType int
	data        []byte
}

type roomConn struct {
	ws       *websocket.Conn
	sync     *automerge.SyncState
	send     chan frame
	clientID string

	sendMu sync.Mutex
	closed bool
}

// join registers the connection. It reports false when the room was dropped
// between lookup and registration; the caller retries with a fresh room.
func (r *Room) join(ws *websocket.Conn) bool {
	c := &roomConn{
		ws:   ws,
		sync: r.replica.NewSyncState(),
		send: make(chan frame, 64),
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	go r.writeLoop(c)
	go r.readLoop(c)

	// Open the sync conversation so a quiet client still receives state.
	r.kick()
	return true
}

func (r *Room) readLoop(c *roomConn) {
	defer r.leave(c)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := r.replica.ReceiveSyncMessage(c.sync, data); err != nil {
				log.Printf("realtime: room %s: %v", r.key, err)
				return
			}
			r.kick()
		case websocket.TextMessage:
			var payload awareness.Payload
			if err := json.Unmarshal(data, &payload); err == nil && payload.ClientID != "" {
				c.clientID = payload.ClientID
			}
			r.broadcastExcept(c, frame{websocket.TextMessage, data})
		}
	}
}

func (r *Room) writeLoop(c *roomConn) {
	for f := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteMessage(f.messageType, f.data); err != nil {
			_ = c.ws.Close()
			// Keep draining so leave() can close the channel without
			// blocking senders.
			for range c.send {
			}
			return
		}
	}
	_ = c.ws.Close()
}

// kick advances the sync conversation with every connection until each is
// quiescent.
func (r *Room) kick() {
	r.mu.Lock()
	conns := make([]*roomConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		for {
			msg, ok := r.replica.GenerateSyncMessage(c.sync)
			if !ok {
				break
			}
			c.enqueue(frame{websocket.BinaryMessage, msg})
		}
	}
}

func (c *roomConn) enqueue(f frame) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
		// Slow consumer; drop the connection rather than stall the room.
		_ = c.ws.Close()
	}
}

func (r *Room) broadcastExcept(sender *roomConn, f frame) {
	r.mu.Lock()
	conns := make([]*roomConn, 0, len(r.conns))
	for c := range r.conns {
		if c != sender {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.enqueue(f)
	}
}

func (r *Room) leave(c *roomConn) {
	r.mu.Lock()
	if _, ok := r.conns[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c)
	r.mu.Unlock()

	c.sendMu.Lock()
	c.closed = true
	c.sendMu.Unlock()
	close(c.send)

	// Tell the others this participant's awareness state is gone.
	if c.clientID != "" {
		departed, _ := json.Marshal(awareness.Payload{ClientID: c.clientID})
		r.broadcastExcept(c, frame{websocket.TextMessage, departed})
	}

	r.hub.dropRoom(r)
}
