// Package editing assembles one user's live editing session for a page: the
// shared document replica, websocket sync, the editor binding, presence, the
// revision reconciliation machine, and save coordination. A controller owns
// at most one session; opening a page tears the previous session down.
package editing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"draftroom/collab/internal/awareness"
	"draftroom/collab/internal/editor"
	"draftroom/collab/internal/notify"
	"draftroom/collab/internal/realtime"
	"draftroom/collab/internal/reconcile"
	"draftroom/collab/internal/replica"
	"draftroom/collab/internal/save"
	"draftroom/collab/internal/util"
)

// ErrSessionClosed is returned by session operations after navigation moved
// on to another page.
var ErrSessionClosed = errors.New("editing: session closed")

// Config is shared by every session a controller opens.
//
// The callbacks run on internal goroutines and must not call back into the
// session or the controller.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://host/socket.
	ServerURL  string
	RoomPrefix string
	UserName   string

	Coordinator *save.Coordinator
	// Bus delivers page-updated push notifications. Optional; without it
	// conflicts are only detected at save time.
	Bus    *notify.Bus
	Logger *log.Logger

	AwarenessTimeout time.Duration

	// OnPreview receives the full document text after every change so the
	// embedder can re-render the page preview.
	OnPreview func(pageID, text string)
	// OnTransition reports reconciliation state changes.
	OnTransition func(pageID string, tr reconcile.Transition)
	// OnSaveComplete runs after SaveAndReturn persisted a revision, e.g. to
	// leave the editor and show the page view.
	OnSaveComplete func(pageID string, rev save.Revision)
}

// Controller opens and tears down sessions as the user navigates between
// pages. Late async results from a torn-down session are dropped by
// checking the session is still the active one before they act.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	active *Session
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.ServerURL == "" || cfg.RoomPrefix == "" || cfg.UserName == "" {
		return nil, fmt.Errorf("editing controller needs server url, room prefix, and user name")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("editing controller needs a save coordinator")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.AwarenessTimeout <= 0 {
		cfg.AwarenessTimeout = 30 * time.Second
	}
	return &Controller{cfg: cfg}, nil
}

// Open starts editing a page on the given surface. baseRevisionID is the
// revision the page view rendered and initialValue is its body; it is shown
// on the surface while the first sync runs. The shared document itself is
// seeded by the sync server's room, never by the session, so concurrent
// openers cannot insert the content twice.
func (c *Controller) Open(ctx context.Context, pageID, baseRevisionID, initialValue string, surface editor.Surface) (*Session, error) {
	c.mu.Lock()
	prev := c.active
	c.active = nil
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	rep, err := replica.New(util.NewID(""))
	if err != nil {
		return nil, err
	}

	color, colorLight := util.ColorForName(c.cfg.UserName)
	s := &Session{
		controller: c,
		cfg:        c.cfg,
		pageID:     pageID,
		rep:        rep,
		machine:    reconcile.NewMachine(baseRevisionID),
		aw: awareness.NewChannel(util.NewID("client"), awareness.State{
			Name:       c.cfg.UserName,
			Color:      color,
			ColorLight: colorLight,
		}, c.cfg.AwarenessTimeout),
		surface:      surface,
		initialValue: initialValue,
	}
	s.binding = editor.NewBinding(rep, s.previewChanged)
	// Changes arriving before the first sync completes are the room's seed
	// and history, not local modifications.
	s.suppressDirty.Store(true)
	surface.SetValue(initialValue)

	rep.OnChange(func(ch replica.Change) {
		if s.suppressDirty.Load() {
			return
		}
		s.machine.MarkDirty()
	})
	s.machine.OnTransition(func(tr reconcile.Transition) {
		if c.cfg.OnTransition != nil && c.isActive(s) {
			c.cfg.OnTransition(pageID, tr)
		}
	})

	client, err := realtime.NewClient(realtime.ClientConfig{
		URL:       c.cfg.ServerURL,
		RoomKey:   replica.RoomKey(c.cfg.RoomPrefix, pageID),
		Replica:   rep,
		Awareness: s.aw,
		OnSynced:  s.synced,
	})
	if err != nil {
		rep.Close()
		return nil, err
	}
	s.client = client

	if c.cfg.Bus != nil {
		sub, err := c.cfg.Bus.SubscribePage(ctx, pageID)
		if err != nil {
			rep.Close()
			return nil, err
		}
		s.sub = sub
		go s.watchNotifications()
	}

	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	client.Connect(ctx)
	return s, nil
}

// Close tears down the active session, if any.
func (c *Controller) Close() {
	c.mu.Lock()
	prev := c.active
	c.active = nil
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}
}

// Active returns the current session, or nil.
func (c *Controller) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) isActive(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == s
}

// Session is one page's live editing context.
type Session struct {
	controller *Controller
	cfg        Config
	pageID     string

	rep     *replica.Replica
	binding *editor.Binding
	aw      *awareness.Channel
	client  *realtime.Client
	machine *reconcile.Machine
	sub     *notify.Subscription

	surface      editor.Surface
	initialValue string
	bindOnce     sync.Once

	suppressDirty atomic.Bool

	mu      sync.Mutex
	preview string
	closed  bool
}

// synced runs on the first sync quiescence of every connect. The surface is
// bound on the first one only; reconnects resume with the surface attached.
// When the synced document already differs from the rendered revision body,
// the room holds an unsaved draft and the session starts dirty.
func (s *Session) synced() {
	s.bindOnce.Do(func() {
		if err := s.binding.Bind(s.surface); err != nil {
			s.cfg.Logger.Printf("bind surface page=%s: %v", s.pageID, err)
		}
		s.suppressDirty.Store(false)
		if s.rep.Text() != s.initialValue {
			s.machine.MarkDirty()
		}
	})
}

func (s *Session) previewChanged(text string) {
	s.mu.Lock()
	s.preview = text
	s.mu.Unlock()
	if s.cfg.OnPreview != nil && s.controller.isActive(s) {
		s.cfg.OnPreview(s.pageID, text)
	}
}

func (s *Session) watchNotifications() {
	for ev := range s.sub.Events() {
		if !s.controller.isActive(s) {
			return
		}
		s.machine.RemoteRevisionReported(ev.RevisionID, ev.RevisionBody, ev.AuthorName, ev.CreatedAt, s.rep.Text())
	}
}

func (s *Session) PageID() string { return s.pageID }

func (s *Session) Text() string { return s.rep.Text() }

// Preview returns the text the preview pane last rendered.
func (s *Session) Preview() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview
}

func (s *Session) State() reconcile.State { return s.machine.State() }

func (s *Session) Conflict() *reconcile.ConflictContext { return s.machine.Conflict() }

func (s *Session) Synced() bool { return s.client.Synced() }

func (s *Session) Connected() bool { return s.client.Connected() }

// Binding exposes undo, redo, and scroll sync for the bound surface.
func (s *Session) Binding() *editor.Binding { return s.binding }

// Peers lists the other participants currently editing the page.
func (s *Session) Peers() map[string]awareness.State { return s.aw.Peers() }

// SetCursor publishes the local cursor to the room.
func (s *Session) SetCursor(anchor, head int) {
	frame := s.aw.SetLocalCursor(&awareness.Cursor{Anchor: anchor, Head: head})
	s.client.SendAwareness(frame)
}

// Save persists the current content as a new revision on top of the
// session's base revision. A conflict moves the machine into the conflict
// state and returns the underlying *save.ConflictError.
func (s *Session) Save(ctx context.Context) (save.Revision, error) {
	if !s.controller.isActive(s) {
		return save.Revision{}, ErrSessionClosed
	}
	if err := s.machine.BeginSave(); err != nil {
		return save.Revision{}, err
	}
	body := s.rep.Text()
	base := s.machine.BaseRevisionID()

	rev, err := s.cfg.Coordinator.Save(ctx, s.pageID, base, body, s.cfg.UserName)
	if err != nil {
		var conflict *save.ConflictError
		if errors.As(err, &conflict) {
			s.machine.SaveConflicted(conflict.Current.ID, conflict.Current.Body,
				conflict.Current.AuthorName, conflict.Current.CreatedAt, body)
		} else {
			s.machine.SaveFailed()
		}
		return save.Revision{}, err
	}
	if err := s.machine.SaveSucceeded(rev.ID); err != nil {
		return rev, err
	}
	return rev, nil
}

// SaveAndReturn saves and then hands control back to the page view through
// the OnSaveComplete callback.
func (s *Session) SaveAndReturn(ctx context.Context) error {
	rev, err := s.Save(ctx)
	if err != nil {
		return err
	}
	if s.cfg.OnSaveComplete != nil && s.controller.isActive(s) {
		s.cfg.OnSaveComplete(s.pageID, rev)
	}
	return nil
}

// ResolveWithRemote discards local content and loads the conflicting remote
// revision into the editor.
func (s *Session) ResolveWithRemote() error {
	body, err := s.machine.ResolveWithRemote()
	if err != nil {
		return err
	}
	s.suppressDirty.Store(true)
	defer s.suppressDirty.Store(false)
	return s.binding.ReplaceAll(body)
}

// ResolveWithLocal keeps the local content, rebases onto the remote
// revision, and retries the save.
func (s *Session) ResolveWithLocal(ctx context.Context) (save.Revision, error) {
	if _, err := s.machine.ResolveWithLocal(); err != nil {
		return save.Revision{}, err
	}
	return s.Save(ctx)
}

// ResolveWithMerged loads externally merged content into the editor and
// saves it on top of the remote revision.
func (s *Session) ResolveWithMerged(ctx context.Context, merged string) (save.Revision, error) {
	if _, err := s.machine.ResolveWithMerged(merged); err != nil {
		return save.Revision{}, err
	}
	if err := s.binding.ReplaceAll(merged); err != nil {
		return save.Revision{}, err
	}
	return s.Save(ctx)
}

// BeginResolve marks that the conflict resolver is open.
func (s *Session) BeginResolve() error { return s.machine.BeginResolve() }

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Disconnect()
	if s.sub != nil {
		s.sub.Close()
	}
	s.binding.Unbind()
	s.rep.Close()
}
