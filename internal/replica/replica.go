// Package replica holds the live CRDT document shared by everyone editing a
// page. Merging is delegated to automerge; this package adds change
// notification, splice extraction for editor bindings, and room identity.
package replica

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// contentKey is the document field holding the page body text.
const contentKey = "content"

// Origin distinguishes edits made through this replica from edits merged in
// from peers.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Splice is a single contiguous text replacement, positions in runes.
type Splice struct {
	Pos      int
	Deleted  int
	Inserted string
}

// Change describes one successful mutation of the replica.
type Change struct {
	Origin  Origin
	Text    string
	Splices []Splice
}

// Replica wraps one automerge document. All methods are safe for concurrent
// use; listeners are invoked synchronously under the replica's lock, so they
// must not call back into the replica.
type Replica struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	text      *automerge.Text
	lastText  string
	listeners []func(Change)
	closed    bool
}

// New creates an empty replica for the given actor. The actor id must be a
// hex string and unique per participant session.
//
// The content text object is NOT created here. Two sites independently
// creating it would race as concurrent map writes and one side's edits would
// be discarded on merge; instead exactly one origin (the room) calls
// EnsureContent and every other replica binds to the delivered object during
// sync.
func New(actorID string) (*Replica, error) {
	doc := automerge.New()
	if err := doc.SetActorID(actorID); err != nil {
		return nil, fmt.Errorf("set actor id: %w", err)
	}
	return &Replica{doc: doc}, nil
}

// Load restores a replica from a full snapshot produced by Save.
func Load(state []byte, actorID string) (*Replica, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if err := doc.SetActorID(actorID); err != nil {
		return nil, fmt.Errorf("set actor id: %w", err)
	}
	r := &Replica{doc: doc}
	if err := r.bindText(); err != nil {
		return nil, err
	}
	if r.text != nil {
		r.lastText, err = r.text.Get()
		if err != nil {
			return nil, fmt.Errorf("read content: %w", err)
		}
	}
	return r, nil
}

// EnsureContent creates the content text object if the document has none.
// Only the room origin should call this; see New.
func (r *Replica) EnsureContent() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureContentLocked()
}

func (r *Replica) ensureContentLocked() error {
	if r.text != nil {
		return nil
	}
	value, err := r.doc.Path(contentKey).Get()
	if err != nil {
		return fmt.Errorf("get content: %w", err)
	}
	if value.Kind() == automerge.KindVoid {
		text := automerge.NewText("")
		if err := r.doc.Path(contentKey).Set(text); err != nil {
			return fmt.Errorf("init content: %w", err)
		}
		r.text = text
		return nil
	}
	return r.bindValueLocked(value)
}

// bindText attaches r.text to a content object created elsewhere, if one has
// arrived. Unlike ensureContentLocked it never creates the object.
func (r *Replica) bindText() error {
	if r.text != nil {
		return nil
	}
	value, err := r.doc.Path(contentKey).Get()
	if err != nil {
		return fmt.Errorf("get content: %w", err)
	}
	if value.Kind() == automerge.KindVoid {
		return nil
	}
	return r.bindValueLocked(value)
}

func (r *Replica) bindValueLocked(value *automerge.Value) error {
	if value.Kind() != automerge.KindText {
		return fmt.Errorf("content field holds %v, expected text", value.Kind())
	}
	r.text = value.Text()
	return nil
}

// ApplyLocalEdit replaces deleted runes at pos with text and notifies
// listeners with a local-origin change.
func (r *Replica) ApplyLocalEdit(pos, deleted int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("replica is closed")
	}
	if err := r.ensureContentLocked(); err != nil {
		return err
	}
	length := r.text.Len()
	if pos < 0 || pos > length || deleted < 0 || pos+deleted > length {
		return fmt.Errorf("edit out of range: pos=%d deleted=%d len=%d", pos, deleted, length)
	}
	if err := r.text.Splice(pos, deleted, text); err != nil {
		return fmt.Errorf("splice: %w", err)
	}
	if _, err := r.doc.Commit("edit"); err != nil {
		return fmt.Errorf("commit edit: %w", err)
	}
	newText, err := r.text.Get()
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	r.lastText = newText
	r.notify(Change{
		Origin:  OriginLocal,
		Text:    newText,
		Splices: []Splice{{Pos: pos, Deleted: deleted, Inserted: text}},
	})
	return nil
}

// Text returns the current document body.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastText
}

// Len returns the body length in runes.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.text == nil {
		return 0
	}
	return r.text.Len()
}

// OnChange registers a listener fired after every successful local or remote
// mutation with the new full text.
func (r *Replica) OnChange(fn func(Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Replica) notify(change Change) {
	for _, fn := range r.listeners {
		fn(change)
	}
}

// Save returns a full snapshot suitable for Load.
func (r *Replica) Save() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// NewSyncState starts a sync conversation with one peer. Each connection
// needs its own state.
func (r *Replica) NewSyncState() *automerge.SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return automerge.NewSyncState(r.doc)
}

// ReceiveSyncMessage merges an inbound sync frame. Duplicate frames are
// harmless: changes already present are skipped, no change fires.
func (r *Replica) ReceiveSyncMessage(state *automerge.SyncState, raw []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("replica is closed")
	}
	if _, err := state.ReceiveMessage(raw); err != nil {
		return fmt.Errorf("receive sync message: %w", err)
	}
	// The content object originates at the room; bind to it when it arrives.
	if err := r.bindText(); err != nil {
		return err
	}
	if r.text == nil {
		return nil
	}
	newText, err := r.text.Get()
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	if newText == r.lastText {
		return nil
	}
	splice := diffSplice(r.lastText, newText)
	r.lastText = newText
	r.notify(Change{
		Origin:  OriginRemote,
		Text:    newText,
		Splices: []Splice{splice},
	})
	return nil
}

// GenerateSyncMessage produces the next outbound frame for the peer, or
// ok=false when the conversation is quiescent.
func (r *Replica) GenerateSyncMessage(state *automerge.SyncState) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := state.GenerateMessage()
	if !ok {
		return nil, false
	}
	return msg.Bytes(), true
}

// Close marks the replica unusable. Further edits fail; reads keep working
// so late async callbacks can still compare against the final text.
func (r *Replica) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.listeners = nil
}

// diffSplice reduces an old→new text transition to a single splice by
// trimming the common prefix and suffix. Concurrent multi-site updates may
// coalesce into one coarse splice; bindings only need a conservative region.
func diffSplice(oldText, newText string) Splice {
	oldRunes := []rune(oldText)
	newRunes := []rune(newText)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	return Splice{
		Pos:      prefix,
		Deleted:  len(oldRunes) - prefix - suffix,
		Inserted: string(newRunes[prefix : len(newRunes)-suffix]),
	}
}
