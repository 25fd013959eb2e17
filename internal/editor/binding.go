package editor

import (
	"errors"
	"sync"

	"draftroom/collab/internal/replica"
)

// ErrAlreadyBound is returned when Bind is called while a surface is attached.
var ErrAlreadyBound = errors.New("editor: surface already bound")

const historyLimit = 200

type scrollOrigin int

const (
	scrollIdle scrollOrigin = iota
	scrollFromEditor
	scrollFromPreview
)

// Binding connects one replica to at most one editing surface. Local edits
// flow surface -> replica, merged remote edits flow replica -> surface with
// cursor remapping, and the undo history stays local to this binding.
//
// The preview callback runs synchronously from replica notifications and
// must not call back into the replica or the binding.
type Binding struct {
	rep       *replica.Replica
	onPreview func(text string)

	mu            sync.Mutex
	surface       Surface
	scroll        ScrollSyncSurface
	bound         bool
	history       *undoStack
	scrollOrigin  scrollOrigin
	previewScroll func(ratio float64)
}

// NewBinding wires the binding into the replica's change feed. onPreview,
// when non nil, receives the full document text after every change so the
// caller can refresh a rendered preview.
func NewBinding(rep *replica.Replica, onPreview func(text string)) *Binding {
	b := &Binding{
		rep:       rep,
		onPreview: onPreview,
		history:   newUndoStack(historyLimit),
	}
	rep.OnChange(b.handleChange)
	return b
}

// SetPreviewScroller registers the preview pane's scroll setter. Call it
// before Bind.
func (b *Binding) SetPreviewScroller(fn func(ratio float64)) {
	b.previewScroll = fn
}

// Bind attaches the surface and seeds it from the replica. The binding never
// writes initial content into the shared document itself; the document is
// seeded by its single origin, the sync server's room, so two participants
// binding at the same moment cannot both insert it.
func (b *Binding) Bind(surface Surface) error {
	text := b.rep.Text()

	b.mu.Lock()
	if b.bound {
		b.mu.Unlock()
		return ErrAlreadyBound
	}
	b.surface = surface
	b.scroll, _ = surface.(ScrollSyncSurface)
	b.bound = true
	b.scrollOrigin = scrollIdle
	surface.SetValue(text)
	surface.OnLocalEdit(b.localEdit)
	b.mu.Unlock()
	return nil
}

// Unbind detaches the surface and clears the undo history. The replica keeps
// receiving remote changes; they are applied again on the next Bind via
// SetValue.
func (b *Binding) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.bound {
		return
	}
	b.surface.OnLocalEdit(nil)
	b.surface = nil
	b.scroll = nil
	b.bound = false
	b.history.clear()
}

// Bound reports whether a surface is currently attached.
func (b *Binding) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound
}

func (b *Binding) localEdit(pos, deleted int, inserted string) {
	b.mu.Lock()
	if !b.bound {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	before := []rune(b.rep.Text())
	var removed string
	if pos >= 0 && pos+deleted <= len(before) {
		removed = string(before[pos : pos+deleted])
	}
	if err := b.rep.ApplyLocalEdit(pos, deleted, inserted); err != nil {
		// The surface diverged from the replica; replay the replica text.
		b.resyncSurface()
		return
	}
	b.mu.Lock()
	b.history.push(historyEntry{pos: pos, deleted: removed, inserted: inserted})
	b.mu.Unlock()
}

func (b *Binding) resyncSurface() {
	text := b.rep.Text()
	b.mu.Lock()
	if b.bound {
		b.surface.SetValue(text)
	}
	b.mu.Unlock()
}

func (b *Binding) handleChange(ch replica.Change) {
	if ch.Origin == replica.OriginLocal {
		if b.onPreview != nil {
			b.onPreview(ch.Text)
		}
		return
	}
	b.mu.Lock()
	if b.bound {
		for _, s := range ch.Splices {
			anchor, head := b.surface.Selection()
			b.surface.ApplyRemote(s.Pos, s.Deleted, s.Inserted)
			b.surface.SetSelection(transformPos(anchor, s), transformPos(head, s))
			b.history.remap(s)
		}
	}
	b.mu.Unlock()
	if b.onPreview != nil {
		b.onPreview(ch.Text)
	}
}

// ReplaceAll swaps the entire document content, as conflict resolution does
// when adopting remote or merged text. The replacement is one local edit;
// the undo history is cleared because its positions no longer mean anything.
func (b *Binding) ReplaceAll(text string) error {
	if err := b.rep.ApplyLocalEdit(0, b.rep.Len(), text); err != nil {
		return err
	}
	b.mu.Lock()
	b.history.clear()
	if b.bound {
		b.surface.SetValue(text)
	}
	b.mu.Unlock()
	return nil
}

// Undo reverts the newest local edit. Returns false when the history is
// empty or the entry can no longer be applied.
func (b *Binding) Undo() bool {
	b.mu.Lock()
	e, ok := b.history.popUndo()
	b.mu.Unlock()
	if !ok {
		return false
	}
	return b.applyHistory(e.inverse())
}

// Redo reapplies the newest undone edit.
func (b *Binding) Redo() bool {
	b.mu.Lock()
	e, ok := b.history.popRedo()
	b.mu.Unlock()
	if !ok {
		return false
	}
	return b.applyHistory(e)
}

func (b *Binding) applyHistory(e historyEntry) bool {
	deleted := len([]rune(e.deleted))
	if err := b.rep.ApplyLocalEdit(e.pos, deleted, e.inserted); err != nil {
		return false
	}
	b.mu.Lock()
	if b.bound {
		b.surface.ApplyRemote(e.pos, deleted, e.inserted)
		caret := e.pos + len([]rune(e.inserted))
		b.surface.SetSelection(caret, caret)
	}
	b.mu.Unlock()
	return true
}

// EditorScrolled mirrors the editor's scroll position into the preview pane,
// unless this movement is the echo of a preview-initiated scroll.
func (b *Binding) EditorScrolled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scroll == nil || !b.bound {
		return
	}
	if b.scrollOrigin == scrollFromPreview {
		b.scrollOrigin = scrollIdle
		return
	}
	if b.previewScroll != nil {
		b.scrollOrigin = scrollFromEditor
		b.previewScroll(b.scroll.ScrollRatio())
	}
}

// PreviewScrolled mirrors a preview scroll into the editor, with the same
// echo suppression in the other direction.
func (b *Binding) PreviewScrolled(ratio float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scroll == nil || !b.bound {
		return
	}
	if b.scrollOrigin == scrollFromEditor {
		b.scrollOrigin = scrollIdle
		return
	}
	b.scrollOrigin = scrollFromPreview
	b.scroll.SetScrollRatio(ratio)
}
