package editor

import "draftroom/collab/internal/replica"

// historyEntry is one local edit as applied: undoing it deletes the inserted
// text and restores the deleted text at the same position.
type historyEntry struct {
	pos      int
	deleted  string
	inserted string
}

// inverse returns the splice that reverts the entry.
func (e historyEntry) inverse() historyEntry {
	return historyEntry{pos: e.pos, deleted: e.inserted, inserted: e.deleted}
}

// undoStack holds local edits only. Remote splices never enter the stack;
// instead they remap the recorded positions, and entries whose range a
// remote deletion destroyed are dropped rather than replayed against
// someone else's text.
type undoStack struct {
	undo  []historyEntry
	redo  []historyEntry
	limit int
}

func newUndoStack(limit int) *undoStack {
	return &undoStack{limit: limit}
}

func (u *undoStack) push(e historyEntry) {
	u.undo = append(u.undo, e)
	if len(u.undo) > u.limit {
		u.undo = u.undo[1:]
	}
	u.redo = u.redo[:0]
}

func (u *undoStack) popUndo() (historyEntry, bool) {
	if len(u.undo) == 0 {
		return historyEntry{}, false
	}
	e := u.undo[len(u.undo)-1]
	u.undo = u.undo[:len(u.undo)-1]
	u.redo = append(u.redo, e)
	return e, true
}

func (u *undoStack) popRedo() (historyEntry, bool) {
	if len(u.redo) == 0 {
		return historyEntry{}, false
	}
	e := u.redo[len(u.redo)-1]
	u.redo = u.redo[:len(u.redo)-1]
	u.undo = append(u.undo, e)
	return e, true
}

func (u *undoStack) clear() {
	u.undo = u.undo[:0]
	u.redo = u.redo[:0]
}

// remap adjusts every recorded entry for a remote splice. Entries that
// overlap the removed range are discarded from both stacks.
func (u *undoStack) remap(s replica.Splice) {
	u.undo = remapEntries(u.undo, s)
	u.redo = remapEntries(u.redo, s)
}

func remapEntries(entries []historyEntry, s replica.Splice) []historyEntry {
	shift := len([]rune(s.Inserted)) - s.Deleted
	out := entries[:0]
	for _, e := range entries {
		span := len([]rune(e.inserted))
		if span == 0 {
			span = 1
		}
		end := e.pos + span
		switch {
		case end <= s.Pos:
			out = append(out, e)
		case e.pos >= s.Pos+s.Deleted:
			e.pos += shift
			out = append(out, e)
		default:
			// Overlaps the remote edit; drop it.
		}
	}
	return out
}

// transformPos maps a buffer position through a splice.
func transformPos(pos int, s replica.Splice) int {
	if pos <= s.Pos {
		return pos
	}
	if pos >= s.Pos+s.Deleted {
		return pos + len([]rune(s.Inserted)) - s.Deleted
	}
	return s.Pos + len([]rune(s.Inserted))
}
