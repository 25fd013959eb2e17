// Package editor binds a document replica to an editing surface: local edit
// capture, remote splice application, cursor remapping, local-only undo, and
// scroll echo prevention.
package editor

import "sync"

// Surface is the active editing surface for a session. Exactly one variant
// is selected when the session opens; callers never probe per call.
//
// ApplyRemote must mutate the buffer without firing the local-edit callback,
// that is what keeps remote changes from echoing back into the replica.
//
// Implementations must be safe for concurrent use: the embedder types on its
// own goroutine while remote splices arrive from the sync connection's read
// goroutine.
type Surface interface {
	Value() string
	SetValue(value string)
	ApplyRemote(pos, deleted int, inserted string)
	Selection() (anchor, head int)
	SetSelection(anchor, head int)
	OnLocalEdit(fn func(pos, deleted int, inserted string))
}

// ScrollSyncSurface is the optional scroll capability; the binding checks
// for it once at bind time.
type ScrollSyncSurface interface {
	ScrollRatio() float64
	SetScrollRatio(ratio float64)
}

// DesktopSurface is the full-featured surface: selection, scroll sync, and
// programmatic typing helpers used by embedders and tests.
type DesktopSurface struct {
	// mu serializes embedder keystrokes with remote splices delivered from
	// the sync goroutine. It is never held across the local-edit callback.
	mu      sync.Mutex
	buffer  []rune
	anchor  int
	head    int
	scroll  float64
	onLocal func(pos, deleted int, inserted string)
}

func NewDesktopSurface() *DesktopSurface {
	return &DesktopSurface{}
}

func (s *DesktopSurface) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buffer)
}

func (s *DesktopSurface) SetValue(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = []rune(value)
	s.clampSelection()
}

func (s *DesktopSurface) ApplyRemote(pos, deleted int, inserted string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splice(pos, deleted, inserted)
}

func (s *DesktopSurface) Selection() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchor, s.head
}

func (s *DesktopSurface) SetSelection(anchor, head int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchor, s.head = anchor, head
	s.clampSelection()
}

func (s *DesktopSurface) OnLocalEdit(fn func(pos, deleted int, inserted string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLocal = fn
}

func (s *DesktopSurface) ScrollRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scroll
}

func (s *DesktopSurface) SetScrollRatio(ratio float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scroll = ratio
}

// Type inserts text at the cursor as a user keystroke would.
func (s *DesktopSurface) Type(text string) {
	s.mu.Lock()
	pos := s.head
	s.splice(pos, 0, text)
	s.head = pos + len([]rune(text))
	s.anchor = s.head
	fn := s.onLocal
	s.mu.Unlock()
	if fn != nil {
		fn(pos, 0, text)
	}
}

// DeleteBack removes count runes before the cursor.
func (s *DesktopSurface) DeleteBack(count int) {
	s.mu.Lock()
	if count > s.head {
		count = s.head
	}
	if count == 0 {
		s.mu.Unlock()
		return
	}
	pos := s.head - count
	s.splice(pos, count, "")
	s.head = pos
	s.anchor = pos
	fn := s.onLocal
	s.mu.Unlock()
	if fn != nil {
		fn(pos, count, "")
	}
}

// splice requires s.mu.
func (s *DesktopSurface) splice(pos, deleted int, inserted string) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(s.buffer) {
		pos = len(s.buffer)
	}
	if pos+deleted > len(s.buffer) {
		deleted = len(s.buffer) - pos
	}
	out := make([]rune, 0, len(s.buffer)-deleted+len([]rune(inserted)))
	out = append(out, s.buffer[:pos]...)
	out = append(out, []rune(inserted)...)
	out = append(out, s.buffer[pos+deleted:]...)
	s.buffer = out
	s.clampSelection()
}

// clampSelection requires s.mu.
func (s *DesktopSurface) clampSelection() {
	if s.anchor > len(s.buffer) {
		s.anchor = len(s.buffer)
	}
	if s.head > len(s.buffer) {
		s.head = len(s.buffer)
	}
}

// MobileSurface is the reduced surface: a plain text area with a single
// cursor, no selection range and no scroll sync.
type MobileSurface struct {
	mu      sync.Mutex
	buffer  []rune
	cursor  int
	onLocal func(pos, deleted int, inserted string)
}

func NewMobileSurface() *MobileSurface {
	return &MobileSurface{}
}

func (s *MobileSurface) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buffer)
}

func (s *MobileSurface) SetValue(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = []rune(value)
	if s.cursor > len(s.buffer) {
		s.cursor = len(s.buffer)
	}
}

func (s *MobileSurface) ApplyRemote(pos, deleted int, inserted string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splice(pos, deleted, inserted)
}

func (s *MobileSurface) Selection() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.cursor
}

func (s *MobileSurface) SetSelection(_, head int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = head
	if s.cursor > len(s.buffer) {
		s.cursor = len(s.buffer)
	}
	if s.cursor < 0 {
		s.cursor = 0
	}
}

func (s *MobileSurface) OnLocalEdit(fn func(pos, deleted int, inserted string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLocal = fn
}

// Type inserts text at the cursor.
func (s *MobileSurface) Type(text string) {
	s.mu.Lock()
	pos := s.cursor
	s.splice(pos, 0, text)
	s.cursor = pos + len([]rune(text))
	fn := s.onLocal
	s.mu.Unlock()
	if fn != nil {
		fn(pos, 0, text)
	}
}

// splice requires s.mu.
func (s *MobileSurface) splice(pos, deleted int, inserted string) {
	if pos < 0 || pos > len(s.buffer) {
		return
	}
	if pos+deleted > len(s.buffer) {
		deleted = len(s.buffer) - pos
	}
	out := make([]rune, 0, len(s.buffer)-deleted+len([]rune(inserted)))
	out = append(out, s.buffer[:pos]...)
	out = append(out, []rune(inserted)...)
	out = append(out, s.buffer[pos+deleted:]...)
	s.buffer = out
	if s.cursor > len(s.buffer) {
		s.cursor = len(s.buffer)
	}
}
