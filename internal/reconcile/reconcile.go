// Package reconcile tracks how an editing session's local content relates to
// the page's persisted revision: clean, locally modified, saving, or in
// conflict with a newer remote revision.
package reconcile

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClean State = iota
	StateDirty
	StateSaving
	StateConflict
	StateResolving
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateSaving:
		return "saving"
	case StateConflict:
		return "conflict"
	case StateResolving:
		return "resolving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotSavable is returned by BeginSave outside the dirty state.
	ErrNotSavable = errors.New("reconcile: nothing to save in current state")
	// ErrNoConflict is returned by resolution calls when no conflict is open.
	ErrNoConflict = errors.New("reconcile: no open conflict")
	// ErrNotSaving is returned by save outcome calls outside the saving state.
	ErrNotSaving = errors.New("reconcile: no save in progress")
)

// ConflictContext is the single open conflict of a session. A newer remote
// revision reported while a conflict is already open supersedes the remote
// side in place; OpenedAt and the captured local body are kept from the
// first report so the user still resolves against what they were editing.
type ConflictContext struct {
	RemoteRevisionID string
	RemoteBody       string
	RemoteAuthor     string
	RemoteCreatedAt  time.Time
	LocalBody        string
	OpenedAt         time.Time
	Supersessions    int
}

// Transition is delivered to listeners after every state change. Conflict
// carries the conflict that was open when the transition fired, including
// the one a resolution just closed.
type Transition struct {
	From     State
	To       State
	Conflict *ConflictContext
}

// Machine is the per-session reconciliation state machine. Listeners are
// scoped to the machine; there is no process-wide event channel.
type Machine struct {
	mu        sync.Mutex
	state     State
	base      string
	conflict  *ConflictContext
	listeners []func(Transition)
	now       func() time.Time
}

// NewMachine starts clean on top of baseRevisionID.
func NewMachine(baseRevisionID string) *Machine {
	return &Machine{base: baseRevisionID, now: time.Now}
}

// OnTransition registers a listener. Listeners run synchronously after the
// state change, outside the machine's lock, in registration order.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) BaseRevisionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base
}

// Conflict returns a copy of the open conflict context, or nil.
func (m *Machine) Conflict() *ConflictContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflict == nil {
		return nil
	}
	c := *m.conflict
	return &c
}

func (m *Machine) notify(t Transition, fns []func(Transition)) {
	for _, fn := range fns {
		fn(t)
	}
}

func (m *Machine) transitionLocked(to State) (Transition, []func(Transition)) {
	t := Transition{From: m.state, To: to}
	if m.conflict != nil {
		c := *m.conflict
		t.Conflict = &c
	}
	m.state = to
	return t, append(([]func(Transition))(nil), m.listeners...)
}

// MarkDirty records a local edit. Only the clean state moves; an open
// conflict is not silently degraded and a running save stays a save.
func (m *Machine) MarkDirty() {
	m.mu.Lock()
	if m.state != StateClean {
		m.mu.Unlock()
		return
	}
	t, fns := m.transitionLocked(StateDirty)
	m.mu.Unlock()
	m.notify(t, fns)
}

// BeginSave moves dirty to saving. Saving from a conflict is refused; the
// conflict has to be resolved first.
func (m *Machine) BeginSave() error {
	m.mu.Lock()
	if m.state != StateDirty {
		m.mu.Unlock()
		return ErrNotSavable
	}
	t, fns := m.transitionLocked(StateSaving)
	m.mu.Unlock()
	m.notify(t, fns)
	return nil
}

// SaveSucceeded adopts the new revision as the base and returns to clean.
func (m *Machine) SaveSucceeded(newRevisionID string) error {
	m.mu.Lock()
	if m.state != StateSaving {
		m.mu.Unlock()
		return ErrNotSaving
	}
	m.base = newRevisionID
	t, fns := m.transitionLocked(StateClean)
	m.mu.Unlock()
	m.notify(t, fns)
	return nil
}

// SaveFailed returns to dirty after a retryable failure. The base revision
// is unchanged.
func (m *Machine) SaveFailed() error {
	m.mu.Lock()
	if m.state != StateSaving {
		m.mu.Unlock()
		return ErrNotSaving
	}
	t, fns := m.transitionLocked(StateDirty)
	m.mu.Unlock()
	m.notify(t, fns)
	return nil
}

// SaveConflicted opens a conflict with the revision that won the save race.
// When a push notification already opened the conflict while the save was in
// flight, the rejection's revision supersedes the open context's remote side
// instead of being dropped; later reports always carry the newer remote
// state.
func (m *Machine) SaveConflicted(remoteRevisionID, remoteBody, remoteAuthor string, remoteCreatedAt time.Time, localBody string) error {
	m.mu.Lock()
	switch m.state {
	case StateSaving:
		m.openConflictLocked(remoteRevisionID, remoteBody, remoteAuthor, remoteCreatedAt, localBody)
		t, fns := m.transitionLocked(StateConflict)
		m.mu.Unlock()
		m.notify(t, fns)
		return nil
	case StateConflict, StateResolving:
		m.openConflictLocked(remoteRevisionID, remoteBody, remoteAuthor, remoteCreatedAt, localBody)
		t, fns := m.transitionLocked(m.state)
		m.mu.Unlock()
		m.notify(t, fns)
		return nil
	default:
		m.mu.Unlock()
		return ErrNotSaving
	}
}

// RemoteRevisionReported handles a push notification that someone saved the
// page. localBody is the session's current content. When the pushed body is
// byte-identical to the local content the new revision is adopted silently,
// that is the echo of the session's own save or a no-op edit. Otherwise a
// conflict opens, or the open one is superseded. The call is idempotent
// from every state.
func (m *Machine) RemoteRevisionReported(revisionID, body, author string, createdAt time.Time, localBody string) {
	m.mu.Lock()
	if revisionID == m.base {
		m.mu.Unlock()
		return
	}
	if body == localBody {
		m.base = revisionID
		if m.state == StateDirty {
			t, fns := m.transitionLocked(StateClean)
			m.mu.Unlock()
			m.notify(t, fns)
			return
		}
		m.mu.Unlock()
		return
	}
	m.openConflictLocked(revisionID, body, author, createdAt, localBody)
	if m.state == StateConflict || m.state == StateResolving {
		// Already in conflict; listeners still hear about the superseding
		// revision so any open resolver can refresh.
		t, fns := m.transitionLocked(m.state)
		m.mu.Unlock()
		m.notify(t, fns)
		return
	}
	t, fns := m.transitionLocked(StateConflict)
	m.mu.Unlock()
	m.notify(t, fns)
}

func (m *Machine) openConflictLocked(revisionID, body, author string, createdAt time.Time, localBody string) {
	if m.conflict != nil {
		m.conflict.RemoteRevisionID = revisionID
		m.conflict.RemoteBody = body
		m.conflict.RemoteAuthor = author
		m.conflict.RemoteCreatedAt = createdAt
		m.conflict.Supersessions++
		return
	}
	m.conflict = &ConflictContext{
		RemoteRevisionID: revisionID,
		RemoteBody:       body,
		RemoteAuthor:     author,
		RemoteCreatedAt:  createdAt,
		LocalBody:        localBody,
		OpenedAt:         m.now(),
	}
}

// BeginResolve marks that the user opened the conflict resolver.
func (m *Machine) BeginResolve() error {
	m.mu.Lock()
	if m.state != StateConflict {
		m.mu.Unlock()
		return ErrNoConflict
	}
	t, fns := m.transitionLocked(StateResolving)
	m.mu.Unlock()
	m.notify(t, fns)
	return nil
}

// ResolveWithRemote discards local content in favor of the remote revision.
// It returns the remote body for the caller to load into the document and
// leaves the machine clean on the remote revision.
func (m *Machine) ResolveWithRemote() (string, error) {
	m.mu.Lock()
	if m.conflict == nil || (m.state != StateConflict && m.state != StateResolving) {
		m.mu.Unlock()
		return "", ErrNoConflict
	}
	body := m.conflict.RemoteBody
	m.base = m.conflict.RemoteRevisionID
	t, fns := m.transitionLocked(StateClean)
	m.conflict = nil
	m.mu.Unlock()
	m.notify(t, fns)
	return body, nil
}

// ResolveWithLocal keeps the local content and rebases it onto the remote
// revision so the next save can succeed. The machine becomes dirty.
func (m *Machine) ResolveWithLocal() (string, error) {
	m.mu.Lock()
	if m.conflict == nil || (m.state != StateConflict && m.state != StateResolving) {
		m.mu.Unlock()
		return "", ErrNoConflict
	}
	m.base = m.conflict.RemoteRevisionID
	newBase := m.base
	t, fns := m.transitionLocked(StateDirty)
	m.conflict = nil
	m.mu.Unlock()
	m.notify(t, fns)
	return newBase, nil
}

// ResolveWithMerged accepts externally merged content. The merged body
// replaces the local content, the base moves to the remote revision, and
// the machine is dirty until the merge result is saved.
func (m *Machine) ResolveWithMerged(mergedBody string) (string, error) {
	if mergedBody == "" {
		return "", errors.New("reconcile: merged body is empty")
	}
	return m.ResolveWithLocal()
}
