// Package save pushes editing-session content to the page API: one save in
// flight per page, typed conflict and validation failures, and a hook for
// invalidating cached page state after a successful save.
package save

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrSaveInFlight is returned when a save starts while another save for the
// same page has not finished.
var ErrSaveInFlight = errors.New("save already in progress for page")

// Revision is the persisted revision a successful save produced, or the
// winning revision carried by a conflict.
type Revision struct {
	ID         string    `json:"revisionId"`
	Body       string    `json:"body"`
	AuthorName string    `json:"author"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ConflictError reports that the page moved past the base revision. Current
// is the revision that won; callers need its body and author to drive
// conflict resolution.
type ConflictError struct {
	Current Revision
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("page already updated by %s at revision %s", e.Current.AuthorName, e.Current.ID)
}

// ValidationError means the request itself was malformed. Retrying the same
// payload can never succeed.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Persister writes a new revision on top of baseRevisionID. It returns
// *ConflictError when the page's current revision no longer matches and
// *ValidationError when the payload is rejected outright.
type Persister interface {
	UpdatePage(ctx context.Context, pageID, baseRevisionID, body, author string) (Revision, error)
}

// Coordinator serializes saves per page. The in-flight mark is set before
// the persister is called and cleared on every exit path, so a crash in a
// callback cannot wedge the page.
type Coordinator struct {
	persister Persister
	logger    *log.Logger
	onSaved   func(pageID string, rev Revision)

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewCoordinator builds a Coordinator. onSaved, when non nil, runs after
// every successful save; editing sessions use it to drop stale cached
// revisions.
func NewCoordinator(p Persister, logger *log.Logger, onSaved func(pageID string, rev Revision)) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		persister: p,
		logger:    logger,
		onSaved:   onSaved,
		inFlight:  make(map[string]bool),
	}
}

// Saving reports whether a save for the page is currently in flight.
func (c *Coordinator) Saving(pageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[pageID]
}

// Save persists body as a new revision on top of baseRevisionID. A second
// Save for the same page while one is running fails with ErrSaveInFlight
// instead of queueing. Missing identifiers are a terminal *ValidationError;
// retrying the same request cannot succeed.
func (c *Coordinator) Save(ctx context.Context, pageID, baseRevisionID, body, author string) (Revision, error) {
	if pageID == "" || baseRevisionID == "" {
		err := &ValidationError{Message: "page id and base revision id are required"}
		c.logger.Printf("save rejected page=%q: %s", pageID, err.Message)
		return Revision{}, err
	}

	c.mu.Lock()
	if c.inFlight[pageID] {
		c.mu.Unlock()
		return Revision{}, ErrSaveInFlight
	}
	c.inFlight[pageID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, pageID)
		c.mu.Unlock()
	}()

	rev, err := c.persister.UpdatePage(ctx, pageID, baseRevisionID, body, author)
	if err != nil {
		var conflict *ConflictError
		var invalid *ValidationError
		switch {
		case errors.As(err, &conflict):
			c.logger.Printf("save conflict page=%s base=%s winner=%s", pageID, baseRevisionID, conflict.Current.ID)
		case errors.As(err, &invalid):
			c.logger.Printf("save rejected page=%s: %s", pageID, invalid.Message)
		default:
			c.logger.Printf("save failed page=%s: %v", pageID, err)
		}
		return Revision{}, err
	}
	if c.onSaved != nil {
		c.onSaved(pageID, rev)
	}
	return rev, nil
}
