package store

import "time"

type Page struct {
	ID                string    `json:"id"`
	Path              string    `json:"path"`
	CurrentRevisionID string    `json:"currentRevisionId"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Revision is an immutable snapshot of a page body. The page's
// current_revision_id points at the latest accepted one.
type Revision struct {
	ID         string    `json:"id"`
	PageID     string    `json:"pageId"`
	Body       string    `json:"body"`
	AuthorName string    `json:"authorName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DocState is the persisted binary snapshot of a room's live CRDT document.
// It outlives editing sessions but is not part of the revision history.
type DocState struct {
	PageID    string    `json:"pageId"`
	State     []byte    `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}
