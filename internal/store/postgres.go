package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"draftroom/collab/internal/util"
)

// StaleRevisionError reports that an update claimed a base revision that is
// no longer the page's current revision. It carries the revision that won so
// callers can surface both sides of the conflict.
type StaleRevisionError struct {
	Current Revision
}

func (e *StaleRevisionError) Error() string {
	return fmt.Sprintf("base revision is stale; current revision is %s", e.Current.ID)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreatePage(ctx context.Context, path, body, authorName string) (Page, Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Page{}, Revision{}, fmt.Errorf("begin create page: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	page := Page{ID: util.NewID("page"), Path: path}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO pages (id, path)
		VALUES ($1, $2)
		RETURNING created_at, updated_at
	`, page.ID, page.Path).Scan(&page.CreatedAt, &page.UpdatedAt); err != nil {
		return Page{}, Revision{}, fmt.Errorf("insert page: %w", err)
	}

	revision, err := insertRevision(ctx, tx, page.ID, body, authorName)
	if err != nil {
		return Page{}, Revision{}, err
	}
	page.CurrentRevisionID = revision.ID

	if err := tx.Commit(); err != nil {
		return Page{}, Revision{}, fmt.Errorf("commit create page: %w", err)
	}
	return page, revision, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	var page Page
	var currentRevisionID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, current_revision_id, created_at, updated_at
		FROM pages WHERE id = $1
	`, pageID).Scan(&page.ID, &page.Path, &currentRevisionID, &page.CreatedAt, &page.UpdatedAt)
	if err != nil {
		return Page{}, err
	}
	page.CurrentRevisionID = currentRevisionID.String
	return page, nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, revisionID string) (Revision, error) {
	var revision Revision
	err := s.db.QueryRowContext(ctx, `
		SELECT id, page_id, body, author_name, created_at
		FROM revisions WHERE id = $1
	`, revisionID).Scan(&revision.ID, &revision.PageID, &revision.Body, &revision.AuthorName, &revision.CreatedAt)
	if err != nil {
		return Revision{}, err
	}
	return revision, nil
}

// CurrentRevision returns the latest accepted revision for the page.
func (s *PostgresStore) CurrentRevision(ctx context.Context, pageID string) (Revision, error) {
	var revision Revision
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.page_id, r.body, r.author_name, r.created_at
		FROM revisions r INNER JOIN pages p ON p.current_revision_id = r.id
		WHERE p.id = $1
	`, pageID).Scan(&revision.ID, &revision.PageID, &revision.Body, &revision.AuthorName, &revision.CreatedAt)
	if err != nil {
		return Revision{}, err
	}
	return revision, nil
}

// CurrentRevisionBody returns the body of the page's current revision, or
// the empty string when the page has no revision yet.
func (s *PostgresStore) CurrentRevisionBody(ctx context.Context, pageID string) (string, error) {
	revision, err := s.CurrentRevision(ctx, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return revision.Body, nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, pageID string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, body, author_name, created_at
		FROM revisions WHERE page_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var revisions []Revision
	for rows.Next() {
		var revision Revision
		if err := rows.Scan(&revision.ID, &revision.PageID, &revision.Body, &revision.AuthorName, &revision.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		revisions = append(revisions, revision)
	}
	return revisions, rows.Err()
}

// UpdatePage creates a new revision for the page if and only if
// baseRevisionID still matches the page's current revision. The
// compare-and-swap runs in one transaction with the page row locked, so two
// concurrent saves against the same base cannot both win.
func (s *PostgresStore) UpdatePage(ctx context.Context, pageID, baseRevisionID, body, authorName string) (Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Revision{}, fmt.Errorf("begin update page: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentRevisionID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT current_revision_id FROM pages WHERE id = $1 FOR UPDATE
	`, pageID).Scan(&currentRevisionID)
	if err != nil {
		return Revision{}, err
	}

	if currentRevisionID.String != baseRevisionID {
		var current Revision
		err := tx.QueryRowContext(ctx, `
			SELECT id, page_id, body, author_name, created_at
			FROM revisions WHERE id = $1
		`, currentRevisionID.String).Scan(&current.ID, &current.PageID, &current.Body, &current.AuthorName, &current.CreatedAt)
		if err != nil {
			return Revision{}, fmt.Errorf("load winning revision: %w", err)
		}
		return Revision{}, &StaleRevisionError{Current: current}
	}

	revision, err := insertRevision(ctx, tx, pageID, body, authorName)
	if err != nil {
		return Revision{}, err
	}

	if err := tx.Commit(); err != nil {
		return Revision{}, fmt.Errorf("commit update page: %w", err)
	}
	return revision, nil
}

func insertRevision(ctx context.Context, tx *sql.Tx, pageID, body, authorName string) (Revision, error) {
	revision := Revision{
		ID:         util.NewID("rev"),
		PageID:     pageID,
		Body:       body,
		AuthorName: authorName,
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO revisions (id, page_id, body, author_name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, revision.ID, revision.PageID, revision.Body, revision.AuthorName).Scan(&revision.CreatedAt); err != nil {
		return Revision{}, fmt.Errorf("insert revision: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pages SET current_revision_id = $2, updated_at = NOW() WHERE id = $1
	`, revision.PageID, revision.ID); err != nil {
		return Revision{}, fmt.Errorf("point page at revision: %w", err)
	}
	return revision, nil
}

// SaveDocState upserts the room's CRDT snapshot.
func (s *PostgresStore) SaveDocState(ctx context.Context, pageID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO doc_states (page_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (page_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
	`, pageID, state)
	if err != nil {
		return fmt.Errorf("save doc state: %w", err)
	}
	return nil
}

// GetDocState returns the persisted CRDT snapshot for the page, or
// (nil, zero time, nil) when none has been stored yet.
func (s *PostgresStore) GetDocState(ctx context.Context, pageID string) ([]byte, time.Time, error) {
	var state []byte
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT state, updated_at FROM doc_states WHERE page_id = $1
	`, pageID).Scan(&state, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get doc state: %w", err)
	}
	return state, updatedAt, nil
}
