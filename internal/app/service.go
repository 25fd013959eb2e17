package app

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"draftroom/collab/internal/config"
	"draftroom/collab/internal/notify"
	"draftroom/collab/internal/replica"
	"draftroom/collab/internal/store"
	"draftroom/collab/internal/util"
)

type pageStore interface {
	CreatePage(ctx context.Context, path, body, authorName string) (store.Page, store.Revision, error)
	GetPage(ctx context.Context, pageID string) (store.Page, error)
	GetRevision(ctx context.Context, revisionID string) (store.Revision, error)
	CurrentRevision(ctx context.Context, pageID string) (store.Revision, error)
	ListRevisions(ctx context.Context, pageID string, limit int) ([]store.Revision, error)
	UpdatePage(ctx context.Context, pageID, baseRevisionID, body, authorName string) (store.Revision, error)
	GetDocState(ctx context.Context, pageID string) ([]byte, time.Time, error)
	Ping(ctx context.Context) error
}

type publisher interface {
	PublishPageUpdated(ctx context.Context, event notify.PageUpdatedEvent) error
	Ping(ctx context.Context) error
}

// liveRooms exposes the bodies of documents people are editing right now.
type liveRooms interface {
	RoomText(roomKey string) (string, bool)
}

type Service struct {
	cfg   config.Config
	store pageStore
	bus   publisher
	rooms liveRooms
}

// New wires the service. bus and rooms may be nil; saves then skip the
// update notification and doc-state checks fall back to stored snapshots.
func New(cfg config.Config, dataStore *store.PostgresStore, bus *notify.Bus, rooms liveRooms) *Service {
	s := &Service{cfg: cfg, store: dataStore, rooms: rooms}
	if bus != nil {
		s.bus = bus
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingBus(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Ping(ctx)
}

type PagePayload struct {
	Page     store.Page     `json:"page"`
	Revision store.Revision `json:"revision"`
}

func (s *Service) CreatePage(ctx context.Context, path, body, author string) (PagePayload, error) {
	path = strings.TrimSpace(path)
	if path == "" || !strings.HasPrefix(path, "/") {
		return PagePayload{}, domainError(http.StatusBadRequest, "INVALID_PATH", "Page path must start with /", nil)
	}
	if strings.TrimSpace(author) == "" {
		return PagePayload{}, domainError(http.StatusBadRequest, "INVALID_AUTHOR", "Author is required", nil)
	}
	page, revision, err := s.store.CreatePage(ctx, path, body, author)
	if err != nil {
		return PagePayload{}, err
	}
	return PagePayload{Page: page, Revision: revision}, nil
}

func (s *Service) GetPage(ctx context.Context, pageID string) (PagePayload, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return PagePayload{}, err
	}
	revision, err := s.store.CurrentRevision(ctx, pageID)
	if err != nil {
		return PagePayload{}, err
	}
	return PagePayload{Page: page, Revision: revision}, nil
}

func (s *Service) CurrentRevision(ctx context.Context, pageID string) (store.Revision, error) {
	return s.store.CurrentRevision(ctx, pageID)
}

func (s *Service) ListRevisions(ctx context.Context, pageID string, limit int) ([]store.Revision, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListRevisions(ctx, pageID, limit)
}

// UpdateRevision saves a new revision on top of baseRevisionID and notifies
// other editing sessions of the page. A stale base surfaces as the store's
// StaleRevisionError; the HTTP layer turns it into a conflict response.
func (s *Service) UpdateRevision(ctx context.Context, pageID, baseRevisionID, body, author string) (store.Revision, error) {
	if strings.TrimSpace(baseRevisionID) == "" {
		return store.Revision{}, domainError(http.StatusBadRequest, "INVALID_BASE_REVISION", "Base revision id is required", nil)
	}
	if strings.TrimSpace(author) == "" {
		return store.Revision{}, domainError(http.StatusBadRequest, "INVALID_AUTHOR", "Author is required", nil)
	}
	revision, err := s.store.UpdatePage(ctx, pageID, baseRevisionID, body, author)
	if err != nil {
		return store.Revision{}, err
	}
	if s.bus != nil {
		event := notify.PageUpdatedEvent{
			PageID:       pageID,
			RevisionID:   revision.ID,
			RevisionBody: revision.Body,
			AuthorName:   revision.AuthorName,
			CreatedAt:    revision.CreatedAt,
		}
		if err := s.bus.PublishPageUpdated(ctx, event); err != nil {
			// The revision is saved; losing the notification only delays
			// conflict detection until the next save attempt.
			log.Printf("publish page update page=%s rev=%s: %v", pageID, revision.ID, err)
		}
	}
	return revision, nil
}

type DocStatePayload struct {
	PageID                  string    `json:"pageId"`
	HasDocNewerThanRevision bool      `json:"hasDocNewerThanRevision"`
	CurrentRevisionID       string    `json:"currentRevisionId"`
	UpdatedAt               time.Time `json:"updatedAt,omitempty"`
}

// DocState reports whether the live shared document has drifted past the
// page's saved revision. An open room is consulted directly; otherwise the
// persisted snapshot is loaded and compared.
func (s *Service) DocState(ctx context.Context, pageID string) (DocStatePayload, error) {
	revision, err := s.store.CurrentRevision(ctx, pageID)
	if err != nil {
		return DocStatePayload{}, err
	}
	payload := DocStatePayload{PageID: pageID, CurrentRevisionID: revision.ID}

	if s.rooms != nil {
		if text, ok := s.rooms.RoomText(replica.RoomKey(s.cfg.RoomPrefix, pageID)); ok {
			payload.HasDocNewerThanRevision = text != revision.Body
			payload.UpdatedAt = time.Now().UTC()
			return payload, nil
		}
	}

	state, updatedAt, err := s.store.GetDocState(ctx, pageID)
	if err != nil {
		return DocStatePayload{}, err
	}
	if len(state) == 0 {
		return payload, nil
	}
	rep, err := replica.Load(state, util.NewID(""))
	if err != nil {
		return DocStatePayload{}, err
	}
	defer rep.Close()
	payload.HasDocNewerThanRevision = rep.Text() != revision.Body
	payload.UpdatedAt = updatedAt
	return payload, nil
}
