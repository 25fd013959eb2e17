package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestBus(t *testing.T) *Bus {
	t.Helper()
	s := miniredis.RunT(t)
	bus, err := NewBus("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	sub, err := bus.SubscribePage(ctx, "page_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	sent := PageUpdatedEvent{
		PageID:       "page_1",
		RevisionID:   "rev_2",
		RevisionBody: "B",
		AuthorName:   "bob",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := bus.PublishPageUpdated(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		if got.RevisionID != sent.RevisionID || got.RevisionBody != sent.RevisionBody {
			t.Errorf("got %+v, want %+v", got, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriptionIsScopedToPage(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	sub, err := bus.SubscribePage(ctx, "page_a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := bus.PublishPageUpdated(ctx, PageUpdatedEvent{PageID: "page_b", RevisionID: "rev_x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Events():
		t.Fatalf("received event for wrong page: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	bus := setupTestBus(t)
	ctx := context.Background()

	sub, err := bus.SubscribePage(ctx, "page_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The events channel must eventually close after Close.
	select {
	case _, open := <-sub.Events():
		if open {
			t.Error("expected no event after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
}
