// Package notify carries page-update events between the persistence side and
// open editing sessions over redis pub/sub. Delivery is at-most-once; the
// reconciliation layer treats these as hints, not as durable state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// PageUpdatedEvent announces that a new revision was accepted for a page.
type PageUpdatedEvent struct {
	PageID       string    `json:"pageId"`
	RevisionID   string    `json:"revisionId"`
	RevisionBody string    `json:"revisionBody"`
	AuthorName   string    `json:"authorName"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Bus struct {
	client *redis.Client
	prefix string
}

func NewBus(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Bus{client: client, prefix: "page-updated:"}, nil
}

// NewBusWithClient creates a bus from an existing Redis client
func NewBusWithClient(client *redis.Client) *Bus {
	return &Bus{client: client, prefix: "page-updated:"}
}

func (b *Bus) channel(pageID string) string {
	return b.prefix + pageID
}

// PublishPageUpdated fans the event out to every subscriber of the page.
func (b *Bus) PublishPageUpdated(ctx context.Context, event PageUpdatedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal page updated event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.PageID), payload).Err(); err != nil {
		return fmt.Errorf("publish page updated: %w", err)
	}
	return nil
}

// Subscription delivers PageUpdatedEvents for one page until closed.
type Subscription struct {
	pubsub *redis.PubSub
	events chan PageUpdatedEvent
	done   chan struct{}
}

// SubscribePage opens a subscription for the page's update channel.
func (b *Bus) SubscribePage(ctx context.Context, pageID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(pageID))
	// Force the subscription to be established before returning so callers
	// cannot miss events published right after SubscribePage returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel(pageID), err)
	}

	sub := &Subscription{
		pubsub: pubsub,
		events: make(chan PageUpdatedEvent, 8),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var event PageUpdatedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("notify: dropping malformed page-updated payload: %v", err)
				continue
			}
			select {
			case sub.events <- event:
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

// Events returns the channel of inbound updates. It is closed by Close.
func (s *Subscription) Events() <-chan PageUpdatedEvent {
	return s.events
}

func (s *Subscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}
