// Package realtime pushes newly appended activities to websocket clients
// watching a feed.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/blackmichael/activity-feeds/internal/domain"
)

// DefaultBuffer is the per-subscriber queue length used when NewHub gets a
// non-positive size.
const DefaultBuffer = 64

type subscription struct {
	ch chan domain.Activity
}

// Hub fans activities out to subscribers of a single feed. It implements
// domain.FeedWatcher. Slow subscribers miss activities rather than blocking
// the publisher.
type Hub struct {
	mu     sync.RWMutex
	feeds  map[domain.FeedKey]map[*subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a Hub whose subscribers queue up to buffer activities.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		feeds:  make(map[domain.FeedKey]map[*subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Watch registers a subscriber for key. The returned stop function is
// idempotent and closes the channel.
func (h *Hub) Watch(key domain.FeedKey) (<-chan domain.Activity, func()) {
	sub := &subscription{ch: make(chan domain.Activity, h.buffer)}

	h.mu.Lock()
	subs, ok := h.feeds[key]
	if !ok {
		subs = make(map[*subscription]struct{})
		h.feeds[key] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.feeds[key], sub)
			if len(h.feeds[key]) == 0 {
				delete(h.feeds, key)
			}
			close(sub.ch)
		})
	}
	return sub.ch, stop
}

// Publish delivers activity to every current subscriber of key.
func (h *Hub) Publish(key domain.FeedKey, activity domain.Activity) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.feeds[key] {
		select {
		case sub.ch <- activity:
		default:
			h.logger.Warn("dropping activity for slow subscriber", "feed", key.String(), "activity_id", activity.ID)
		}
	}
}

// Subscribers reports how many subscribers currently watch key.
func (h *Hub) Subscribers(key domain.FeedKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds[key])
}

// PublishingStore wraps a FeedStore and publishes every activity it stores
// successfully to a Hub.
type PublishingStore struct {
	domain.FeedStore
	hub *Hub
}

// NewPublishingStore decorates store with publication to hub.
func NewPublishingStore(store domain.FeedStore, hub *Hub) *PublishingStore {
	return &PublishingStore{FeedStore: store, hub: hub}
}

// AddActivity stores the activity, then publishes it with its assigned id.
func (s *PublishingStore) AddActivity(ctx context.Context, slug, userID, actor, verb, object string, attrs domain.Attributes) (string, error) {
	id, err := s.FeedStore.AddActivity(ctx, slug, userID, actor, verb, object, attrs)
	if err != nil {
		return "", err
	}

	s.hub.Publish(domain.NewFeedKey(slug, userID), domain.Activity{
		ID:         id,
		Actor:      actor,
		Verb:       verb,
		Object:     object,
		Attributes: attrs,
	})
	return id, nil
}
