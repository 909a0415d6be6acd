package events

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrHubClosed is returned by Publish after the hub has been closed.
var ErrHubClosed = errors.New("event hub closed")

const defaultSubscriberBuffer = 64

// Hub is an in-process publish/subscribe broadcaster keyed by channel name.
// Slow subscribers miss messages instead of blocking publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	logger zerolog.Logger
}

// Subscription receives the messages published to one channel.
type Subscription struct {
	C       <-chan []byte
	ch      chan []byte
	channel string
	hub     *Hub
	once    sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: logger.With().Str("component", "event_hub").Logger(),
	}
}

// Subscribe registers a subscriber on channel. buffer <= 0 uses a default size.
func (h *Hub) Subscribe(channel string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan []byte, buffer)
	sub := &Subscription{C: ch, ch: ch, channel: channel, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Subscription]struct{})
	}
	h.subs[channel][sub] = struct{}{}
	return sub
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[s.channel]; ok {
			if _, ok := set[s]; ok {
				delete(set, s)
				close(s.ch)
			}
			if len(set) == 0 {
				delete(h.subs, s.channel)
			}
		}
	})
}

// Publish delivers message to every current subscriber of channel.
func (h *Hub) Publish(_ context.Context, channel string, message []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}

	dropped := 0
	for sub := range h.subs[channel] {
		select {
		case sub.ch <- message:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn().
			Str("channel", channel).
			Int("dropped", dropped).
			Msg("Subscriber buffer full, message dropped")
	}
	return nil
}

// Subscribers returns the number of subscribers on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close closes every subscription; later publishes fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
}
