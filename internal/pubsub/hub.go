// Package pubsub implements the in-process group-addressed event layer.
// Sessions subscribe to named groups (user:{id}, project:{id},
// experiment:{id}); services publish events to groups after their
// transactions commit.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

// Group name constructors. Group naming is shared between publishers and
// the subscription manager.
func UserGroup(id uuid.UUID) string       { return "user:" + id.String() }
func ProjectGroup(id uuid.UUID) string    { return "project:" + id.String() }
func ExperimentGroup(id uuid.UUID) string { return "experiment:" + id.String() }

// Hub routes events to subscribers by group name.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[*Subscriber]struct{})}
}

// Subscriber receives events for every group it has joined, in the order
// they were published. The channel is buffered; when a subscriber is too
// slow to drain it, events for that subscriber are dropped rather than
// blocking the publisher.
type Subscriber struct {
	hub    *Hub
	ch     chan Event
	mu     sync.Mutex
	groups map[string]struct{}
	closed bool
}

// NewSubscriber registers a subscriber with the given channel buffer.
func (h *Hub) NewSubscriber(buffer int) *Subscriber {
	return &Subscriber{
		hub:    h,
		ch:     make(chan Event, buffer),
		groups: make(map[string]struct{}),
	}
}

// C is the subscriber's event channel. It is closed by Close.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Join adds the subscriber to a group. Joining twice is a no-op.
func (s *Subscriber) Join(group string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.groups[group] = struct{}{}
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Subscriber]struct{})
		h.groups[group] = members
	}
	members[s] = struct{}{}
	h.mu.Unlock()
}

// Leave removes the subscriber from a group.
func (s *Subscriber) Leave(group string) {
	s.mu.Lock()
	delete(s.groups, group)
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	if members, ok := h.groups[group]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()
}

// Groups returns the groups the subscriber currently belongs to.
func (s *Subscriber) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	return out
}

// Close leaves every joined group and closes the event channel.
// Safe to call multiple times.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	groups := make([]string, 0, len(s.groups))
	for g := range s.groups {
		groups = append(groups, g)
	}
	s.groups = make(map[string]struct{})
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	for _, g := range groups {
		if members, ok := h.groups[g]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(h.groups, g)
			}
		}
	}
	h.mu.Unlock()

	close(s.ch)
}

// Publish delivers the event to every subscriber of its group.
// Non-blocking: slow subscribers miss events instead of stalling the
// publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.groups[ev.Group] {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// PublishAll publishes a batch of events in order.
func (h *Hub) PublishAll(events []Event) {
	for _, ev := range events {
		h.Publish(ev)
	}
}
