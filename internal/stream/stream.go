// Package stream fans audit entries out to live subscribers.
package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"ssocore.org/internal/audit"
)

const subscriberBuffer = 64

// Filter selects entries for a subscriber. An empty filter matches everything.
type Filter struct {
	ActionPrefix string
	Actor        string
}

func (f Filter) match(e audit.Entry) bool {
	if f.ActionPrefix != "" && !strings.HasPrefix(e.Action, f.ActionPrefix) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	return true
}

type subscriber struct {
	ch     chan audit.Entry
	filter Filter
}

// Stream fan-outs audit entries to all active subscribers (SSE clients).
// It implements audit.Sink so it can sit next to durable sinks.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Int64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive entries.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, f Filter) <-chan audit.Entry {
	ch := make(chan audit.Entry, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: f}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the entry to all matching subscribers.
func (s *Stream) Publish(e audit.Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.filter.match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Drop when subscriber is slow to avoid blocking.
			s.dropped.Add(1)
		}
	}
}

// Write publishes e. Live delivery is best effort and never fails the append.
func (s *Stream) Write(_ context.Context, e audit.Entry) error {
	s.Publish(e)
	return nil
}

// Subscribers returns the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}
