// Package fanout distributes case events to live subscribers.
//
// Every subscription is a bounded queue. Publishing never blocks: when a
// subscriber's queue is full the event is dropped for that subscriber only
// and a warning is logged.
package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/relay/internal/types"
)

// DefaultQueueSize is the per-subscriber buffer used when none is configured.
const DefaultQueueSize = 64

// Bus is a publish/subscribe bus keyed by case id plus a global topic.
type Bus interface {
	types.Publisher
	// Subscribe returns a subscription receiving events for caseID only.
	Subscribe(ctx context.Context, caseID types.CaseID) (*Subscription, error)
	// SubscribeAll returns a subscription receiving events for every case.
	SubscribeAll(ctx context.Context) (*Subscription, error)
	// Unsubscribe releases sub and closes its channel. It is idempotent.
	Unsubscribe(sub *Subscription)
}

// Subscription is one subscriber's queue.
type Subscription struct {
	id     string
	caseID types.CaseID
	ch     chan types.Event

	mu     sync.RWMutex
	closed bool

	once    sync.Once
	release func()
}

func newSubscription(id string, caseID types.CaseID, size int) *Subscription {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Subscription{
		id:     id,
		caseID: caseID,
		ch:     make(chan types.Event, size),
	}
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// CaseID returns the subscribed case, or "" for a global subscription.
func (s *Subscription) CaseID() types.CaseID { return s.caseID }

// Events returns the channel events are delivered on. It is closed on unsubscribe.
func (s *Subscription) Events() <-chan types.Event { return s.ch }

// wants reports whether an event for caseID belongs to this subscription.
func (s *Subscription) wants(caseID types.CaseID) bool {
	return s.caseID == "" || s.caseID == caseID
}

// offer delivers ev without blocking and reports whether it was queued.
func (s *Subscription) offer(ev types.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		slog.Warn("fanout queue full, dropping event",
			"subscription", s.id, "case_id", ev.CaseID, "type", ev.Type)
		return false
	}
}

// close runs the release hook once, then closes the channel.
func (s *Subscription) close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
