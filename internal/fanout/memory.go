package fanout

import (
	"context"
	"sync"

	"github.com/user/relay/internal/types"
)

// MemoryBus is the in-process Bus.
type MemoryBus struct {
	queueSize int

	mu     sync.RWMutex
	byCase map[types.CaseID]map[*Subscription]struct{}
	global map[*Subscription]struct{}
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus with the given per-subscriber queue size.
func NewMemoryBus(queueSize int) *MemoryBus {
	return &MemoryBus{
		queueSize: queueSize,
		byCase:    make(map[types.CaseID]map[*Subscription]struct{}),
		global:    make(map[*Subscription]struct{}),
	}
}

// Publish stamps ev with caseID and offers it to the case's subscribers and
// to every global subscriber.
func (b *MemoryBus) Publish(_ context.Context, caseID types.CaseID, ev types.Event) error {
	ev.CaseID = caseID

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.byCase[caseID] {
		sub.offer(ev)
	}
	for sub := range b.global {
		sub.offer(ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, caseID types.CaseID) (*Subscription, error) {
	sub := newSubscription(types.NewSubscriptionID("mem-"), caseID, b.queueSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.byCase[caseID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.byCase[caseID] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBus) SubscribeAll(_ context.Context) (*Subscription, error) {
	sub := newSubscription(types.NewSubscriptionID("mem-"), "", b.queueSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.global[sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if sub.caseID == "" {
		delete(b.global, sub)
	} else if subs, ok := b.byCase[sub.caseID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.byCase, sub.caseID)
		}
	}
	b.mu.Unlock()

	sub.close()
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.global)
	for _, subs := range b.byCase {
		n += len(subs)
	}
	return n
}
