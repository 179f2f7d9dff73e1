package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/relay/internal/types"
)

// caseAttr is the message attribute carrying the case id.
const caseAttr = "case_id"

// Broker is the slice of a topic-based message broker the distributed bus needs.
type Broker interface {
	// Publish enqueues a message; delivery errors are reported asynchronously.
	Publish(ctx context.Context, data []byte, attrs map[string]string)
	// CreateSubscription creates a server-side subscription. filter may be empty.
	CreateSubscription(ctx context.Context, id, filter string) (BrokerSubscription, error)
}

// BrokerSubscription is one server-side subscription.
type BrokerSubscription interface {
	// Receive blocks, invoking fn for every message, until ctx is done.
	Receive(ctx context.Context, fn func(data []byte, attrs map[string]string)) error
	Delete(ctx context.Context) error
}

// PubSubBus is the multi-process Bus. Each Subscribe call creates its own
// server-side subscription filtered by case id; if the broker rejects the
// filter, the subscription is created unfiltered and events are filtered on
// receipt.
type PubSubBus struct {
	broker    Broker
	prefix    string
	queueSize int

	mu     sync.Mutex
	active map[*Subscription]struct{}
}

var _ Bus = (*PubSubBus)(nil)

// NewPubSubBus creates a distributed bus. prefix is prepended to every
// server-side subscription id.
func NewPubSubBus(broker Broker, prefix string, queueSize int) *PubSubBus {
	if prefix == "" {
		prefix = "relay-case-events-"
	}
	return &PubSubBus{
		broker:    broker,
		prefix:    prefix,
		queueSize: queueSize,
		active:    make(map[*Subscription]struct{}),
	}
}

// Publish stamps ev with caseID and sends it to the topic with a case_id attribute.
func (b *PubSubBus) Publish(ctx context.Context, caseID types.CaseID, ev types.Event) error {
	ev.CaseID = caseID
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	b.broker.Publish(ctx, data, map[string]string{caseAttr: string(caseID)})
	return nil
}

func (b *PubSubBus) Subscribe(ctx context.Context, caseID types.CaseID) (*Subscription, error) {
	return b.subscribe(ctx, caseID)
}

func (b *PubSubBus) SubscribeAll(ctx context.Context) (*Subscription, error) {
	return b.subscribe(ctx, "")
}

func (b *PubSubBus) subscribe(ctx context.Context, caseID types.CaseID) (*Subscription, error) {
	id := types.NewSubscriptionID(b.prefix)

	var filter string
	if caseID != "" {
		filter = fmt.Sprintf("attributes.%s=%q", caseAttr, string(caseID))
	}
	bsub, err := b.broker.CreateSubscription(ctx, id, filter)
	if err != nil && filter != "" {
		slog.Warn("filtered subscription failed, filtering on receipt",
			"subscription", id, "case_id", caseID, "error", err)
		bsub, err = b.broker.CreateSubscription(ctx, id, "")
	}
	if err != nil {
		return nil, fmt.Errorf("create subscription %s: %w", id, err)
	}

	sub := newSubscription(id, caseID, b.queueSize)
	recvCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := bsub.Receive(recvCtx, func(data []byte, attrs map[string]string) {
			b.deliver(sub, data, attrs)
		})
		if err != nil && recvCtx.Err() == nil {
			slog.Error("subscription receive stopped", "subscription", id, "error", err)
		}
	}()

	sub.release = func() {
		cancel()
		<-done
		delCtx, delCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer delCancel()
		if err := bsub.Delete(delCtx); err != nil {
			slog.Warn("delete subscription failed", "subscription", id, "error", err)
		}
	}

	b.mu.Lock()
	b.active[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// deliver decodes one message and offers it to sub when it belongs there.
// Undecodable messages are dropped.
func (b *PubSubBus) deliver(sub *Subscription, data []byte, attrs map[string]string) {
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("dropping undecodable event", "subscription", sub.id, "error", err)
		return
	}
	caseID := ev.CaseID
	if attr := attrs[caseAttr]; attr != "" {
		caseID = types.CaseID(attr)
	}
	if !sub.wants(caseID) {
		return
	}
	ev.CaseID = caseID
	sub.offer(ev)
}

// Unsubscribe stops receiving and deletes the server-side subscription.
func (b *PubSubBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.active, sub)
	b.mu.Unlock()

	sub.close()
}

// Close releases every remaining subscription.
func (b *PubSubBus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.active))
	for sub := range b.active {
		subs = append(subs, sub)
	}
	b.active = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
