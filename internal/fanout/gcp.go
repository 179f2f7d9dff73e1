package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
)

// subscriptionTTL lets the server reap subscriptions orphaned by a crash.
const subscriptionTTL = 24 * time.Hour

// GCPBroker adapts a Google Cloud Pub/Sub topic to Broker.
type GCPBroker struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ Broker = (*GCPBroker)(nil)

// NewGCPBroker connects to projectID and opens topic, creating it if missing.
// topic may be a bare id or a full "projects/<p>/topics/<t>" path.
func NewGCPBroker(ctx context.Context, projectID, topic string) (*GCPBroker, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	var t *pubsub.Topic
	if strings.HasPrefix(topic, "projects/") {
		parts := strings.Split(topic, "/")
		if len(parts) != 4 || parts[2] != "topics" {
			client.Close()
			return nil, fmt.Errorf("invalid topic path %q", topic)
		}
		t = client.TopicInProject(parts[3], parts[1])
	} else {
		t = client.Topic(topic)
	}

	exists, err := t.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("check topic: %w", err)
	}
	if !exists {
		if t, err = client.CreateTopic(ctx, t.ID()); err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic: %w", err)
		}
	}
	t.EnableMessageOrdering = true

	return &GCPBroker{client: client, topic: t}, nil
}

// Publish sends one message ordered by its case id.
func (g *GCPBroker) Publish(ctx context.Context, data []byte, attrs map[string]string) {
	key := attrs[caseAttr]
	result := g.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: key,
	})
	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := result.Get(getCtx); err != nil {
			slog.Error("publish event failed", "case_id", key, "error", err)
			g.topic.ResumePublish(key)
		}
	}()
}

func (g *GCPBroker) CreateSubscription(ctx context.Context, id, filter string) (BrokerSubscription, error) {
	sub, err := g.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
		Topic:                 g.topic,
		Filter:                filter,
		AckDeadline:           10 * time.Second,
		ExpirationPolicy:      subscriptionTTL,
		EnableMessageOrdering: true,
	})
	if err != nil {
		return nil, err
	}
	return &gcpSubscription{sub: sub}, nil
}

// Close flushes pending publishes and closes the client.
func (g *GCPBroker) Close() error {
	g.topic.Stop()
	return g.client.Close()
}

type gcpSubscription struct {
	sub *pubsub.Subscription
}

func (s *gcpSubscription) Receive(ctx context.Context, fn func(data []byte, attrs map[string]string)) error {
	return s.sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
		fn(m.Data, m.Attributes)
		m.Ack()
	})
}

func (s *gcpSubscription) Delete(ctx context.Context) error {
	return s.sub.Delete(ctx)
}
