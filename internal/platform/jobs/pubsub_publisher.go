// Package jobs publishes version lifecycle events to Pub/Sub.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"finitefield.org/hanko-history/internal/contentapi"
)

// PubSubVersionPublisher publishes version events to a Pub/Sub topic. A nil
// publisher drops every event.
type PubSubVersionPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ contentapi.EventPublisher = (*PubSubVersionPublisher)(nil)

// NewPubSubVersionPublisher constructs a Pub/Sub backed version event publisher.
func NewPubSubVersionPublisher(topic *pubsub.Topic) (*PubSubVersionPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub version publisher: topic is required")
	}
	return &PubSubVersionPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// OpenTopic connects to projectID and returns the client with a handle on
// topicID. Callers close the client and stop the topic on shutdown.
func OpenTopic(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*pubsub.Client, *pubsub.Topic, error) {
	projectID = strings.TrimSpace(projectID)
	topicID = strings.TrimSpace(topicID)
	if projectID == "" || topicID == "" {
		return nil, nil, errors.New("pubsub version publisher: project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub version publisher: new client: %w", err)
	}
	return client, client.Topic(topicID), nil
}

// PublishVersionEvent sends event and waits for the server acknowledgement.
func (p *PubSubVersionPublisher) PublishVersionEvent(ctx context.Context, event contentapi.VersionEvent) error {
	if p == nil || p.topic == nil {
		return nil
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal version event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", string(event.Type))
	setAttr(attrs, "contentId", event.ContentID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish version event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
