// Package pubsub implements a Google Cloud Pub/Sub alert notifier.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/seoscope/seoscope/internal/alerts"
)

// Notifier publishes alert events to a Pub/Sub topic.
type Notifier struct {
	topic *pubsub.Topic
}

// New creates a Notifier for the provided topic.
func New(topic *pubsub.Topic) (*Notifier, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Notifier{topic: topic}, nil
}

// Notify marshals the event to JSON and publishes it, blocking until the
// server acknowledges.
func (n *Notifier) Notify(ctx context.Context, event alerts.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"transition": string(event.Transition),
			"severity":   string(event.Alert.Severity),
			"rule":       event.Alert.RuleID,
		},
	}
	result := n.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
