// Package pubsub implements a Google Cloud Pub/Sub catalog importer.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"

	"github.com/promodata/harvester/internal/catalog"
)

// Importer publishes batch notices to a Pub/Sub topic.
type Importer struct {
	topic *gpubsub.Topic
}

// New creates an Importer for the provided topic.
func New(topic *gpubsub.Topic) *Importer {
	return &Importer{topic: topic}
}

// Announce marshals the notice to JSON and publishes it.
func (i *Importer) Announce(ctx context.Context, notice catalog.BatchNotice) (string, error) {
	if i.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return "", fmt.Errorf("marshal notice: %w", err)
	}

	result := i.topic.Publish(ctx, &gpubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id": notice.RunID,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish notice: %w", err)
	}
	return id, nil
}
