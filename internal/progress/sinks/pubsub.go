package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/fetchgate/internal/progress"
)

// OutcomeMessage is the JSON payload published for each resolved request.
type OutcomeMessage struct {
	RunID      string `json:"run_id"`
	RequestID  string `json:"request_id"`
	URL        string `json:"url"`
	Site       string `json:"site"`
	Kind       string `json:"kind"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	ResolvedAt string `json:"resolved_at"`
}

// PubSubSink publishes OUTCOME events to a Pub/Sub topic so downstream
// consumers can react to each resolved request.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps a topic handle.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Consume publishes every outcome in the batch and waits for the server acks.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		if evt.Stage != progress.StageOutcome {
			continue
		}
		data, err := json.Marshal(OutcomeMessage{
			RunID:      evt.RunUUID().String(),
			RequestID:  evt.RequestID,
			URL:        evt.URL,
			Site:       evt.Site,
			Kind:       evt.Kind,
			Attempts:   evt.Attempt,
			StatusCode: evt.StatusCode,
			Bytes:      evt.Bytes,
			DurationMS: evt.Dur.Milliseconds(),
			Error:      evt.Note,
			ResolvedAt: evt.TS.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"kind": evt.Kind,
				"site": evt.Site,
			},
		}))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish outcomes: %w", errors.Join(errs...))
	}
	return nil
}

// Close flushes pending messages and stops the topic's publisher goroutines.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
