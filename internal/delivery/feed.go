package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// FeedMessage is what the attempt feed carries for each recorded attempt.
type FeedMessage struct {
	Attempt      Attempt           `json:"attempt"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Feed publishes attempts and dead-letter notices. A nil *Feed, or one
// without a publisher, drops everything.
type Feed struct {
	publisher     Publisher
	attemptsTopic string
	dlqTopic      string
}

func NewFeed(p Publisher, attemptsTopic, dlqTopic string) *Feed {
	return &Feed{publisher: p, attemptsTopic: attemptsTopic, dlqTopic: dlqTopic}
}

func (f *Feed) PublishAttempt(ctx context.Context, a Attempt) error {
	if f == nil || f.publisher == nil || f.attemptsTopic == "" {
		return nil
	}
	b, err := json.Marshal(FeedMessage{Attempt: a, TraceHeaders: tracing.InjectHeaders(ctx)})
	if err != nil {
		return fmt.Errorf("encode attempt %s: %w", a.ID, err)
	}
	if err := f.publisher.Publish(f.attemptsTopic, b); err != nil {
		return fmt.Errorf("publish attempt %s: %w", a.ID, err)
	}
	return nil
}

func (f *Feed) PublishDeadLetter(dl DeadLetter) error {
	if f == nil || f.publisher == nil || f.dlqTopic == "" {
		return nil
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := f.publisher.Publish(f.dlqTopic, b); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
