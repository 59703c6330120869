// Package kafka ships audit events to a Kafka topic so downstream consumers
// (SIEM, compliance archive) own retention. The topic is a write-only sink;
// queries are served by whatever store the publisher fronts.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	id "opsgate/pkg/domain"
	audit "opsgate/pkg/platform/audit"
	"opsgate/pkg/platform/sentinel"
)

// Store implements audit.Store by producing each event to a Kafka topic.
// Records are keyed by user ID so one user's trail stays ordered within a
// partition.
type Store struct {
	client *kgo.Client
	topic  string
}

// New connects to the brokers and ensures the topic exists.
func New(ctx context.Context, seeds []string, topic string) (*Store, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	adm := kadm.NewClient(client)
	if _, err := adm.CreateTopic(ctx, 1, 1, nil, topic); err != nil {
		if !errors.Is(err, kerr.TopicAlreadyExists) {
			client.Close()
			return nil, fmt.Errorf("ensure audit topic: %w", err)
		}
	}

	return &Store{client: client, topic: topic}, nil
}

// Append produces the event synchronously. Audit loss on broker failure is
// surfaced to the publisher, which logs and keeps going.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	record := &kgo.Record{
		Key:   []byte(event.UserID.String()),
		Value: payload,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// ListByUser is not supported: Kafka is a sink, not a query store.
func (s *Store) ListByUser(context.Context, id.UserID) ([]audit.Event, error) {
	return nil, fmt.Errorf("kafka audit store is write-only: %w", sentinel.ErrUnavailable)
}

// Close flushes and closes the producer.
func (s *Store) Close() {
	s.client.Close()
}
