package decisionsink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/exitpool-labs/exitpool/internal/queue"
	"github.com/exitpool-labs/exitpool/internal/settlement"
)

// DefaultTopic carries committed settlement decisions downstream (accounting,
// inventory rebalancing, alerting).
const DefaultTopic = "settlement.decision.v1"

var ErrInvalidConfig = errors.New("decisionsink: invalid config")

// QueueSink publishes decision events to the queue, keyed by withdrawal key so
// records for one withdrawal stay on one partition.
type QueueSink struct {
	producer queue.Producer
	topic    string
}

func NewQueueSink(producer queue.Producer, topic string) (*QueueSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return &QueueSink{producer: producer, topic: topic}, nil
}

func (s *QueueSink) RecordDecision(ctx context.Context, d settlement.Decision) error {
	payload, err := settlement.EncodeDecisionEvent(d)
	if err != nil {
		return err
	}
	return s.producer.Publish(ctx, s.topic, d.Key.Bytes(), payload)
}

// Multi fans a decision out to every sink and reports all failures together.
type Multi []settlement.DecisionSink

func (m Multi) RecordDecision(ctx context.Context, d settlement.Decision) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.RecordDecision(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
