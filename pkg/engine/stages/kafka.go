package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/pipeline"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the publish stage uses.
// This allows for mocking in unit tests.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublish sends every row of its input to a topic as a JSON object.
type KafkaPublish struct {
	brokers   []string
	topic     string
	keyColumn string
	batchSize int

	newWriter func(brokers []string, topic string) MessageWriter
}

// NewKafkaPublish reads "brokers", "topic", and optional "key_column" and
// "batch_size" (default 100).
func NewKafkaPublish(config map[string]any) (pipeline.Stage, error) {
	brokers, err := stringsParam(config, "brokers")
	if err != nil {
		return nil, err
	}
	if len(brokers) == 0 {
		return nil, invalid("\"brokers\" is required")
	}
	topic, err := stringParam(config, "topic", true)
	if err != nil {
		return nil, err
	}
	keyColumn, err := stringParam(config, "key_column", false)
	if err != nil {
		return nil, err
	}
	batch, err := intParam(config, "batch_size", 100)
	if err != nil {
		return nil, err
	}
	if batch < 1 {
		return nil, invalid("batch_size must be positive, got %d", batch)
	}
	return &KafkaPublish{
		brokers:   brokers,
		topic:     topic,
		keyColumn: keyColumn,
		batchSize: batch,
		newWriter: newKafkaWriter,
	}, nil
}

func newKafkaWriter(brokers []string, topic string) MessageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
}

// WithWriter replaces the writer constructor.
func (s *KafkaPublish) WithWriter(fn func(brokers []string, topic string) MessageWriter) *KafkaPublish {
	s.newWriter = fn
	return s
}

func (s *KafkaPublish) InputKeys() []string  { return []string{"input"} }
func (s *KafkaPublish) OutputKeys() []string { return nil }

func (s *KafkaPublish) Run(ctx context.Context, rc *pipeline.RunContext) (_ map[string]*data.Handle, err error) {
	in, err := rc.Input("input")
	if err != nil {
		return nil, err
	}
	t, err := in.ReadTable(ctx)
	if err != nil {
		return nil, err
	}
	keyIdx := -1
	if s.keyColumn != "" {
		if keyIdx = t.Index(s.keyColumn); keyIdx < 0 {
			return nil, invalid("key_column %q not in input columns %v", s.keyColumn, t.Columns)
		}
	}

	w := s.newWriter(s.brokers, s.topic)
	defer func() {
		if cerr := w.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close kafka writer: %w", cerr))
		}
	}()

	batch := make([]kafka.Message, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.WriteMessages(ctx, batch...); err != nil {
			return fmt.Errorf("kafka.publish to %s: %w", s.topic, err)
		}
		batch = batch[:0]
		return nil
	}

	for i, row := range t.Maps() {
		value, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("kafka.publish row %d: %w", i, err)
		}
		msg := kafka.Message{Value: value}
		if keyIdx >= 0 {
			msg.Key = []byte(fmt.Sprint(t.Rows[i][keyIdx]))
		}
		batch = append(batch, msg)
		if len(batch) == s.batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	rc.Log().Info("rows published", "topic", s.topic, "rows", t.NumRows())
	return nil, nil
}
