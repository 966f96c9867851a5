package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// messageWriter mirrors the subset of kafka.Writer used by the sink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each state to a topic, keyed by sensor id so that all
// states of one sensor land on the same partition.
type KafkaSink struct {
	topic  string
	writer messageWriter
}

// NewKafkaSink returns a KafkaSink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Connect implements Sink. kafka.Writer dials lazily on the first write.
func (s *KafkaSink) Connect(context.Context) error { return nil }

// Send implements Sink.
func (s *KafkaSink) Send(ctx context.Context, st types.SensorState) error {
	payload, err := Encode(st)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(st.SensorID), Value: payload, Time: st.UpdatedAt}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write %s: %w", s.topic, err)
	}
	return nil
}

// Close implements Sink. The writer is only closed on shutdown since it
// reconnects on its own.
func (s *KafkaSink) Close() error { return nil }

// Shutdown flushes and closes the underlying writer.
func (s *KafkaSink) Shutdown() error { return s.writer.Close() }
