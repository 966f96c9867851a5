package publish

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// amqpChannel is the subset of *amqp.Channel used by the sink.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes each state to a durable topic exchange.
type AMQPSink struct {
	url        string
	exchange   string
	routingKey string

	dial func(url, exchange string) (amqpChannel, func() error, error)

	ch        amqpChannel
	closeConn func() error
}

// NewAMQPSink returns an AMQPSink for the broker at url.
func NewAMQPSink(url, exchange, routingKey string) *AMQPSink {
	return &AMQPSink{
		url:        url,
		exchange:   exchange,
		routingKey: routingKey,
		dial:       dialAMQP,
	}
}

func dialAMQP(url, exchange string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return ch, conn.Close, nil
}

// Name implements Sink.
func (s *AMQPSink) Name() string { return "amqp" }

// Connect implements Sink.
func (s *AMQPSink) Connect(context.Context) error {
	ch, closeConn, err := s.dial(s.url, s.exchange)
	if err != nil {
		return fmt.Errorf("amqp: connect: %w", err)
	}
	s.ch, s.closeConn = ch, closeConn
	return nil
}

// Send implements Sink.
func (s *AMQPSink) Send(ctx context.Context, st types.SensorState) error {
	if s.ch == nil {
		return errors.New("amqp: not connected")
	}
	body, err := Encode(st)
	if err != nil {
		return err
	}
	key := RoutingKey(s.routingKey, st.SensorID)
	err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    st.InvocationID,
		Timestamp:    st.UpdatedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp: publish %s: %w", key, err)
	}
	return nil
}

// Close implements Sink.
func (s *AMQPSink) Close() error {
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
		s.ch = nil
	}
	if s.closeConn != nil {
		errs = append(errs, s.closeConn())
		s.closeConn = nil
	}
	return errors.Join(errs...)
}
