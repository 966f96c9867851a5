package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dayofmonth/dayofmonth/pkg/types"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTOptions configures MQTTSink.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool
}

// mqttClient is the subset of mqtt.Client used by the sink.
type mqttClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes each state as JSON to <prefix>/<sensor>/state.
type MQTTSink struct {
	opts      MQTTOptions
	newClient func(*mqtt.ClientOptions) mqttClient
	client    mqttClient
}

// NewMQTTSink returns an MQTTSink for opts. It connects on Connect.
func NewMQTTSink(opts MQTTOptions) *MQTTSink {
	return &MQTTSink{
		opts:      opts,
		newClient: func(o *mqtt.ClientOptions) mqttClient { return mqtt.NewClient(o) },
	}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Connect implements Sink.
func (s *MQTTSink) Connect(ctx context.Context) error {
	o := mqtt.NewClientOptions().
		AddBroker(s.opts.Broker).
		SetClientID(s.opts.ClientID).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(false)
	if s.opts.Username != "" {
		o.SetUsername(s.opts.Username)
		o.SetPassword(s.opts.Password)
	}

	c := s.newClient(o)
	if err := waitToken(ctx, c.Connect()); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", s.opts.Broker, err)
	}
	s.client = c
	return nil
}

// Send implements Sink.
func (s *MQTTSink) Send(ctx context.Context, st types.SensorState) error {
	if s.client == nil {
		return errors.New("mqtt: not connected")
	}
	payload, err := Encode(st)
	if err != nil {
		return err
	}
	topic := Topic(s.opts.TopicPrefix, st.SensorID)
	if err := waitToken(ctx, s.client.Publish(topic, s.opts.QoS, s.opts.Retain, payload)); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	return nil
}

// waitToken blocks until tok completes or ctx is done.
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
